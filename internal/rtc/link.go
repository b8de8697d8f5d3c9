package rtc

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/msunkaradtt/echoxr/internal/audio"
)

// SessionDescription is a small DTO so transport handlers never expose webrtc
// types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Link is the headset audio boundary. Inbound microphone audio is decoded
// into a capture ring the speech pump drains; synthesized PCM written through
// the sink methods goes out on the session's paced Opus track. One headset
// session is live at a time; a new offer supersedes the previous session.
type Link struct {
	mic            *audio.Ring
	captureRate    int
	onDisconnected func(sessionID string)

	mu        sync.Mutex
	writer    *PacedOpusWriter
	sessionID string
}

// NewLink wires the boundary around the shared capture ring. captureRate is
// the sample rate the recognition channel expects; inbound Opus is decoded
// straight to it.
func NewLink(mic *audio.Ring, captureRate int, onDisconnected func(sessionID string)) *Link {
	if captureRate <= 0 {
		captureRate = 16000
	}
	return &Link{mic: mic, captureRate: captureRate, onDisconnected: onDisconnected}
}

// SessionID returns the live session id, or "".
func (l *Link) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// WritePCM forwards synthesized 48kHz PCM to the live session, dropping it
// when no headset is connected.
func (l *Link) WritePCM(pcm []byte) {
	if w := l.currentWriter(); w != nil {
		w.WritePCM(pcm)
	}
}

// FlushTail flushes the live session's partial frame and silence tail.
func (l *Link) FlushTail() {
	if w := l.currentWriter(); w != nil {
		w.FlushTail()
	}
}

// Reset drops all audio queued for the live session.
func (l *Link) Reset() {
	if w := l.currentWriter(); w != nil {
		w.Reset()
	}
}

func (l *Link) currentWriter() *PacedOpusWriter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

// attach makes the session's writer the live playback target, closing any
// previous session's writer.
func (l *Link) attach(sessionID string, w *PacedOpusWriter) {
	l.mu.Lock()
	prev := l.writer
	l.writer = w
	l.sessionID = sessionID
	l.mu.Unlock()
	if prev != nil {
		prev.Reset()
		prev.Close()
	}
}

// detach clears the live playback target if it still belongs to sessionID.
func (l *Link) detach(sessionID string) {
	l.mu.Lock()
	if l.sessionID != sessionID {
		l.mu.Unlock()
		return
	}
	w := l.writer
	l.writer = nil
	l.sessionID = ""
	l.mu.Unlock()
	if w != nil {
		w.Reset()
		w.Close()
	}
	if l.onDisconnected != nil {
		l.onDisconnected(sessionID)
	}
}

// HandleOffer accepts the headset's SDP offer and returns the SDP answer.
func (l *Link) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	sessionID := uuid.NewString()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peer, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"guide-audio", "guide",
	)
	if err != nil {
		_ = peer.Close()
		return SessionDescription{}, err
	}
	if _, err := peer.AddTrack(outTrack); err != nil {
		_ = peer.Close()
		return SessionDescription{}, err
	}

	paced, err := NewPacedOpusWriter(outTrack)
	if err != nil {
		_ = peer.Close()
		return SessionDescription{}, err
	}
	l.attach(sessionID, paced)

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", sessionID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			l.detach(sessionID)
			_ = peer.Close()
		}
	})
	peer.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", sessionID, state.String())
	})

	peer.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] headset audio track: codec=%s", sessionID, remote.Codec().MimeType)
		dec, derr := opus.NewDecoder(l.captureRate, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder: %v", sessionID, derr)
			return
		}
		go l.readMic(sessionID, remote, dec)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peer.SetRemoteDescription(remoteOffer); err != nil {
		_ = peer.Close()
		return SessionDescription{}, err
	}
	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		_ = peer.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peer)
	if err := peer.SetLocalDescription(answer); err != nil {
		_ = peer.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := peer.LocalDescription()
	if local == nil {
		_ = peer.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	log.Printf("[%s] headset session established", sessionID)
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// readMic decodes inbound RTP into the capture ring until the track ends.
func (l *Link) readMic(sessionID string, remote *webrtc.TrackRemote, dec *opus.Decoder) {
	pcm := make([]int16, 5760)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Printf("[%s] RTP read ended: %v", sessionID, err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			log.Printf("[%s] opus decode: %v", sessionID, err)
			continue
		}
		samples := make([]float32, n)
		for i := 0; i < n; i++ {
			samples[i] = float32(pcm[i]) / 32768.0
		}
		l.mic.Write(samples)
	}
}
