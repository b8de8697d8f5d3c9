package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	// frameSamples is 20ms of mono audio at 48kHz, the Opus frame size used
	// for the outbound track.
	frameSamples = 960
	pacerTick    = 20 * time.Millisecond
	// tailFrames of silence are appended after an utterance so the decoder on
	// the headset does not clip the last syllable.
	tailFrames = 10
)

// sampleWriter is the subset of a WebRTC local track the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// PacedOpusWriter encodes 48kHz mono PCM into Opus frames and delivers them
// to the headset track at real-time pace. It implements the playback sink of
// the speech manager: Reset drops everything queued for immediate barge-in.
type PacedOpusWriter struct {
	enc   *opus.Encoder
	track sampleWriter

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool

	frames chan []byte
	stopCh chan struct{}
}

// NewPacedOpusWriter constructs the writer and starts its pacer.
func NewPacedOpusWriter(track sampleWriter) (*PacedOpusWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &PacedOpusWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers little-endian 16-bit 48kHz mono PCM and emits every full
// frame to the pacer queue.
func (w *PacedOpusWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		w.pcmBuf = append(w.pcmBuf, int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	w.encodeFullFramesLocked()
}

func (w *PacedOpusWriter) encodeFullFramesLocked() {
	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= frameSamples {
		n, err := w.enc.Encode(w.pcmBuf[:frameSamples], opusBuf)
		if err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:copy(w.pcmBuf, w.pcmBuf[frameSamples:])]
	}
}

// FlushTail pads any partial frame to a frame boundary and appends a short
// silence tail.
func (w *PacedOpusWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, frameSamples)
		copy(pad, w.pcmBuf)
		if n, err := w.enc.Encode(pad, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < tailFrames; i++ {
		if n, err := w.enc.Encode(silence, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
	}
	w.mu.Unlock()
}

// Reset drains the pacer queue and the partial-frame buffer. Playback stops
// within one pacer tick.
func (w *PacedOpusWriter) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}

// Close stops the pacer. Idempotent.
func (w *PacedOpusWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedOpusWriter) pacer() {
	ticker := time.NewTicker(pacerTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: pacerTick})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space frees up or the writer
// stops. Blocking here applies natural backpressure to the encoder.
func (w *PacedOpusWriter) pushFrame(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		}
	}
}
