package speech

import (
	"log"
	"sync"
	"time"

	"github.com/msunkaradtt/echoxr/internal/audio"
)

const (
	// pumpInterval is the tick granularity for draining the capture ring.
	pumpInterval = 20 * time.Millisecond
	// reconnectDelay is the single delayed reconnect attempt after the
	// recognition channel drops while the manager was supposed to listen.
	reconnectDelay = 2 * time.Second
	// listenRetryDelay defers StartListening while a reconnect is in flight.
	listenRetryDelay = 500 * time.Millisecond
)

// RecognitionChannel is the outbound-audio / inbound-transcript stream.
type RecognitionChannel interface {
	Connect() error
	Connected() bool
	SendPCM(frame []byte) error
	Transcripts() <-chan string
	Close() error
}

// SynthesisChannel is the outbound-text / inbound-audio stream.
type SynthesisChannel interface {
	Connect() error
	Connected() bool
	Speak(text string) error
	Audio() <-chan []byte
	Flushed() <-chan struct{}
	Close() error
}

// PlaybackSink consumes decoded PCM and performs delivery to the headset.
// Implementations buffer internally and pace delivery.
type PlaybackSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued output immediately (barge-in).
	Reset()
}

// CaptureSource drains newly captured microphone samples.
type CaptureSource interface {
	ReadNew() []float32
}

// Events lets the orchestrator react to speech-channel activity. All fields
// are optional.
type Events struct {
	OnSpeechStarted        func()
	OnSpeechEnded          func()
	OnFinalTranscript      func(text string)
	OnBotUtteranceComplete func()
	OnDisconnect           func(channel string)
}

// Manager owns the two speech channels, the microphone pump, the playback
// queue and the turn state. It is the single writer of the turn machine.
type Manager struct {
	rec    RecognitionChannel
	synth  SynthesisChannel
	source CaptureSource
	sink   PlaybackSink
	ev     Events

	mu           sync.Mutex
	turn         TurnState
	shouldListen bool
	queue        [][]byte
	playing      bool
	markerSeen   bool
	closed       bool

	stopCh chan struct{}
}

// NewManager wires the manager. source and sink belong to the device
// boundary; rec and synth are the backend channels.
func NewManager(rec RecognitionChannel, synth SynthesisChannel, source CaptureSource, sink PlaybackSink, ev Events) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	return &Manager{
		rec:    rec,
		synth:  synth,
		source: source,
		sink:   sink,
		ev:     ev,
		stopCh: make(chan struct{}),
	}
}

// Start connects both channels and launches the pump and dispatch loops.
// Connection failures are logged; the channels can still come up later via
// StartListening / explicit reconnects.
func (m *Manager) Start() {
	if err := m.rec.Connect(); err != nil {
		log.Printf("speech: recognition connect: %v", err)
	}
	if err := m.synth.Connect(); err != nil {
		log.Printf("speech: synthesis connect: %v", err)
	}
	go m.pumpLoop()
	go m.transcriptLoop()
	go m.synthesisLoop()
}

// Turn returns the current turn state.
func (m *Manager) Turn() TurnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// BotSpeaking reports whether a synthesized utterance holds the turn.
func (m *Manager) BotSpeaking() bool { return m.Turn().BotSpeaking() }

// StartListening enables microphone forwarding and clears any user-speaking
// latch. When the recognition channel is down it triggers a reconnect and
// retries after a short delay instead.
func (m *Manager) StartListening() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.shouldListen = true
	if m.turn.BotSpeaking() {
		// Listening and bot speech are mutually exclusive; the turn is
		// handed back automatically on utterance completion.
		m.mu.Unlock()
		return
	}
	if !m.rec.Connected() {
		m.mu.Unlock()
		go func() {
			if err := m.rec.Connect(); err != nil {
				log.Printf("speech: listen reconnect failed: %v", err)
			}
			time.AfterFunc(listenRetryDelay, func() {
				m.mu.Lock()
				retry := m.shouldListen && !m.closed
				m.mu.Unlock()
				if retry {
					m.StartListening()
				}
			})
		}()
		return
	}
	m.turn = NextTurn(m.turn, EventStartListening)
	m.mu.Unlock()
}

// StopListening disables microphone forwarding.
func (m *Manager) StopListening() {
	m.mu.Lock()
	m.shouldListen = false
	if m.turn.Forwarding() {
		m.turn = NextTurn(m.turn, EventStopped)
	}
	m.mu.Unlock()
}

// Speak takes the turn for the bot: any in-flight playback is cancelled, the
// pending audio queue cleared, and the text transmitted for synthesis. A
// closed synthesis channel makes this a logged no-op.
func (m *Manager) Speak(text string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.synth.Connected() {
		m.mu.Unlock()
		log.Println("speech: synthesis channel not open, dropping text")
		return
	}
	m.queue = nil
	m.markerSeen = false
	m.shouldListen = false
	m.turn = NextTurn(m.turn, EventBotSpeakRequested)
	m.mu.Unlock()

	m.sink.Reset()
	if err := m.synth.Speak(text); err != nil {
		log.Printf("speech: speak failed: %v", err)
		m.mu.Lock()
		m.turn = NextTurn(m.turn, EventBotUtteranceDone)
		m.mu.Unlock()
	}
}

// StopPlayback cancels playback, clears the pending audio queue and drops
// bot-speaking immediately. Used for explicit interruption and barge-in.
func (m *Manager) StopPlayback() {
	m.mu.Lock()
	m.queue = nil
	m.markerSeen = false
	m.turn = NextTurn(m.turn, EventBotUtteranceDone)
	m.mu.Unlock()
	m.sink.Reset()
}

// HandleRecognitionDrop reacts to a recognition channel loss: one reconnect
// attempt after a fixed delay, but only if the manager was actively supposed
// to be listening.
func (m *Manager) HandleRecognitionDrop() {
	if m.ev.OnDisconnect != nil {
		m.ev.OnDisconnect("recognition")
	}
	m.mu.Lock()
	wasListening := m.shouldListen && !m.closed
	if m.turn.Forwarding() {
		m.turn = NextTurn(m.turn, EventStopped)
	}
	m.mu.Unlock()
	if !wasListening {
		return
	}
	time.AfterFunc(reconnectDelay, func() {
		m.mu.Lock()
		still := m.shouldListen && !m.closed
		m.mu.Unlock()
		if !still {
			return
		}
		if err := m.rec.Connect(); err != nil {
			log.Printf("speech: recognition reconnect failed: %v", err)
			return
		}
		m.StartListening()
	})
}

// HandleSynthesisDrop reacts to a synthesis channel loss. No automatic
// reconnect; the caller redials explicitly.
func (m *Manager) HandleSynthesisDrop() {
	if m.ev.OnDisconnect != nil {
		m.ev.OnDisconnect("synthesis")
	}
	m.mu.Lock()
	m.queue = nil
	m.markerSeen = false
	m.turn = NextTurn(m.turn, EventBotUtteranceDone)
	m.mu.Unlock()
}

// Close tears down both channels. Safe to call multiple times and from a
// suspend hook.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.shouldListen = false
	m.queue = nil
	m.turn = NextTurn(m.turn, EventStopped)
	close(m.stopCh)
	m.mu.Unlock()

	_ = m.rec.Close()
	_ = m.synth.Close()
	m.sink.Reset()
	return nil
}

// pumpLoop drains the capture ring every tick and forwards the new samples
// as one PCM16LE frame while forwarding is enabled.
func (m *Manager) pumpLoop() {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			forwarding := m.turn.Forwarding()
			m.mu.Unlock()
			if !forwarding || !m.rec.Connected() {
				continue
			}
			samples := m.source.ReadNew()
			if len(samples) == 0 {
				continue
			}
			if err := m.rec.SendPCM(audio.EncodePCM16LE(samples)); err != nil {
				log.Printf("speech: forward mic audio: %v", err)
			}
		}
	}
}

// transcriptLoop handles finalized utterances. Endpointing is server-side;
// the first fragment of a turn is also its final, so speech-started and
// speech-ended fire back to back.
func (m *Manager) transcriptLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case text, ok := <-m.rec.Transcripts():
			if !ok {
				return
			}
			m.handleFinalTranscript(text)
		}
	}
}

func (m *Manager) handleFinalTranscript(text string) {
	m.mu.Lock()
	interrupting := m.turn.BotSpeaking()
	m.turn = NextTurn(m.turn, EventUserSpeechStarted)
	m.mu.Unlock()

	if interrupting {
		m.StopPlayback()
	}
	if m.ev.OnSpeechStarted != nil {
		m.ev.OnSpeechStarted()
	}

	m.mu.Lock()
	m.turn = NextTurn(m.turn, EventUserSpeechEnded)
	m.shouldListen = false
	m.mu.Unlock()

	if m.ev.OnSpeechEnded != nil {
		m.ev.OnSpeechEnded()
	}
	if m.ev.OnFinalTranscript != nil {
		m.ev.OnFinalTranscript(text)
	}
}

// synthesisLoop consumes inbound audio frames and end-of-utterance markers.
func (m *Manager) synthesisLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case frame, ok := <-m.synth.Audio():
			if !ok {
				return
			}
			m.enqueuePlayback(frame)
		case _, ok := <-m.synth.Flushed():
			if !ok {
				return
			}
			// Audio frames already buffered arrived before the marker on the
			// wire; enqueue them before honoring it.
		drain:
			for {
				select {
				case frame, ok := <-m.synth.Audio():
					if !ok {
						break drain
					}
					m.enqueuePlayback(frame)
				default:
					break drain
				}
			}
			m.mu.Lock()
			m.markerSeen = true
			m.mu.Unlock()
			m.maybeCompleteUtterance()
		}
	}
}

func (m *Manager) enqueuePlayback(frame []byte) {
	m.mu.Lock()
	if !m.turn.BotSpeaking() {
		// Late audio for a cancelled or stale utterance.
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, frame)
	start := !m.playing
	if start {
		m.playing = true
	}
	m.mu.Unlock()
	if start {
		go m.playbackLoop()
	}
}

// playbackLoop drains the queue in enqueue order and exits when empty.
func (m *Manager) playbackLoop() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.playing = false
			m.mu.Unlock()
			m.maybeCompleteUtterance()
			return
		}
		frame := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.sink.WritePCM(frame)
	}
}

// maybeCompleteUtterance declares the utterance done once both the Flushed
// marker has arrived and the playback queue has drained, then hands the turn
// back to the user.
func (m *Manager) maybeCompleteUtterance() {
	m.mu.Lock()
	done := m.markerSeen && !m.playing && len(m.queue) == 0 && m.turn.BotSpeaking()
	if done {
		m.markerSeen = false
		m.turn = NextTurn(m.turn, EventBotUtteranceDone)
	}
	m.mu.Unlock()
	if !done {
		return
	}
	m.sink.FlushTail()
	if m.ev.OnBotUtteranceComplete != nil {
		m.ev.OnBotUtteranceComplete()
	}
	m.StartListening()
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
