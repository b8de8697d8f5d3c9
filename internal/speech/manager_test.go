package speech

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRecognition struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connects    int
	sent        [][]byte
	transcripts chan string
}

func newFakeRecognition() *fakeRecognition {
	return &fakeRecognition{transcripts: make(chan string, 10)}
}

func (f *fakeRecognition) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeRecognition) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeRecognition) SendPCM(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeRecognition) Transcripts() <-chan string { return f.transcripts }
func (f *fakeRecognition) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

type fakeSynthesis struct {
	mu        sync.Mutex
	connected bool
	spoken    []string
	audio     chan []byte
	flushed   chan struct{}
}

func newFakeSynthesis() *fakeSynthesis {
	return &fakeSynthesis{connected: true, audio: make(chan []byte, 64), flushed: make(chan struct{}, 4)}
}

func (f *fakeSynthesis) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}
func (f *fakeSynthesis) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeSynthesis) Speak(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return nil
}
func (f *fakeSynthesis) Audio() <-chan []byte     { return f.audio }
func (f *fakeSynthesis) Flushed() <-chan struct{} { return f.flushed }
func (f *fakeSynthesis) Close() error             { return nil }

type recordingSink struct {
	mu     sync.Mutex
	wrote  int
	resets int32
}

func (s *recordingSink) WritePCM(p []byte) {
	s.mu.Lock()
	s.wrote++
	s.mu.Unlock()
}
func (s *recordingSink) FlushTail() {}
func (s *recordingSink) Reset()     { atomic.AddInt32(&s.resets, 1) }

type silentSource struct{}

func (silentSource) ReadNew() []float32 { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestManager_UtteranceCompleteNeedsMarkerAndDrain(t *testing.T) {
	rec := newFakeRecognition()
	synth := newFakeSynthesis()
	sink := &recordingSink{}
	var completed int32
	m := NewManager(rec, synth, silentSource{}, sink, Events{
		OnBotUtteranceComplete: func() { atomic.AddInt32(&completed, 1) },
	})
	m.Start()
	defer m.Close()

	m.Speak("hello visitor")
	if !m.BotSpeaking() {
		t.Fatalf("expected bot-speaking after Speak")
	}

	synth.audio <- []byte{1, 0}
	synth.audio <- []byte{2, 0}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.wrote == 2
	}, "playback of both frames")

	// Queue drained but no marker yet: utterance must stay open.
	time.Sleep(20 * time.Millisecond)
	if !m.BotSpeaking() || atomic.LoadInt32(&completed) != 0 {
		t.Fatalf("utterance completed before Flushed marker")
	}

	synth.flushed <- struct{}{}
	waitFor(t, func() bool { return atomic.LoadInt32(&completed) == 1 }, "utterance completion")
	waitFor(t, func() bool { return m.Turn() == TurnListening }, "automatic StartListening after completion")
}

func TestManager_MarkerBeforeDrain(t *testing.T) {
	rec := newFakeRecognition()
	synth := newFakeSynthesis()
	sink := &recordingSink{}
	var completed int32
	m := NewManager(rec, synth, silentSource{}, sink, Events{
		OnBotUtteranceComplete: func() { atomic.AddInt32(&completed, 1) },
	})
	m.Start()
	defer m.Close()

	m.Speak("short")
	synth.audio <- []byte{1, 0}
	synth.flushed <- struct{}{}
	waitFor(t, func() bool { return atomic.LoadInt32(&completed) == 1 }, "completion after marker and drain")
	if m.BotSpeaking() {
		t.Fatalf("bot-speaking should be off after completion")
	}
}

func TestManager_StopPlaybackClearsImmediately(t *testing.T) {
	rec := newFakeRecognition()
	synth := newFakeSynthesis()
	sink := &recordingSink{}
	m := NewManager(rec, synth, silentSource{}, sink, Events{})
	m.Start()
	defer m.Close()

	m.Speak("a long reply that will be interrupted")
	for i := 0; i < 32; i++ {
		synth.audio <- []byte{byte(i), 0}
	}

	m.StopPlayback()
	if m.BotSpeaking() {
		t.Fatalf("bot-speaking must be false immediately after StopPlayback")
	}
	m.mu.Lock()
	depth := len(m.queue)
	m.mu.Unlock()
	if depth != 0 {
		t.Fatalf("queue must be cleared, depth=%d", depth)
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("sink must be reset on StopPlayback")
	}
}

func TestManager_FinalTranscriptFiresStartThenEnd(t *testing.T) {
	rec := newFakeRecognition()
	synth := newFakeSynthesis()
	var mu sync.Mutex
	var order []string
	m := NewManager(rec, synth, silentSource{}, nil, Events{
		OnSpeechStarted: func() { mu.Lock(); order = append(order, "started"); mu.Unlock() },
		OnSpeechEnded:   func() { mu.Lock(); order = append(order, "ended"); mu.Unlock() },
		OnFinalTranscript: func(text string) {
			mu.Lock()
			order = append(order, "final:"+text)
			mu.Unlock()
		},
	})
	m.Start()
	defer m.Close()
	m.StartListening()

	rec.transcripts <- "tell me more"
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "all three signals")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "started" || order[1] != "ended" || order[2] != "final:tell me more" {
		t.Fatalf("unexpected signal order: %v", order)
	}
	if m.Turn().Forwarding() {
		t.Fatalf("forwarding must be disabled after a final transcript")
	}
}

func TestManager_TranscriptDuringBotSpeechBargesIn(t *testing.T) {
	rec := newFakeRecognition()
	synth := newFakeSynthesis()
	sink := &recordingSink{}
	m := NewManager(rec, synth, silentSource{}, sink, Events{})
	m.Start()
	defer m.Close()

	m.Speak("something long")
	rec.transcripts <- "stop"
	waitFor(t, func() bool { return !m.BotSpeaking() }, "barge-in clears bot-speaking")
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("barge-in must reset the sink")
	}
}

func TestManager_SpeakNoOpWhenSynthesisClosed(t *testing.T) {
	rec := newFakeRecognition()
	synth := newFakeSynthesis()
	synth.connected = false
	m := NewManager(rec, synth, silentSource{}, nil, Events{})
	m.Start()
	// fake Connect() reconnects; force closed again for the test
	synth.mu.Lock()
	synth.connected = false
	synth.mu.Unlock()
	defer m.Close()

	m.Speak("dropped")
	if m.BotSpeaking() {
		t.Fatalf("Speak on a closed channel must not take the turn")
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.spoken) != 0 {
		t.Fatalf("nothing should be transmitted on a closed channel")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := NewManager(newFakeRecognition(), newFakeSynthesis(), silentSource{}, nil, Events{})
	m.Start()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
