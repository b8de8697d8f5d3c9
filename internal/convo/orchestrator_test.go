package convo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/msunkaradtt/echoxr/internal/chat"
)

type fakeBackend struct {
	mu         sync.Mutex
	creates    int
	createErr  error
	events     []string
	texts      []string
	deliveries []*chat.Delivery
}

func (f *fakeBackend) CreateConversation(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates++
	return fmt.Sprintf("conv-%d", f.creates), nil
}

func (f *fakeBackend) SendEvent(_ context.Context, _, eventType string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeBackend) SendText(_ context.Context, _, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeBackend) PollMessages(_ context.Context, _ string) *chat.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) == 0 {
		return nil
	}
	d := f.deliveries[0]
	f.deliveries = f.deliveries[1:]
	return d
}

func (f *fakeBackend) push(d *chat.Delivery) {
	f.mu.Lock()
	f.deliveries = append(f.deliveries, d)
	f.mu.Unlock()
}

func (f *fakeBackend) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSpeech struct {
	mu            sync.Mutex
	spoken        []string
	speaking      bool
	startListens  int32
	stopListens   int32
	stopPlaybacks int32
}

func (f *fakeSpeech) StartListening() { atomic.AddInt32(&f.startListens, 1) }
func (f *fakeSpeech) StopListening()  { atomic.AddInt32(&f.stopListens, 1) }
func (f *fakeSpeech) StopPlayback()   { atomic.AddInt32(&f.stopPlaybacks, 1) }
func (f *fakeSpeech) Speak(text string) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
}
func (f *fakeSpeech) BotSpeaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking
}

func (f *fakeSpeech) allSpoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func testConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		SettleDelay:  5 * time.Millisecond,
		Watchdog:     40 * time.Millisecond,
		RestartDelay: 5 * time.Millisecond,
		EndSentinel:  "[[END]]",
		EndPhrases:   []string{"goodbye"},
	}
}

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

func TestOrchestrator_EndSentinelEndsExactlyOnce(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	var ended int32
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{
		OnEnded: func() { atomic.AddInt32(&ended, 1) },
	})

	o.StartConversation([]string{"old-mill"})
	if o.State() != StateActive {
		t.Fatalf("expected active state, got %v", o.State())
	}

	backend.push(&chat.Delivery{Text: "  [[END]]  "})
	waitFor(t, func() bool { return o.State() == StateInactive }, "sentinel teardown")
	waitFor(t, func() bool { return atomic.LoadInt32(&ended) == 1 }, "ended notification")

	o.EndConversation()
	if got := atomic.LoadInt32(&ended); got != 1 {
		t.Fatalf("ended notification fired %d times, want exactly once", got)
	}
	if atomic.LoadInt32(&speech.stopPlaybacks) == 0 || atomic.LoadInt32(&speech.stopListens) == 0 {
		t.Fatalf("teardown must stop playback and listening")
	}
}

func TestOrchestrator_RestartSupersedesActiveConversation(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	var ended int32
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{
		OnEnded: func() { atomic.AddInt32(&ended, 1) },
	})

	o.StartConversation([]string{"castle-gate"})
	first := o.ConversationID()

	o.StartConversation([]string{"river-bridge"})
	second := o.ConversationID()

	if first == second || second == "" {
		t.Fatalf("restart must produce a fresh conversation: %q then %q", first, second)
	}
	if o.State() != StateActive {
		t.Fatalf("expected active state after restart, got %v", o.State())
	}
	if got := atomic.LoadInt32(&ended); got != 1 {
		t.Fatalf("superseded conversation must end exactly once, got %d", got)
	}
}

func TestOrchestrator_QueuedMessagesVoicedInOrder(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.StartConversation([]string{"fountain"})
	backend.push(&chat.Delivery{Text: "first"})
	backend.push(&chat.Delivery{Text: "second"})
	backend.push(&chat.Delivery{Text: "third"})

	waitFor(t, func() bool { return len(speech.allSpoken()) == 3 }, "all three messages voiced")
	got := speech.allSpoken()
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("messages voiced out of order: %v", got)
	}
	o.EndConversation()
}

func TestOrchestrator_WatchdogResumesListeningOnSilence(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.StartConversation([]string{"chapel"})
	o.HandleFinalTranscript("tell me something")

	waitFor(t, func() bool { return atomic.LoadInt32(&speech.startListens) >= 1 }, "watchdog re-listen")
	o.EndConversation()
}

func TestOrchestrator_FiredWatchdogTimersPruned(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.StartConversation([]string{"chapel"})
	for i := 0; i < 3; i++ {
		o.HandleFinalTranscript("still there?")
	}
	o.mu.Lock()
	armed := len(o.timers)
	o.mu.Unlock()
	if armed != 3 {
		t.Fatalf("expected three armed watchdogs, got %d", armed)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&speech.startListens) >= 1 }, "watchdog fired")
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.timers) == 0
	}, "fired timers pruned")
	o.EndConversation()
}

func TestOrchestrator_WatchdogSilencedByResponse(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.StartConversation([]string{"chapel"})
	o.HandleFinalTranscript("tell me something")
	backend.push(&chat.Delivery{Text: "a reply"})

	waitFor(t, func() bool { return len(speech.allSpoken()) == 1 }, "reply voiced")
	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&speech.startListens) != 0 {
		t.Fatalf("watchdog must not fire once the backend responded")
	}
	o.EndConversation()
}

func TestOrchestrator_TranscriptNormalizedAgainstChoiceCache(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.StartConversation([]string{"tower"})
	backend.push(&chat.Delivery{
		Text:     "How long a story would you like?",
		IsChoice: true,
		Options: []chat.Option{
			{Label: "a short story", Value: "story_short"},
			{Label: "a long story", Value: "story_long"},
		},
	})
	waitFor(t, func() bool { return len(speech.allSpoken()) == 1 }, "choice prompt voiced")

	o.HandleFinalTranscript("a short story please")
	waitFor(t, func() bool { return len(backend.sentTexts()) == 1 }, "transcript posted")
	if got := backend.sentTexts()[0]; got != "story_short" {
		t.Fatalf("expected option value substitution, sent %q", got)
	}
	o.EndConversation()
}

func TestOrchestrator_TranscriptIgnoredWhenInactive(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.HandleFinalTranscript("hello?")
	if len(backend.sentTexts()) != 0 {
		t.Fatalf("no transcript may be posted without an active conversation")
	}
}

func TestOrchestrator_UserSpeechCancelsPlayback(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	o := NewOrchestrator(context.Background(), backend, speech, nil, testConfig(), Notifications{})

	o.HandleUserSpeechStarted()
	if atomic.LoadInt32(&speech.stopPlaybacks) != 1 {
		t.Fatalf("user speech must cancel bot playback immediately")
	}
}

func TestOrchestrator_ArchiveOnEnd(t *testing.T) {
	backend := &fakeBackend{}
	speech := &fakeSpeech{}
	arch := &recordingArchiver{}
	o := NewOrchestrator(context.Background(), backend, speech, arch, testConfig(), Notifications{})

	o.StartConversation([]string{"harbor"})
	backend.push(&chat.Delivery{Text: "welcome to the harbor"})
	waitFor(t, func() bool { return len(speech.allSpoken()) == 1 }, "greeting voiced")
	o.HandleFinalTranscript("thanks")
	waitFor(t, func() bool { return len(backend.sentTexts()) == 1 }, "transcript posted")

	o.EndConversation()
	waitFor(t, func() bool { return arch.count() == 1 }, "archive invoked")
	id, turns := arch.last()
	if id == "" || len(turns) != 2 {
		t.Fatalf("archive got id=%q turns=%d, want both roles recorded", id, len(turns))
	}
	if turns[0].Role != "ASSISTANT" || turns[1].Role != "USER" {
		t.Fatalf("unexpected transcript roles: %v, %v", turns[0].Role, turns[1].Role)
	}
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls int
	id    string
	turns []Turn
}

func (a *recordingArchiver) Archive(conversationID string, turns []Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.id = conversationID
	a.turns = turns
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *recordingArchiver) last() (string, []Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id, a.turns
}
