package convo

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/msunkaradtt/echoxr/internal/chat"
)

// State is the conversation lifecycle state.
type State int

const (
	StateInactive State = iota
	StateInitializing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	default:
		return "inactive"
	}
}

// ChatBackend is the subset of the chat client the orchestrator drives.
type ChatBackend interface {
	CreateConversation(ctx context.Context) (string, error)
	SendEvent(ctx context.Context, conversationID, eventType string, fields map[string]any)
	SendText(ctx context.Context, conversationID, text string)
	PollMessages(ctx context.Context, conversationID string) *chat.Delivery
}

// SpeechManager is the subset of the speech channel manager the orchestrator
// drives.
type SpeechManager interface {
	StartListening()
	StopListening()
	Speak(text string)
	StopPlayback()
	BotSpeaking() bool
}

// Archiver persists a finished conversation transcript.
type Archiver interface {
	Archive(conversationID string, turns []Turn)
}

// Turn is one transcript entry of a conversation.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Notifications announce lifecycle changes (the detection bridge gate hangs
// off these).
type Notifications struct {
	OnStarted func()
	OnEnded   func()
}

// Config holds the orchestrator's fixed timing and trigger settings.
type Config struct {
	PollInterval time.Duration
	SettleDelay  time.Duration
	Watchdog     time.Duration
	RestartDelay time.Duration
	EndSentinel  string
	EndPhrases   []string
}

// DefaultConfig returns the production timing profile.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		SettleDelay:  time.Second,
		Watchdog:     8 * time.Second,
		RestartDelay: time.Second,
		EndSentinel:  "[[END]]",
	}
}

// Orchestrator ties the chat backend and the speech channels into one
// conversation state machine: lifecycle, message ordering, intent
// normalization, end detection and watchdogs.
type Orchestrator struct {
	ctx      context.Context
	cfg      Config
	chat     ChatBackend
	speech   SpeechManager
	archiver Archiver
	notif    Notifications

	mu             sync.Mutex
	state          State
	epoch          int
	conversationID string
	queue          []string
	inFlight       bool
	dispatches     int
	choiceCache    []chat.Option
	turns          []Turn
	pollDone       chan struct{}
	timers         []*time.Timer
}

// NewOrchestrator wires the orchestrator. archiver may be nil.
func NewOrchestrator(ctx context.Context, backend ChatBackend, speech SpeechManager, archiver Archiver, cfg Config, notif Notifications) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.EndSentinel == "" {
		cfg.EndSentinel = "[[END]]"
	}
	return &Orchestrator{
		ctx:      ctx,
		cfg:      cfg,
		chat:     backend,
		speech:   speech,
		archiver: archiver,
		notif:    notif,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ConversationID returns the active conversation id, or "".
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// StartConversation begins a conversation for the detected landmarks. If one
// is already running it is fully ended first, then the new one starts after a
// fixed delay (last writer wins; responses to the superseded conversation are
// discarded by epoch tagging).
func (o *Orchestrator) StartConversation(landmarks []string) {
	if len(landmarks) == 0 {
		log.Println("convo: start requested with no landmarks")
		return
	}

	o.mu.Lock()
	if o.state != StateInactive {
		o.mu.Unlock()
		o.EndConversation()
		time.Sleep(o.cfg.RestartDelay)
		o.mu.Lock()
		if o.state != StateInactive {
			// Another start won the race while we waited.
			o.mu.Unlock()
			return
		}
	}
	o.state = StateInitializing
	o.epoch++
	epoch := o.epoch
	o.mu.Unlock()

	id, err := o.chat.CreateConversation(o.ctx)
	if err != nil {
		log.Printf("convo: create conversation failed: %v", err)
		o.mu.Lock()
		if o.epoch == epoch {
			o.state = StateInactive
		}
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	if o.epoch != epoch || o.state != StateInitializing {
		// Superseded while the creation request was in flight.
		o.mu.Unlock()
		return
	}
	o.state = StateActive
	o.conversationID = id
	o.queue = nil
	o.inFlight = false
	o.choiceCache = nil
	o.turns = nil
	done := make(chan struct{})
	o.pollDone = done
	o.mu.Unlock()

	log.Printf("convo: conversation %s started for landmark %q", id, landmarks[0])
	o.chat.SendEvent(o.ctx, id, "landmark_detected", map[string]any{"landmarks": landmarks})
	if o.notif.OnStarted != nil {
		o.notif.OnStarted()
	}
	go o.pollLoop(epoch, id, done)
}

// EndConversation tears the conversation down. Idempotent: a second call is
// a no-op and the ended notification fires exactly once.
func (o *Orchestrator) EndConversation() {
	o.mu.Lock()
	if o.state == StateInactive {
		o.mu.Unlock()
		return
	}
	id := o.conversationID
	turns := o.turns
	o.state = StateInactive
	o.conversationID = ""
	o.queue = nil
	o.inFlight = false
	o.choiceCache = nil
	o.turns = nil
	if o.pollDone != nil {
		close(o.pollDone)
		o.pollDone = nil
	}
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = nil
	o.mu.Unlock()

	o.speech.StopPlayback()
	o.speech.StopListening()
	log.Printf("convo: conversation %s ended", id)
	if o.notif.OnEnded != nil {
		o.notif.OnEnded()
	}
	if o.archiver != nil && id != "" && len(turns) > 0 {
		go o.archiver.Archive(id, turns)
	}
}

// staleLocked reports whether work tagged with epoch belongs to a superseded
// or ended conversation. Callers hold o.mu.
func (o *Orchestrator) staleLocked(epoch int) bool {
	return o.epoch != epoch || o.state != StateActive
}

// pollLoop polls the chat backend while the conversation stays active. At
// most one poll request is in flight at a time.
func (o *Orchestrator) pollLoop(epoch int, conversationID string, done chan struct{}) {
	for {
		o.mu.Lock()
		stale := o.staleLocked(epoch)
		o.mu.Unlock()
		if stale {
			return
		}
		if d := o.chat.PollMessages(o.ctx, conversationID); d != nil {
			o.handleDelivery(epoch, d)
		}
		select {
		case <-done:
			return
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// handleDelivery processes one assistant message from the poll loop.
func (o *Orchestrator) handleDelivery(epoch int, d *chat.Delivery) {
	if strings.TrimSpace(d.Text) == o.cfg.EndSentinel {
		log.Println("convo: end sentinel received")
		o.mu.Lock()
		stale := o.staleLocked(epoch)
		o.mu.Unlock()
		if !stale {
			o.EndConversation()
		}
		return
	}

	o.mu.Lock()
	if o.staleLocked(epoch) {
		o.mu.Unlock()
		return
	}
	if d.IsChoice && len(d.Options) > 0 {
		o.choiceCache = d.Options
	}
	o.turns = append(o.turns, Turn{Role: "ASSISTANT", Text: d.Text, At: time.Now()})
	if o.inFlight || o.speech.BotSpeaking() {
		o.queue = append(o.queue, d.Text)
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.dispatches++
	o.mu.Unlock()

	o.speech.Speak(d.Text)
	go o.drainQueue(epoch)
}

// drainQueue voices queued bot messages one at a time with a fixed settle
// delay between items, waiting out any utterance still playing. Exits once
// the queue is empty or the conversation went stale.
func (o *Orchestrator) drainQueue(epoch int) {
	for {
		time.Sleep(o.cfg.SettleDelay)
		o.mu.Lock()
		if o.staleLocked(epoch) {
			o.mu.Unlock()
			return
		}
		if o.speech.BotSpeaking() {
			o.mu.Unlock()
			continue
		}
		if len(o.queue) == 0 {
			o.inFlight = false
			o.mu.Unlock()
			return
		}
		next := o.queue[0]
		o.queue = o.queue[1:]
		o.dispatches++
		o.mu.Unlock()
		o.speech.Speak(next)
	}
}

// HandleFinalTranscript normalizes and posts a finalized user utterance, then
// arms the no-response watchdog.
func (o *Orchestrator) HandleFinalTranscript(text string) {
	o.mu.Lock()
	if o.state != StateActive {
		o.mu.Unlock()
		log.Printf("convo: transcript ignored, no active conversation: %q", text)
		return
	}
	epoch := o.epoch
	id := o.conversationID
	normalized := Normalize(text, o.choiceCache)
	if phrase, ok := MatchEndPhrase(normalized, o.cfg.EndPhrases); ok {
		// Advisory only; the backend decides when to end via the sentinel.
		log.Printf("convo: end phrase %q detected", phrase)
	}
	o.turns = append(o.turns, Turn{Role: "USER", Text: normalized, At: time.Now()})
	count := o.dispatches
	o.mu.Unlock()

	log.Printf("convo: user said %q -> sending %q", text, normalized)
	o.chat.SendText(o.ctx, id, normalized)

	if o.cfg.Watchdog <= 0 {
		return
	}
	o.mu.Lock()
	if o.staleLocked(epoch) {
		o.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(o.cfg.Watchdog, func() {
		o.mu.Lock()
		o.pruneTimerLocked(timer)
		silent := !o.staleLocked(epoch) && o.dispatches == count
		o.mu.Unlock()
		if silent {
			log.Println("convo: watchdog fired, backend silent, resuming listening")
			o.speech.StartListening()
		}
	})
	o.timers = append(o.timers, timer)
	o.mu.Unlock()
}

// pruneTimerLocked drops a fired timer so the slice does not grow for the
// lifetime of a long conversation. Callers hold o.mu.
func (o *Orchestrator) pruneTimerLocked(t *time.Timer) {
	for i, x := range o.timers {
		if x == t {
			o.timers = append(o.timers[:i], o.timers[i+1:]...)
			return
		}
	}
}

// HandleUserSpeechStarted cancels any bot audio in flight (barge-in).
func (o *Orchestrator) HandleUserSpeechStarted() {
	o.speech.StopPlayback()
}

// HandleUserSpeechEnded is informational; the conversation continues once the
// final transcript arrives.
func (o *Orchestrator) HandleUserSpeechEnded() {
	log.Println("convo: user speech ended")
}
