package detect

import (
	"log"
	"sync"
	"time"
)

// Starter receives gated landmark detections.
type Starter interface {
	StartConversation(landmarks []string)
}

// Bridge rate-limits external "landmark detected" signals into conversation
// starts. The gate closes while a conversation is active and stays closed for
// a fixed cooldown after it ends.
type Bridge struct {
	starter  Starter
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	active  bool
	lastEnd time.Time
}

func NewBridge(starter Starter, cooldown time.Duration) *Bridge {
	return &Bridge{starter: starter, cooldown: cooldown, now: time.Now}
}

// OnLandmarksDetected forwards the detection to the orchestrator unless the
// gate is closed (conversation active or cooldown running).
func (b *Bridge) OnLandmarksDetected(landmarks []string) {
	if len(landmarks) == 0 {
		log.Println("detect: empty landmark list ignored")
		return
	}
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		log.Printf("detect: %q dropped, conversation active", landmarks[0])
		return
	}
	if !b.lastEnd.IsZero() && b.now().Sub(b.lastEnd) < b.cooldown {
		b.mu.Unlock()
		log.Printf("detect: %q dropped, cooldown running", landmarks[0])
		return
	}
	b.mu.Unlock()

	log.Printf("detect: landmark %q accepted", landmarks[0])
	b.starter.StartConversation(landmarks)
}

// OnConversationStarted closes the gate.
func (b *Bridge) OnConversationStarted() {
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()
}

// OnConversationEnded records the end time; the gate reopens once the
// cooldown has elapsed.
func (b *Bridge) OnConversationEnded() {
	b.mu.Lock()
	b.active = false
	b.lastEnd = b.now()
	b.mu.Unlock()
}
