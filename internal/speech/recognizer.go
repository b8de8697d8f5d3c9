package speech

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// keepAliveInterval is how often a keep-alive control frame is sent while the
// recognition channel is open.
const keepAliveInterval = 5 * time.Second

// RecognizerConfig holds the static settings of the recognition channel.
type RecognizerConfig struct {
	URL            string
	APIKey         string
	SampleRate     int
	SilenceTimeout time.Duration
	KeywordBoost   []string
	// KeepAlive overrides the keep-alive interval; zero means the default.
	KeepAlive time.Duration
}

// Recognizer is the recognition streaming channel: outbound microphone PCM
// in, finalized transcripts out. Endpointing is server-side; the backend only
// emits finalized utterances, so there is no interim-result path.
type Recognizer struct {
	cfg RecognizerConfig

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopCh    chan struct{}

	// writeMu serializes every outbound frame; the websocket connection
	// tolerates only one writer at a time.
	writeMu sync.Mutex

	audioCh     chan []byte
	transcripts chan string

	// OnDisconnect is invoked once per connection loss, from the read loop.
	OnDisconnect func()
}

type transcriptEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = keepAliveInterval
	}
	return &Recognizer{
		cfg:         cfg,
		audioCh:     make(chan []byte, 1000),
		transcripts: make(chan string, 10),
	}
}

// Connect dials the recognition channel. It is a no-op when already
// connected; a Recognizer may be reconnected after a drop.
func (r *Recognizer) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil
	}
	if r.cfg.APIKey == "" {
		return fmt.Errorf("recognizer: api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	params.Set("encoding", "pcm_s16le")
	if r.cfg.SilenceTimeout > 0 {
		params.Set("endpoint_silence_ms", strconv.Itoa(int(r.cfg.SilenceTimeout/time.Millisecond)))
	}
	if len(r.cfg.KeywordBoost) > 0 {
		params.Set("keywords", strings.Join(r.cfg.KeywordBoost, ","))
	}
	wsURL := r.cfg.URL + "?" + params.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("recognizer: connect failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("recognizer: connect: %w", err)
	}

	r.conn = conn
	r.connected = true
	r.stopCh = make(chan struct{})

	go r.readLoop(conn, r.stopCh)
	go r.writeLoop(conn, r.stopCh)
	go r.keepAliveLoop(conn, r.stopCh)

	log.Println("recognizer: connected")
	return nil
}

// Connected reports whether the channel is currently open.
func (r *Recognizer) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// SendPCM queues one outbound audio frame. Fire-and-forget: a full queue
// drops the frame with a log line.
func (r *Recognizer) SendPCM(frame []byte) error {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected {
		return fmt.Errorf("recognizer: not connected")
	}
	select {
	case r.audioCh <- frame:
	default:
		log.Println("recognizer: audio queue full, dropping frame")
	}
	return nil
}

// Transcripts returns the finalized-utterance channel. It stays valid across
// reconnects.
func (r *Recognizer) Transcripts() <-chan string { return r.transcripts }

// Close tears down the connection. Safe to call multiple times.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil
	}
	close(r.stopCh)
	r.writeJSON(r.conn, map[string]string{"type": "Terminate"})
	_ = r.conn.Close()
	r.conn = nil
	r.connected = false
	log.Println("recognizer: closed")
	return nil
}

// markDisconnected flips the connected flag after a read failure. Returns
// true when this call observed the transition (stop not requested).
func (r *Recognizer) markDisconnected(conn *websocket.Conn, stop chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return false
	}
	close(r.stopCh)
	_ = r.conn.Close()
	r.conn = nil
	r.connected = false
	r.mu.Unlock()
	return true
}

func (r *Recognizer) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("recognizer: read error: %v", err)
			if r.markDisconnected(conn, stop) && r.OnDisconnect != nil {
				r.OnDisconnect()
			}
			return
		}
		var ev transcriptEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Printf("recognizer: malformed event: %v", err)
			continue
		}
		if strings.TrimSpace(ev.Transcript) == "" {
			continue
		}
		select {
		case r.transcripts <- ev.Transcript:
		default:
			log.Println("recognizer: transcript queue full, dropping")
		}
	}
}

func (r *Recognizer) writeLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-r.audioCh:
			r.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, frame)
			r.writeMu.Unlock()
			if err != nil {
				log.Printf("recognizer: send audio error: %v", err)
				return
			}
		}
	}
}

func (r *Recognizer) keepAliveLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			r.writeMu.Unlock()
			if err != nil {
				log.Printf("recognizer: keep-alive error: %v", err)
				return
			}
		}
	}
}

// writeJSON sends one control frame under the write lock. Errors are logged;
// control frames are best effort.
func (r *Recognizer) writeJSON(conn *websocket.Conn, v any) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		log.Printf("recognizer: control frame error: %v", err)
	}
}
