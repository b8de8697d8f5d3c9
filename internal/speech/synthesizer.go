package speech

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SynthesizerConfig holds the static settings of the synthesis channel.
type SynthesizerConfig struct {
	URL        string
	APIKey     string
	SampleRate int
}

// Synthesizer is the synthesis streaming channel: outbound text commands in,
// inbound PCM audio frames and small JSON metadata frames out. A "Flushed"
// metadata frame marks the end of an utterance's audio.
type Synthesizer struct {
	cfg SynthesizerConfig

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopCh    chan struct{}

	// writeMu serializes every outbound command; the websocket connection
	// tolerates only one writer at a time, and a Speak/Flush pair must not
	// interleave with another utterance's commands.
	writeMu sync.Mutex

	audio   chan []byte
	flushed chan struct{}

	// OnDisconnect is invoked once per connection loss, from the read loop.
	OnDisconnect func()
}

type synthCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type synthMetadata struct {
	Type string `json:"type"`
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Synthesizer{
		cfg:     cfg,
		audio:   make(chan []byte, 4096),
		flushed: make(chan struct{}, 4),
	}
}

// Connect dials the synthesis channel. No-op when already connected. Unlike
// recognition, a dropped synthesis channel is not automatically redialed;
// the caller reconnects explicitly.
func (s *Synthesizer) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.cfg.APIKey == "" {
		return fmt.Errorf("synthesizer: api key is empty")
	}

	params := url.Values{}
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	wsURL := s.cfg.URL + "?" + params.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("synthesizer: connect failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("synthesizer: connect: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.stopCh = make(chan struct{})
	go s.readLoop(conn, s.stopCh)

	log.Println("synthesizer: connected")
	return nil
}

// Connected reports whether the channel is currently open.
func (s *Synthesizer) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Speak transmits a Speak command followed by a Flush, asking the backend to
// synthesize text and then emit the end-of-utterance marker.
func (s *Synthesizer) Speak(text string) error {
	s.mu.RLock()
	conn, connected := s.conn, s.connected
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("synthesizer: not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(synthCommand{Type: "Speak", Text: text}); err != nil {
		return fmt.Errorf("synthesizer: speak: %w", err)
	}
	if err := conn.WriteJSON(synthCommand{Type: "Flush"}); err != nil {
		return fmt.Errorf("synthesizer: flush: %w", err)
	}
	return nil
}

// Audio returns the inbound PCM frame channel. Valid across reconnects.
func (s *Synthesizer) Audio() <-chan []byte { return s.audio }

// Flushed signals one end-of-utterance marker per Flushed metadata frame.
func (s *Synthesizer) Flushed() <-chan struct{} { return s.flushed }

// Close tears down the connection. Safe to call multiple times.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	_ = s.conn.Close()
	s.conn = nil
	s.connected = false
	log.Println("synthesizer: closed")
	return nil
}

func (s *Synthesizer) markDisconnected(conn *websocket.Conn, stop chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	close(s.stopCh)
	_ = s.conn.Close()
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	return true
}

func (s *Synthesizer) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("synthesizer: read error: %v", err)
			if s.markDisconnected(conn, stop) && s.OnDisconnect != nil {
				s.OnDisconnect()
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			frame := make([]byte, len(message))
			copy(frame, message)
			select {
			case s.audio <- frame:
			default:
				log.Println("synthesizer: audio queue full, dropping frame")
			}
		case websocket.TextMessage:
			var md synthMetadata
			if err := json.Unmarshal(message, &md); err != nil {
				log.Printf("synthesizer: malformed metadata: %v", err)
				continue
			}
			if md.Type == "Flushed" {
				select {
				case s.flushed <- struct{}{}:
				default:
				}
			}
		}
	}
}
