package speech

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newChannelServer upgrades every request and reads frames until the client
// goes away, counting what arrived.
func newChannelServer(t *testing.T) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	frames := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			mu.Lock()
			frames++
			mu.Unlock()
		}
	}))
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return frames
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestRecognizer_AudioAndKeepAliveWritersSerialized(t *testing.T) {
	srv, frameCount := newChannelServer(t)
	defer srv.Close()

	r := NewRecognizer(RecognizerConfig{
		URL:        wsURL(srv),
		APIKey:     "test-key",
		SampleRate: 16000,
		KeepAlive:  time.Millisecond,
	})
	if err := r.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Flood audio from several goroutines while keep-alive frames fire every
	// millisecond. The connection allows a single writer; interleaved writers
	// crash the process, so surviving the flood is the assertion.
	var wg sync.WaitGroup
	frame := make([]byte, 640)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(150 * time.Millisecond)
			for time.Now().Before(deadline) {
				_ = r.SendPCM(frame)
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if frameCount() == 0 {
		t.Fatalf("expected the server to receive frames")
	}
}

func TestSynthesizer_ConcurrentSpeakSerialized(t *testing.T) {
	srv, frameCount := newChannelServer(t)
	defer srv.Close()

	s := NewSynthesizer(SynthesizerConfig{
		URL:        wsURL(srv),
		APIKey:     "test-key",
		SampleRate: 48000,
	})
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Two conversations can reach Speak at once in a narrow handover window;
	// both command pairs must go out without interleaved writers.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := s.Speak("overlapping utterance"); err != nil {
					t.Errorf("speak: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// 4 goroutines x 50 Speak calls x (Speak + Flush) frames.
	waitFor(t, func() bool { return frameCount() == 400 }, "all command frames received")
}
