package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all static service configuration. Values are read once at
// startup and never re-read.
type Config struct {
	HTTPAddress string

	// Chat backend (conversation/message/event storage).
	ChatBaseURL     string
	ChatAPIKey      string
	AssistantPrefix string

	// Speech backend (two independent streaming channel URLs).
	RecognitionURL string
	SynthesisURL   string
	SpeechAPIKey   string
	SampleRate     int
	SilenceTimeout time.Duration
	KeywordBoost   []string

	// Vision inference endpoint.
	VisionURL    string
	VisionAPIKey string

	// Conversation behavior.
	DetectionCooldown time.Duration
	EndSentinel       string
	EndPhrases        []string

	// Transcript archival (optional; archival is disabled when unset).
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	chatURL := os.Getenv("CHAT_BASE_URL")
	chatKey := os.Getenv("CHAT_API_KEY")
	if chatKey == "" {
		log.Println("Warning: CHAT_API_KEY not set - conversations will not work")
	}
	assistantPrefix := os.Getenv("CHAT_ASSISTANT_PREFIX")
	if assistantPrefix == "" {
		assistantPrefix = "assistant-"
	}

	recognitionURL := os.Getenv("SPEECH_RECOGNITION_URL")
	synthesisURL := os.Getenv("SPEECH_SYNTHESIS_URL")
	speechKey := os.Getenv("SPEECH_API_KEY")
	if speechKey == "" {
		log.Println("Warning: SPEECH_API_KEY not set - speech channels will not work")
	}

	visionURL := os.Getenv("VISION_URL")
	visionKey := os.Getenv("VISION_API_KEY")
	if visionKey == "" {
		log.Println("Warning: VISION_API_KEY not set - landmark detection will not work")
	}

	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	supabaseBucket := os.Getenv("SUPABASE_BUCKET")
	if supabaseBucket == "" {
		supabaseBucket = "transcripts"
	}
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: SUPABASE_URL / SUPABASE_SERVICE_ROLE_KEY not set - transcript archival disabled")
	}

	cfg := Config{
		HTTPAddress:        addr,
		ChatBaseURL:        chatURL,
		ChatAPIKey:         chatKey,
		AssistantPrefix:    assistantPrefix,
		RecognitionURL:     recognitionURL,
		SynthesisURL:       synthesisURL,
		SpeechAPIKey:       speechKey,
		SampleRate:         envInt("SAMPLE_RATE", 16000),
		SilenceTimeout:     envDuration("SILENCE_TIMEOUT_MS", 700*time.Millisecond),
		KeywordBoost:       envList("KEYWORD_BOOST"),
		VisionURL:          visionURL,
		VisionAPIKey:       visionKey,
		DetectionCooldown:  envDuration("DETECTION_COOLDOWN_MS", 3*time.Second),
		EndSentinel:        envDefault("END_SENTINEL", "[[END]]"),
		EndPhrases:         envList("END_PHRASES"),
		SupabaseURL:        supabaseURL,
		SupabaseServiceKey: supabaseKey,
		SupabaseBucket:     supabaseBucket,
	}

	log.Printf("config: HTTP_ADDRESS=%s SAMPLE_RATE=%d COOLDOWN=%s", cfg.HTTPAddress, cfg.SampleRate, cfg.DetectionCooldown)
	return cfg
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		log.Printf("Warning: %s=%q is not a millisecond count, using %s", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// envList parses a comma-separated list, trimming blanks.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
