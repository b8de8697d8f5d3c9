package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/msunkaradtt/echoxr/internal/archive"
	"github.com/msunkaradtt/echoxr/internal/audio"
	"github.com/msunkaradtt/echoxr/internal/chat"
	"github.com/msunkaradtt/echoxr/internal/config"
	"github.com/msunkaradtt/echoxr/internal/convo"
	"github.com/msunkaradtt/echoxr/internal/detect"
	"github.com/msunkaradtt/echoxr/internal/httpserver"
	"github.com/msunkaradtt/echoxr/internal/rtc"
	"github.com/msunkaradtt/echoxr/internal/speech"
	"github.com/msunkaradtt/echoxr/internal/vision"
)

// playbackRate is the PCM rate of the synthesis channel and of the outbound
// Opus track.
const playbackRate = 48000

type starterFunc func(landmarks []string)

func (f starterFunc) StartConversation(landmarks []string) { f(landmarks) }

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	ctx := context.Background()

	// Capture ring holds ten seconds of microphone audio.
	mic := audio.NewRing(cfg.SampleRate * 10)

	chatClient := chat.NewClient(cfg.ChatBaseURL, cfg.ChatAPIKey, cfg.AssistantPrefix)
	visionClient := vision.NewClient(cfg.VisionURL, cfg.VisionAPIKey)

	recognizer := speech.NewRecognizer(speech.RecognizerConfig{
		URL:            cfg.RecognitionURL,
		APIKey:         cfg.SpeechAPIKey,
		SampleRate:     cfg.SampleRate,
		SilenceTimeout: cfg.SilenceTimeout,
		KeywordBoost:   cfg.KeywordBoost,
	})
	synthesizer := speech.NewSynthesizer(speech.SynthesizerConfig{
		URL:        cfg.SynthesisURL,
		APIKey:     cfg.SpeechAPIKey,
		SampleRate: playbackRate,
	})

	var orch *convo.Orchestrator

	link := rtc.NewLink(mic, cfg.SampleRate, func(sessionID string) {
		log.Printf("headset session %s gone, ending conversation", sessionID)
		orch.EndConversation()
	})

	manager := speech.NewManager(recognizer, synthesizer, mic.NewReader(), link, speech.Events{
		OnSpeechStarted:   func() { orch.HandleUserSpeechStarted() },
		OnSpeechEnded:     func() { orch.HandleUserSpeechEnded() },
		OnFinalTranscript: func(text string) { orch.HandleFinalTranscript(text) },
		OnDisconnect:      func(channel string) { log.Printf("speech: %s channel dropped", channel) },
	})
	recognizer.OnDisconnect = manager.HandleRecognitionDrop
	synthesizer.OnDisconnect = manager.HandleSynthesisDrop

	var archiver convo.Archiver
	if store, err := archive.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseBucket); err == nil {
		archiver = store
	} else {
		log.Printf("transcript archival disabled: %v", err)
	}

	bridge := detect.NewBridge(starterFunc(func(landmarks []string) {
		orch.StartConversation(landmarks)
	}), cfg.DetectionCooldown)

	convoCfg := convo.DefaultConfig()
	convoCfg.EndSentinel = cfg.EndSentinel
	convoCfg.EndPhrases = cfg.EndPhrases
	orch = convo.NewOrchestrator(ctx, chatClient, manager, archiver, convoCfg, convo.Notifications{
		OnStarted: func() {
			bridge.OnConversationStarted()
			manager.StartListening()
		},
		OnEnded: bridge.OnConversationEnded,
	})

	manager.Start()

	srv := httpserver.New(httpserver.Deps{
		Offers:   link,
		Detector: visionClient,
		Bridge:   bridge,
		Convo:    orch,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	orch.EndConversation()
	_ = manager.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
