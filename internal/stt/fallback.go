package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/protocol"
)

// FallbackRecognizer drains the spillover queue that capture feeds
// whenever the streaming path is not running. Each chunk is treated as one
// complete utterance; there is no internal segmentation and no state
// beyond running/stopped.
type FallbackRecognizer struct {
	cfg       config.FallbackConfig
	pipeline  config.PipelineConfig
	remote    RemoteRecognizer
	spillover <-chan []byte
	bus       *events.Bus
	log       *slog.Logger
	sessionID string
	clock     func() time.Time

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func NewFallbackRecognizer(cfg config.FallbackConfig, pipeline config.PipelineConfig, remote RemoteRecognizer, spillover <-chan []byte, bus *events.Bus, sessionID string, log *slog.Logger) *FallbackRecognizer {
	return &FallbackRecognizer{
		cfg:       cfg,
		pipeline:  pipeline,
		remote:    remote,
		spillover: spillover,
		bus:       bus,
		log:       log.With(slog.String("component", "fallback-recognizer")),
		sessionID: sessionID,
		clock:     time.Now,
	}
}

func (f *FallbackRecognizer) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running || !f.cfg.Enabled {
		return
	}
	f.running = true
	f.wg.Add(1)
	go f.loop()
	f.log.Info("fallback recognizer started", slog.String("endpoint", f.cfg.Endpoint))
}

func (f *FallbackRecognizer) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()
	f.wg.Wait()
	f.log.Info("fallback recognizer stopped")
}

func (f *FallbackRecognizer) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FallbackRecognizer) loop() {
	defer f.wg.Done()

	for f.isRunning() {
		var chunk []byte
		select {
		case c, ok := <-f.spillover:
			if !ok {
				return
			}
			chunk = c
		case <-time.After(receiveTimeout):
			continue
		}
		f.recognizeChunk(chunk)
	}
}

func (f *FallbackRecognizer) recognizeChunk(chunk []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(f.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	text, err := f.remote.Recognize(ctx, chunk, f.pipeline.SampleRate)
	switch {
	case errors.Is(err, ErrNoSpeech):
		// Silence is not an error.
		return
	case err != nil:
		f.bus.Publish(protocol.Status{
			SessionID: f.sessionID,
			Message:   fmt.Sprintf("fallback recognition failed: %v", err),
			Severity:  protocol.SeverityError,
		})
		return
	}

	if text = strings.TrimSpace(text); text == "" {
		return
	}
	f.bus.Publish(protocol.Transcript{
		SessionID: f.sessionID,
		Text:      text,
		Partial:   false,
		Source:    protocol.SourceFallback,
		Timestamp: f.clock(),
	})
}
