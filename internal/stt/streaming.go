package stt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolark/livevoice/internal/audio"
	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/decoder"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/protocol"
)

// State tracks the streaming recognizer lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// receiveTimeout bounds the frame-queue wait so the decode loop can check
// its running flag; worst-case stop latency equals this timeout.
const receiveTimeout = 500 * time.Millisecond

// StreamingRecognizer wraps an offline decoder engine. One decode worker
// exclusively owns the engine; it pulls frames from the queue, emits
// throttled partial hypotheses and final transcripts onto the event bus.
type StreamingRecognizer struct {
	cfg       config.PipelineConfig
	factory   decoder.Factory
	frames    <-chan audio.Frame
	bus       *events.Bus
	log       *slog.Logger
	sessionID string
	clock     func() time.Time

	mu              sync.Mutex
	state           State
	engine          decoder.Engine
	wg              sync.WaitGroup
	lastPartialAt   time.Time
	lastPartialText string
	lastFinalText   string
}

func NewStreamingRecognizer(cfg config.PipelineConfig, factory decoder.Factory, frames <-chan audio.Frame, bus *events.Bus, sessionID string, log *slog.Logger) *StreamingRecognizer {
	return &StreamingRecognizer{
		cfg:       cfg,
		factory:   factory,
		frames:    frames,
		bus:       bus,
		log:       log.With(slog.String("component", "streaming-recognizer")),
		sessionID: sessionID,
		clock:     time.Now,
	}
}

func (r *StreamingRecognizer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Running reports whether the decode loop is consuming frames. Capture
// routes frames to the spillover path whenever this is false.
func (r *StreamingRecognizer) Running() bool {
	return r.State() == StateRunning
}

// Load builds the decoder engine for modelPath. Only a Load failure
// prevents the decode loop from ever starting.
func (r *StreamingRecognizer) Load(modelPath string) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning:
		r.mu.Unlock()
		return fmt.Errorf("cannot load model while running")
	case StateLoading:
		r.mu.Unlock()
		return fmt.Errorf("load already in progress")
	}
	old := r.engine
	r.engine = nil
	r.state = StateLoading
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	engine, err := r.factory(modelPath, r.cfg.SampleRate)
	if err != nil {
		r.mu.Lock()
		r.state = StateUnloaded
		r.mu.Unlock()
		return fmt.Errorf("load model: %w", err)
	}

	r.mu.Lock()
	r.engine = engine
	r.state = StateReady
	r.mu.Unlock()
	r.log.Info("model loaded", slog.String("path", modelPath))
	return nil
}

// Start spawns the decode loop. Valid from Ready, or from Stopped with a
// previously loaded engine still in place.
func (r *StreamingRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRunning:
		return nil
	case StateReady, StateStopped:
	default:
		return fmt.Errorf("cannot start from state %s", r.state)
	}
	if r.engine == nil {
		return fmt.Errorf("no decoder engine loaded")
	}

	r.state = StateRunning
	r.lastPartialAt = time.Time{}
	r.lastPartialText = ""
	engine := r.engine
	r.wg.Add(1)
	go r.decodeLoop(engine)
	r.log.Info("decode loop started")
	return nil
}

// Stop transitions to Stopped. The loop exits after its current iteration;
// any non-empty in-flight partial is flushed as a best-effort final.
func (r *StreamingRecognizer) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		if r.state == StateReady {
			r.state = StateStopped
		}
		r.mu.Unlock()
		return
	}
	r.state = StateStopped
	engine := r.engine
	r.mu.Unlock()

	r.wg.Wait()

	if engine != nil {
		text := strings.TrimSpace(engine.PartialText())
		r.mu.Lock()
		stale := text == r.lastFinalText
		if text != "" && !stale {
			// The flushed text is a committed final: a decoder still
			// echoing it after a restart must not resurface it as a
			// partial.
			r.lastFinalText = text
		}
		r.mu.Unlock()
		if text != "" && !stale {
			r.publishFinal(text)
		}
	}
	r.log.Info("decode loop stopped")
}

// Close releases the decoder engine after the loop has stopped.
func (r *StreamingRecognizer) Close() {
	r.Stop()
	r.mu.Lock()
	engine := r.engine
	r.engine = nil
	r.state = StateUnloaded
	r.mu.Unlock()
	if engine != nil {
		_ = engine.Close()
	}
}

func (r *StreamingRecognizer) decodeLoop(engine decoder.Engine) {
	defer r.wg.Done()

	for r.Running() {
		var frame audio.Frame
		select {
		case f, ok := <-r.frames:
			if !ok {
				return
			}
			frame = f
		case <-time.After(receiveTimeout):
			continue
		}

		boundary, err := engine.AcceptFrame(frame.PCM)
		if err != nil {
			// A malformed frame is dropped; the loop continues.
			r.bus.Publish(protocol.Status{
				SessionID: r.sessionID,
				Message:   fmt.Sprintf("decode failed: %v", err),
				Severity:  protocol.SeverityError,
			})
			continue
		}

		if boundary {
			r.handleBoundary(engine)
			continue
		}
		r.maybePublishPartial(engine)
	}
}

func (r *StreamingRecognizer) handleBoundary(engine decoder.Engine) {
	text := strings.TrimSpace(engine.FinalText())

	r.mu.Lock()
	r.lastPartialAt = time.Time{}
	r.lastPartialText = ""
	if text != "" {
		r.lastFinalText = text
	}
	r.mu.Unlock()

	if text != "" {
		r.publishFinal(text)
	}
}

func (r *StreamingRecognizer) maybePublishPartial(engine decoder.Engine) {
	text := strings.TrimSpace(engine.PartialText())
	if text == "" {
		return
	}

	r.mu.Lock()
	// A committed final is never re-surfaced as a partial for the same
	// utterance.
	if text == r.lastFinalText {
		r.mu.Unlock()
		return
	}
	now := r.clock()
	interval := time.Duration(r.cfg.PartialIntervalMS) * time.Millisecond
	if !r.lastPartialAt.IsZero() && now.Sub(r.lastPartialAt) < interval {
		r.mu.Unlock()
		return
	}
	r.lastPartialAt = now
	r.lastPartialText = text
	r.mu.Unlock()

	r.bus.Publish(protocol.Transcript{
		SessionID: r.sessionID,
		Text:      text,
		Partial:   true,
		Source:    protocol.SourceStreaming,
		Timestamp: now,
	})
}

func (r *StreamingRecognizer) publishFinal(text string) {
	r.bus.Publish(protocol.Transcript{
		SessionID: r.sessionID,
		Text:      text,
		Partial:   false,
		Source:    protocol.SourceStreaming,
		Timestamp: r.clock(),
	})
}
