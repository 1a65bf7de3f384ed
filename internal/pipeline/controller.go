package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/audiolark/livevoice/internal/assets"
	"github.com/audiolark/livevoice/internal/audio"
	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/decoder"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/protocol"
	"github.com/audiolark/livevoice/internal/stt"
)

// Phase tracks the pipeline session lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProvisioning
	PhaseModelReady
	PhaseStreaming
	PhaseFallbackOnly
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProvisioning:
		return "provisioning"
	case PhaseModelReady:
		return "model-ready"
	case PhaseStreaming:
		return "streaming"
	case PhaseFallbackOnly:
		return "fallback-only"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Controller owns one capture-to-transcript session: the audio source, the
// frame and spillover queues, the streaming recognizer and the fallback
// recognizer. Frames route to the streaming queue while the decode loop is
// running and to the spillover queue otherwise; both queues drop their
// oldest entry under pressure so capture never blocks.
type Controller struct {
	cfg         config.Config
	bus         *events.Bus
	provisioner *assets.Provisioner
	log         *slog.Logger

	sessionID string
	frames    chan audio.Frame
	spillover chan []byte
	source    *audio.Source
	streaming *stt.StreamingRecognizer
	fallback  *stt.FallbackRecognizer

	droppedFrames atomic.Uint64
	droppedChunks atomic.Uint64

	mu    sync.Mutex
	phase Phase
}

func NewController(cfg config.Config, bus *events.Bus, remote stt.RemoteRecognizer, provisioner *assets.Provisioner, log *slog.Logger) (*Controller, error) {
	opener, err := audio.NewOpener(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("build capture opener: %w", err)
	}
	factory, err := decoder.NewFactory(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("build decoder factory: %w", err)
	}

	c := &Controller{
		cfg:         cfg,
		bus:         bus,
		provisioner: provisioner,
		log:         log.With(slog.String("component", "pipeline-controller")),
		sessionID:   uuid.NewString(),
		frames:      make(chan audio.Frame, cfg.Pipeline.FrameQueueDepth),
		spillover:   make(chan []byte, cfg.Pipeline.SpilloverQueueDepth),
		phase:       PhaseIdle,
	}
	c.source = audio.NewSource(cfg.Capture, cfg.Pipeline, opener, bus, c.routeFrame, c.sessionID, log)
	c.streaming = stt.NewStreamingRecognizer(cfg.Pipeline, factory, c.frames, bus, c.sessionID, log)
	c.fallback = stt.NewFallbackRecognizer(cfg.Fallback, cfg.Pipeline, remote, c.spillover, bus, c.sessionID, log)
	return c, nil
}

func (c *Controller) SessionID() string { return c.sessionID }

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Healthy reports whether a session is live in either recognition mode.
func (c *Controller) Healthy() bool {
	switch c.Phase() {
	case PhaseStreaming, PhaseFallbackOnly:
		return true
	default:
		return false
	}
}

func (c *Controller) DroppedFrames() uint64 { return c.droppedFrames.Load() }
func (c *Controller) DroppedChunks() uint64 { return c.droppedChunks.Load() }

func (c *Controller) ListDevices() ([]audio.DeviceInfo, error) {
	return c.source.ListDevices()
}

// Start provisions the model, brings up the recognizers and opens the
// audio source. When the offline model cannot be made ready the session
// degrades to fallback-only recognition; if fallback is disabled too,
// Start fails.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case PhaseIdle, PhaseStopped:
	default:
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("cannot start from phase %s", phase)
	}
	c.phase = PhaseProvisioning
	c.mu.Unlock()

	c.log.Info("session starting", slog.String("session_id", c.sessionID))

	modelReady := c.provisionModel(ctx)
	if modelReady {
		c.setPhase(PhaseModelReady)
		if err := c.streaming.Start(); err != nil {
			c.log.Warn("streaming start failed", slog.String("error", err.Error()))
			modelReady = false
		}
	}

	if modelReady {
		c.setPhase(PhaseStreaming)
	} else {
		if !c.cfg.Fallback.Enabled {
			c.setPhase(PhaseStopped)
			return errors.New("offline model unavailable and fallback recognition disabled")
		}
		c.bus.Publish(protocol.Status{
			SessionID: c.sessionID,
			Message:   "offline model unavailable, using fallback recognition",
			Severity:  protocol.SeverityWarning,
		})
		c.setPhase(PhaseFallbackOnly)
	}

	c.fallback.Start()
	if c.cfg.Capture.Enabled {
		c.source.Start(c.cfg.Capture.DeviceIndex)
	}
	return nil
}

// Stop tears the session down in dependency order: source first so no new
// frames arrive, then the recognizers. Idempotent; a stopped session can
// be started again.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.phase == PhaseStopped || c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseStopped
	c.mu.Unlock()

	c.source.Stop()
	c.streaming.Stop()
	c.fallback.Stop()
	c.log.Info("session stopped", slog.String("session_id", c.sessionID))
}

// Close stops the session and releases the decoder engine.
func (c *Controller) Close() {
	c.Stop()
	c.streaming.Close()
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.log.Info("phase changed", slog.String("phase", p.String()))
}

func (c *Controller) provisionModel(ctx context.Context) bool {
	asset := assets.AssetFromConfig(c.cfg.Assets)
	progress := func(evt protocol.AssetProgress) { c.bus.Publish(evt) }
	if err := c.provisioner.Ensure(ctx, asset, progress); err != nil {
		c.log.Warn("model provisioning failed", slog.String("error", err.Error()))
		c.bus.Publish(protocol.Status{
			SessionID: c.sessionID,
			Message:   fmt.Sprintf("model provisioning failed: %v", err),
			Severity:  protocol.SeverityWarning,
		})
		return false
	}
	if err := c.streaming.Load(c.cfg.Decoder.ModelPath); err != nil {
		c.log.Warn("model load failed", slog.String("error", err.Error()))
		c.bus.Publish(protocol.Status{
			SessionID: c.sessionID,
			Message:   fmt.Sprintf("model load failed: %v", err),
			Severity:  protocol.SeverityWarning,
		})
		return false
	}
	return true
}

// routeFrame is the capture sink. It must never block the read loop.
func (c *Controller) routeFrame(f audio.Frame) {
	if c.streaming.Running() {
		select {
		case c.frames <- f:
			return
		default:
		}
		select {
		case <-c.frames:
			c.droppedFrames.Add(1)
		default:
		}
		select {
		case c.frames <- f:
		default:
			c.droppedFrames.Add(1)
		}
		return
	}

	select {
	case c.spillover <- f.PCM:
		return
	default:
	}
	select {
	case <-c.spillover:
		c.droppedChunks.Add(1)
	default:
	}
	select {
	case c.spillover <- f.PCM:
	default:
		c.droppedChunks.Add(1)
	}
}
