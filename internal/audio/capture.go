package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/protocol"
)

// Source owns the microphone device. Each successful read pushes one
// amplitude sample onto the event bus and hands the raw frame to the sink
// installed by the pipeline controller (streaming feed or spillover).
type Source struct {
	cfg       config.CaptureConfig
	pipeline  config.PipelineConfig
	opener    Opener
	bus       *events.Bus
	sink      func(Frame)
	log       *slog.Logger
	sessionID string

	mu      sync.Mutex
	dev     Device
	running bool
	seq     uint64
	wg      sync.WaitGroup
}

func NewSource(cfg config.CaptureConfig, pipeline config.PipelineConfig, opener Opener, bus *events.Bus, sink func(Frame), sessionID string, log *slog.Logger) *Source {
	return &Source{
		cfg:       cfg,
		pipeline:  pipeline,
		opener:    opener,
		bus:       bus,
		sink:      sink,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "audio-capture")),
	}
}

// NewOpener builds the configured device boundary.
func NewOpener(cfg config.CaptureConfig) (Opener, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecOpener(cfg.Command)
	case "mock":
		return NewMockOpener(), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

func (s *Source) ListDevices() ([]DeviceInfo, error) {
	return s.opener.ListDevices()
}

// Start opens the device and begins the read loop. A device-open failure
// is non-fatal: it is reported as a status event, Start returns false, and
// the pipeline proceeds capture-less.
func (s *Source) Start(deviceIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return true
	}

	frameSamples := s.pipeline.SampleRate * s.pipeline.FrameDurationMS / 1000
	dev, err := s.opener.Open(s.pipeline.SampleRate, frameSamples, deviceIndex)
	if err != nil {
		s.log.Warn("device open failed", slog.String("error", err.Error()))
		s.bus.Publish(protocol.Status{
			SessionID: s.sessionID,
			Message:   fmt.Sprintf("mic start failed: %v", err),
			Severity:  protocol.SeverityError,
		})
		return false
	}

	s.dev = dev
	s.running = true
	s.seq = 0
	s.wg.Add(1)
	go s.readLoop(dev)
	s.log.Info("capture started",
		slog.Int("sample_rate", s.pipeline.SampleRate),
		slog.Int("frame_ms", s.pipeline.FrameDurationMS),
		slog.Int("device_index", deviceIndex))
	return true
}

// Stop releases the device unconditionally and is idempotent. Closing the
// handle unblocks a read in flight; the loop observes the stopped flag and
// exits after its current iteration.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()

	if dev != nil {
		_ = dev.Close()
	}
	s.wg.Wait()
	s.log.Info("capture stopped")
}

func (s *Source) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Source) readLoop(dev Device) {
	defer s.wg.Done()

	frameBytes := FrameBytes(s.pipeline.SampleRate, s.pipeline.FrameDurationMS)
	duration := time.Duration(s.pipeline.FrameDurationMS) * time.Millisecond

	readFailures := 0
	for s.isRunning() {
		buf := make([]byte, frameBytes)
		if err := dev.Read(buf); err != nil {
			if !s.isRunning() {
				return
			}
			s.bus.Publish(protocol.Amplitude{SessionID: s.sessionID, Value: 0})
			// A dead device fails on every read; one status per failure
			// streak keeps the bus from flooding with duplicates.
			if readFailures == 0 {
				s.log.Warn("mic read failed", slog.String("error", err.Error()))
				s.bus.Publish(protocol.Status{
					SessionID: s.sessionID,
					Message:   fmt.Sprintf("mic read failed: %v", err),
					Severity:  protocol.SeverityError,
				})
			}
			readFailures++
			time.Sleep(50 * time.Millisecond)
			continue
		}
		readFailures = 0

		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()

		amp := clamp01(RMS(buf) * s.pipeline.Sensitivity)
		s.bus.Publish(protocol.Amplitude{SessionID: s.sessionID, Value: amp})
		if s.sink != nil {
			s.sink(Frame{
				PCM:        buf,
				SampleRate: s.pipeline.SampleRate,
				Duration:   duration,
				Sequence:   seq,
			})
		}
	}
}
