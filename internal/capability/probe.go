package capability

import (
	"context"
	"net/url"
	"os/exec"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/audiolark/livevoice/internal/bus"
	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/decoder"
	"github.com/audiolark/livevoice/internal/protocol"
)

// Report describes which recognition paths this runtime can offer.
// Presentation clients use it to grey out unavailable modes instead of
// discovering failures mid-session.
type Report struct {
	RuntimeName     string    `json:"runtime_name"`
	Audio           bool      `json:"audio"`
	AudioDetail     string    `json:"audio_detail,omitempty"`
	OfflineEngine   bool      `json:"offline_engine"`
	OfflineDetail   string    `json:"offline_detail,omitempty"`
	RemoteFallback  bool      `json:"remote_fallback"`
	FallbackDetail  string    `json:"fallback_detail,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Probe inspects configuration and the local host without opening any
// device or touching the network.
func Probe(cfg config.Config) Report {
	r := Report{
		RuntimeName: cfg.RuntimeName,
		Timestamp:   time.Now().UTC(),
	}

	r.Audio, r.AudioDetail = probeAudio(cfg.Capture)
	r.OfflineEngine, r.OfflineDetail = probeOffline(cfg.Decoder)
	r.RemoteFallback, r.FallbackDetail = probeFallback(cfg.Fallback)
	return r
}

func probeAudio(cfg config.CaptureConfig) (bool, string) {
	if !cfg.Enabled {
		return false, "capture disabled"
	}
	switch cfg.Mode {
	case "mock":
		return true, "mock device"
	case "exec":
		return commandResolves(cfg.Command)
	default:
		return false, "unknown capture mode"
	}
}

func probeOffline(cfg config.DecoderConfig) (bool, string) {
	if cfg.Mode == "exec" {
		if ok, detail := commandResolves(cfg.Command); !ok {
			return false, detail
		}
	}
	if err := decoder.ValidateModelDir(cfg.ModelPath); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func probeFallback(cfg config.FallbackConfig) (bool, string) {
	if !cfg.Enabled {
		return false, "fallback disabled"
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false, "fallback endpoint not configured"
	}
	return true, ""
}

func commandResolves(command string) (bool, string) {
	args, err := shellwords.Parse(command)
	if err != nil || len(args) == 0 {
		return false, "command not configured"
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Announce publishes the report for presentation subscribers and registers
// gauges mirroring it.
func Announce(report Report, client *bus.Client) error {
	if err := registerMetrics(report); err != nil {
		client.Logger().Warn("capability metrics registration failed")
	}
	return client.PublishJSON(protocol.SubjectCapabilities, report)
}

func registerMetrics(report Report) error {
	meter := otel.Meter("github.com/audiolark/livevoice/runtime")
	gauge, err := meter.Int64ObservableGauge("livevoice.capabilities.available",
		metric.WithDescription("Number of available recognition capabilities"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var n int64
		for _, ok := range []bool{report.Audio, report.OfflineEngine, report.RemoteFallback} {
			if ok {
				n++
			}
		}
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	return err
}
