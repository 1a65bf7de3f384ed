package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolark/livevoice/internal/assets"
	natsbus "github.com/audiolark/livevoice/internal/bus"
	"github.com/audiolark/livevoice/internal/capability"
	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/natsserver"
	"github.com/audiolark/livevoice/internal/pipeline"
	"github.com/audiolark/livevoice/internal/protocol"
	"github.com/audiolark/livevoice/internal/stt"
	"github.com/audiolark/livevoice/internal/transcriptstore"
)

// Runtime assembles the full daemon: telemetry, the message broker, the
// transcript store and one pipeline session, plus the HTTP surface that
// exposes health and transcript export. Prometheus metrics are served on
// their own configured bind.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	events     *events.Bus
	embedded   *natsserver.EmbeddedServer
	natsClient *natsbus.Client
	store      *transcriptstore.Store
	controller *pipeline.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		r.closeTelemetry()
		return fmt.Errorf("failed to start embedded broker: %w", err)
	}
	r.embedded = embedded

	natsClient, err := natsbus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		r.closeTelemetry()
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	r.natsClient = natsClient

	store, err := transcriptstore.Open(ctx, r.cfg.TranscriptStore, r.logger)
	if err != nil {
		r.natsClient.Close()
		r.embedded.Shutdown()
		r.closeTelemetry()
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	r.store = store

	r.events = events.NewBus(r.cfg.Pipeline.EventQueueDepth, r.logger)

	remote := stt.NewHTTPRecognizer(r.cfg.Fallback.Endpoint, &http.Client{})
	provisioner := assets.NewProvisioner(r.cfg.Assets, nil, r.logger)
	controller, err := pipeline.NewController(r.cfg, r.events, remote, provisioner, r.logger)
	if err != nil {
		r.events.Close()
		r.unwind()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	r.controller = controller

	if err := r.store.BeginSession(ctx, controller.SessionID(), r.cfg.RuntimeName); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}

	report := capability.Probe(r.cfg)
	if err := capability.Announce(report, r.natsClient); err != nil {
		r.logger.Warn("capability announce failed", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.bridge()

	if err := controller.Start(ctx); err != nil {
		controller.Close()
		r.events.Close()
		r.wg.Wait()
		r.unwind()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/transcript.txt", r.handleTranscript)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_bind", r.cfg.Telemetry.PrometheusBind),
		slog.String("session_id", controller.SessionID()),
		slog.String("phase", controller.Phase().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	r.controller.Close()
	// Closing the event bus lets the bridge drain queued events and exit.
	r.events.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.unwind()

	return nil
}

// unwind tears down the shared services in reverse construction order.
func (r *Runtime) unwind() {
	r.natsClient.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("transcript store close error", slog.String("error", err.Error()))
	}
	r.closeTelemetry()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.tracerClose(closeCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// bridge drains the in-process event bus and republishes each event on its
// broker subject. Final transcripts are additionally persisted. The drain
// keeps running after the runtime context is cancelled — shutdown flushes
// best-effort finals onto the bus, and those must still reach the store —
// so persistence deliberately uses a fresh context per write.
func (r *Runtime) bridge() {
	defer r.wg.Done()

	for evt := range r.events.Events() {
		switch e := evt.(type) {
		case protocol.Amplitude:
			r.republish(protocol.SubjectAmplitude, e)
		case protocol.Transcript:
			subject := protocol.SubjectTranscriptPartial
			if !e.Partial {
				subject = protocol.SubjectTranscriptFinal
				if err := r.store.Append(context.Background(), transcriptstore.Entry{
					SessionID: e.SessionID,
					Text:      e.Text,
					Source:    e.Source,
					CreatedAt: e.Timestamp,
				}); err != nil {
					r.logger.Warn("transcript persist failed", slog.String("error", err.Error()))
				}
			}
			r.republish(subject, e)
		case protocol.Status:
			r.republish(protocol.SubjectStatus, e)
		case protocol.AssetProgress:
			r.republish(protocol.SubjectAssetProgress, e)
		}
	}
}

func (r *Runtime) republish(subject string, payload any) {
	if err := r.natsClient.PublishJSON(subject, payload); err != nil {
		r.logger.Warn("event republish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.controller.Healthy() && r.natsClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := r.store.Export(req.Context(), w, r.controller.SessionID()); err != nil {
		http.Error(w, fmt.Sprintf("export failed: %v", err), http.StatusInternalServerError)
	}
}
