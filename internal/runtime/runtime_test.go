package runtime

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	natsbus "github.com/audiolark/livevoice/internal/bus"
	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/protocol"
	"github.com/audiolark/livevoice/internal/transcriptstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestBroker(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create broker: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("broker not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func brokerBusConfig(ns *server.Server) config.BusConfig {
	cfg := config.Default().Bus
	cfg.Embedded = false
	cfg.Servers = []string{ns.ClientURL()}
	return cfg
}

func TestBridgePersistsFinalsDrainedAfterShutdown(t *testing.T) {
	ns := startTestBroker(t)
	log := newLogger()

	cfg := config.Default()
	cfg.Bus = brokerBusConfig(ns)

	client, err := natsbus.Connect(context.Background(), cfg.Bus, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	storeCfg := config.TranscriptStoreConfig{
		Path:          filepath.Join(t.TempDir(), "transcripts.db"),
		RetentionMode: "session",
	}
	store, err := transcriptstore.Open(context.Background(), storeCfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.BeginSession(context.Background(), "s1", "rt"); err != nil {
		t.Fatalf("begin session: %v", err)
	}

	bus := events.NewBus(16, log)
	r := &Runtime{cfg: cfg, logger: log, events: bus, natsClient: client, store: store}

	// Shutdown ordering: the stop-flush final lands on the bus and the bus
	// is closed before the bridge drains it.
	bus.Publish(protocol.Transcript{
		SessionID: "s1",
		Text:      "last words",
		Partial:   false,
		Source:    protocol.SourceStreaming,
		Timestamp: time.Now(),
	})
	bus.Close()

	r.wg.Add(1)
	r.bridge()

	entries, err := store.ListSession(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "last words" {
		t.Fatalf("expected drained final persisted, got %+v", entries)
	}
}

func TestStartUnwindsOnPipelineBuildFailure(t *testing.T) {
	ns := startTestBroker(t)

	cfg := config.Default()
	cfg.Bus = brokerBusConfig(ns)
	cfg.TranscriptStore.Path = filepath.Join(t.TempDir(), "transcripts.db")
	cfg.Capture.Enabled = true
	cfg.Capture.Mode = "bogus"

	r := New(cfg, newLogger())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail on an unknown capture mode")
	}
	if r.natsClient.Healthy() {
		t.Fatal("expected broker connection closed after failed start")
	}
}
