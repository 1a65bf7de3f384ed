package events

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/audiolark/livevoice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFIFOAcrossEventTypes(t *testing.T) {
	bus := NewBus(16, newLogger())
	bus.Publish(protocol.Amplitude{Value: 0.5})
	bus.Publish(protocol.Status{Message: "listening", Severity: protocol.SeverityInfo})
	bus.Publish(protocol.Transcript{Text: "hello", Partial: true, Source: protocol.SourceStreaming})

	kinds := []string{protocol.KindAmplitude, protocol.KindStatus, protocol.KindTranscript}
	for i, want := range kinds {
		evt, ok := bus.Receive(time.Second)
		if !ok {
			t.Fatalf("event %d: receive timed out", i)
		}
		if evt.Kind() != want {
			t.Fatalf("event %d: expected kind %s, got %s", i, want, evt.Kind())
		}
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	bus := NewBus(4, newLogger())
	for i := 0; i < 8; i++ {
		bus.Publish(protocol.Status{Message: fmt.Sprintf("msg-%d", i)})
	}
	if got := bus.Dropped(); got != 4 {
		t.Fatalf("expected 4 dropped events, got %d", got)
	}
	evt, ok := bus.Receive(time.Second)
	if !ok {
		t.Fatal("receive timed out")
	}
	status, ok := evt.(protocol.Status)
	if !ok {
		t.Fatalf("unexpected event type %T", evt)
	}
	if status.Message != "msg-4" {
		t.Fatalf("expected oldest surviving event msg-4, got %s", status.Message)
	}
}

func TestDrainAfterClose(t *testing.T) {
	bus := NewBus(8, newLogger())
	bus.Publish(protocol.Status{Message: "queued before stop"})
	bus.Publish(protocol.Transcript{Text: "done", Source: protocol.SourceFallback})
	bus.Close()
	bus.Publish(protocol.Status{Message: "after close"})

	var drained []protocol.Event
	for evt := range bus.Events() {
		drained = append(drained, evt)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained events, got %d", len(drained))
	}
}

func TestConcurrentProducersDeliverEverything(t *testing.T) {
	bus := NewBus(1024, newLogger())
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish(protocol.Amplitude{Value: float64(p)})
			}
		}(p)
	}
	wg.Wait()
	bus.Close()

	var count int
	for range bus.Events() {
		count++
	}
	if count != producers*perProducer {
		t.Fatalf("expected %d events, got %d", producers*perProducer, count)
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewBus(2, newLogger())
	bus.Close()
	bus.Close()
}
