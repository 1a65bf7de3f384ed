package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/events"
	"github.com/audiolark/livevoice/internal/protocol"
)

type scriptedRemote struct {
	mu      sync.Mutex
	results []remoteResult
	calls   int
}

type remoteResult struct {
	text string
	err  error
}

func (r *scriptedRemote) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res remoteResult
	if r.calls < len(r.results) {
		res = r.results[r.calls]
	}
	r.calls++
	return res.text, res.err
}

func (r *scriptedRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func fallbackCfg() config.FallbackConfig {
	return config.FallbackConfig{Enabled: true, TimeoutMS: 1000}
}

func waitCalls(t *testing.T, remote *scriptedRemote, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for remote.callCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d remote calls, got %d", want, remote.callCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFallbackEmitsFinalTaggedFallback(t *testing.T) {
	remote := &scriptedRemote{results: []remoteResult{{text: "hello from afar"}}}
	bus := events.NewBus(64, newLogger())
	spill := make(chan []byte, 4)
	f := NewFallbackRecognizer(fallbackCfg(), pipelineCfg(80), remote, spill, bus, "s1", newLogger())

	f.Start()
	spill <- make([]byte, 640)
	waitCalls(t, remote, 1)
	f.Stop()
	bus.Close()

	var finals []protocol.Transcript
	for evt := range bus.Events() {
		if tr, ok := evt.(protocol.Transcript); ok && !tr.Partial {
			finals = append(finals, tr)
		}
	}
	if len(finals) != 1 {
		t.Fatalf("expected 1 final, got %d", len(finals))
	}
	if finals[0].Source != protocol.SourceFallback {
		t.Fatalf("expected fallback source, got %s", finals[0].Source)
	}
	if finals[0].Text != "hello from afar" {
		t.Fatalf("unexpected text %q", finals[0].Text)
	}
}

func TestFallbackSilentChunkEmitsNothing(t *testing.T) {
	remote := &scriptedRemote{results: []remoteResult{{err: ErrNoSpeech}}}
	bus := events.NewBus(64, newLogger())
	spill := make(chan []byte, 4)
	f := NewFallbackRecognizer(fallbackCfg(), pipelineCfg(80), remote, spill, bus, "s1", newLogger())

	f.Start()
	spill <- make([]byte, 640)
	waitCalls(t, remote, 1)
	f.Stop()
	bus.Close()

	for evt := range bus.Events() {
		switch e := evt.(type) {
		case protocol.Transcript:
			t.Fatalf("unexpected transcript for silent chunk: %+v", e)
		case protocol.Status:
			if e.Severity == protocol.SeverityError {
				t.Fatalf("unexpected error status for silent chunk: %+v", e)
			}
		}
	}
}

func TestFallbackTransportErrorContinues(t *testing.T) {
	remote := &scriptedRemote{results: []remoteResult{
		{err: errors.New("connection refused")},
		{text: "second chunk"},
	}}
	bus := events.NewBus(64, newLogger())
	spill := make(chan []byte, 4)
	f := NewFallbackRecognizer(fallbackCfg(), pipelineCfg(80), remote, spill, bus, "s1", newLogger())

	f.Start()
	spill <- make([]byte, 640)
	spill <- make([]byte, 640)
	waitCalls(t, remote, 2)
	f.Stop()
	bus.Close()

	var sawErrorStatus, sawSecondFinal bool
	for evt := range bus.Events() {
		switch e := evt.(type) {
		case protocol.Status:
			if e.Severity == protocol.SeverityError {
				sawErrorStatus = true
			}
		case protocol.Transcript:
			if e.Text == "second chunk" {
				sawSecondFinal = true
			}
		}
	}
	if !sawErrorStatus {
		t.Fatal("expected error status for failed chunk")
	}
	if !sawSecondFinal {
		t.Fatal("expected loop to continue with the next chunk")
	}
}

func TestFallbackDisabledDoesNotStart(t *testing.T) {
	remote := &scriptedRemote{}
	bus := events.NewBus(4, newLogger())
	spill := make(chan []byte, 1)
	f := NewFallbackRecognizer(config.FallbackConfig{Enabled: false}, pipelineCfg(80), remote, spill, bus, "s1", newLogger())

	f.Start()
	spill <- make([]byte, 640)
	time.Sleep(20 * time.Millisecond)
	f.Stop()
	if remote.callCount() != 0 {
		t.Fatal("disabled fallback must not consume chunks")
	}
}

func TestHTTPRecognizer(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(remoteResponse{Text: "over the wire"})
	}))
	defer server.Close()

	rec := NewHTTPRecognizer(server.URL, server.Client())
	text, err := rec.Recognize(context.Background(), make([]byte, 640), 16000)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if text != "over the wire" {
		t.Fatalf("unexpected text %q", text)
	}
	if gotContentType != "audio/wav" {
		t.Fatalf("expected audio/wav content type, got %q", gotContentType)
	}
}

func TestHTTPRecognizerNoSpeech(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(remoteResponse{Text: "  "})
	}))
	defer server.Close()

	rec := NewHTTPRecognizer(server.URL, server.Client())
	if _, err := rec.Recognize(context.Background(), make([]byte, 640), 16000); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestHTTPRecognizerServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	rec := NewHTTPRecognizer(server.URL, server.Client())
	if _, err := rec.Recognize(context.Background(), make([]byte, 640), 16000); err == nil {
		t.Fatal("expected transport error")
	}
}
