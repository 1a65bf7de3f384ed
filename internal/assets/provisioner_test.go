package assets

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func assetsCfg() config.AssetsConfig {
	return config.AssetsConfig{AttemptTimeoutMS: 5000}
}

// buildZip produces an archive holding one top-level directory with the
// given files inside it.
func buildZip(t *testing.T, dirName string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(dirName + "/" + name)
		if err != nil {
			t.Fatalf("create zip member: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write zip member: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func zipServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	return server
}

// tripwireTransport fails the test on any network use.
type tripwireTransport struct{ t *testing.T }

func (tr tripwireTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tr.t.Errorf("unexpected network request to %s", r.URL)
	return nil, errors.New("network disabled")
}

func TestEnsurePrepopulatedSkipsNetwork(t *testing.T) {
	target := filepath.Join(t.TempDir(), "model")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, "am.bin"), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	client := &http.Client{Transport: tripwireTransport{t: t}}
	p := NewProvisioner(assetsCfg(), client, newLogger())
	asset := Asset{TargetDir: target, ExpectedName: "model", Mirrors: []string{"http://unused.invalid/model.zip"}}

	var last protocol.AssetProgress
	err := p.Ensure(context.Background(), asset, func(evt protocol.AssetProgress) { last = evt })
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if last.Percent == nil || *last.Percent != 100 {
		t.Fatalf("expected 100%% progress, got %+v", last)
	}
}

func TestEnsureDownloadsAndInstalls(t *testing.T) {
	payload := buildZip(t, "speech-model-0.1", map[string]string{
		"am.bin":   "weights",
		"conf/cfg": "rate=16000",
	})
	server := zipServer(t, payload)

	parent := t.TempDir()
	target := filepath.Join(parent, "speech-model-0.1")
	asset := Asset{TargetDir: target, ExpectedName: "speech-model-0.1", Mirrors: []string{server.URL}}

	p := NewProvisioner(assetsCfg(), server.Client(), newLogger())
	if err := p.Ensure(context.Background(), asset, nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(target, "am.bin"))
	if err != nil {
		t.Fatalf("read installed file: %v", err)
	}
	if string(content) != "weights" {
		t.Fatalf("unexpected content %q", content)
	}
	if _, err := os.Stat(filepath.Join(target, "conf", "cfg")); err != nil {
		t.Fatalf("nested member missing: %v", err)
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".zip") || strings.HasSuffix(entry.Name(), ".part") {
			t.Fatalf("leftover artifact %s", entry.Name())
		}
	}
}

func TestEnsureFallsBackAcrossMirrors(t *testing.T) {
	bad := failingServer(t)
	payload := buildZip(t, "speech-model-0.1", map[string]string{"am.bin": "weights"})
	good := zipServer(t, payload)

	parent := t.TempDir()
	target := filepath.Join(parent, "speech-model-0.1")
	asset := Asset{
		TargetDir:    target,
		ExpectedName: "speech-model-0.1",
		Mirrors:      []string{bad.URL, good.URL},
	}

	p := NewProvisioner(assetsCfg(), http.DefaultClient, newLogger())
	if err := p.Ensure(context.Background(), asset, nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !dirNonEmpty(target) {
		t.Fatal("expected model installed from the second mirror")
	}
}

func TestEnsurePrefixFallbackRenamesIntoPlace(t *testing.T) {
	// Archive extracts under a versioned name that differs from the
	// expected one; the family prefix search must find it.
	payload := buildZip(t, "speech-model-0.2-rc1", map[string]string{"am.bin": "weights"})
	server := zipServer(t, payload)

	parent := t.TempDir()
	target := filepath.Join(parent, "speech-model-0.1")
	asset := Asset{
		TargetDir:    target,
		ExpectedName: "speech-model-0.1",
		FamilyPrefix: "speech-model",
		Mirrors:      []string{server.URL},
	}

	p := NewProvisioner(assetsCfg(), server.Client(), newLogger())
	if err := p.Ensure(context.Background(), asset, nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "am.bin")); err != nil {
		t.Fatalf("expected model renamed into target dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "speech-model-0.2-rc1")); !os.IsNotExist(err) {
		t.Fatal("expected versioned directory moved, not copied")
	}
}

func TestEnsureAllMirrorsFail(t *testing.T) {
	first := failingServer(t)
	second := failingServer(t)

	parent := t.TempDir()
	target := filepath.Join(parent, "model")
	asset := Asset{
		TargetDir:    target,
		ExpectedName: "model",
		Mirrors:      []string{first.URL, second.URL},
	}

	p := NewProvisioner(assetsCfg(), http.DefaultClient, newLogger())
	err := p.Ensure(context.Background(), asset, nil)
	if err == nil {
		t.Fatal("expected aggregated failure")
	}
	if !strings.Contains(err.Error(), first.URL) || !strings.Contains(err.Error(), second.URL) {
		t.Fatalf("expected both mirrors in the error, got %v", err)
	}

	entries, readErr := os.ReadDir(parent)
	if readErr != nil {
		t.Fatalf("readdir: %v", readErr)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".part") {
			t.Fatalf("leftover partial download %s", entry.Name())
		}
	}
}

func TestEnsureNoMirrorsConfigured(t *testing.T) {
	p := NewProvisioner(assetsCfg(), http.DefaultClient, newLogger())
	asset := Asset{TargetDir: filepath.Join(t.TempDir(), "model"), ExpectedName: "model"}
	if err := p.Ensure(context.Background(), asset, nil); err == nil {
		t.Fatal("expected error with no mirrors")
	}
}

func TestExtractRejectsEscapingMember(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../escape.txt")
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	if _, err := f.Write([]byte("nope")); err != nil {
		t.Fatalf("write member: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	if err := os.WriteFile(zipPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	if err := extractArchive(zipPath, filepath.Join(dir, "out"), func(protocol.AssetProgress) {}); err == nil {
		t.Fatal("expected extraction to reject escaping member")
	}
}
