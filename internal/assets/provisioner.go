package assets

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/protocol"
)

// Asset describes the offline model bundle: where it must land, what the
// extracted directory is called, and which mirrors may supply it, in
// strict priority order.
type Asset struct {
	TargetDir    string
	ExpectedName string
	FamilyPrefix string
	Mirrors      []string
}

func AssetFromConfig(cfg config.AssetsConfig) Asset {
	return Asset{
		TargetDir:    cfg.TargetDir,
		ExpectedName: cfg.ExpectedName,
		FamilyPrefix: cfg.FamilyPrefix,
		Mirrors:      cfg.Mirrors,
	}
}

// ProgressFunc receives provisioning progress for the presentation layer.
type ProgressFunc func(protocol.AssetProgress)

// Provisioner downloads and installs the offline model on first use.
// Operations against a target directory are serialized; download writes
// are never visible at the final path until complete, and extraction lands
// outside the target directory until validated.
type Provisioner struct {
	client         *http.Client
	log            *slog.Logger
	attemptTimeout time.Duration
	mu             sync.Mutex
}

func NewProvisioner(cfg config.AssetsConfig, client *http.Client, log *slog.Logger) *Provisioner {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provisioner{
		client:         client,
		log:            log.With(slog.String("component", "asset-provisioner")),
		attemptTimeout: time.Duration(cfg.AttemptTimeoutMS) * time.Millisecond,
	}
}

// Ensure makes the asset available at asset.TargetDir. A pre-populated,
// non-empty target directory succeeds with zero network activity.
func (p *Provisioner) Ensure(ctx context.Context, asset Asset, progress ProgressFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if progress == nil {
		progress = func(protocol.AssetProgress) {}
	}

	if dirNonEmpty(asset.TargetDir) {
		progress(protocol.AssetProgress{Percent: intPtr(100), Message: "model already present"})
		return nil
	}

	parent := filepath.Dir(asset.TargetDir)
	if parent == "" {
		parent = "."
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create model parent dir: %w", err)
	}
	zipPath := filepath.Join(parent, asset.ExpectedName+".zip")

	var attempts []error
	for _, mirror := range asset.Mirrors {
		progress(protocol.AssetProgress{Message: fmt.Sprintf("trying %s", mirror)})

		if err := p.download(ctx, mirror, zipPath, progress); err != nil {
			p.log.Warn("mirror download failed", slog.String("url", mirror), slog.String("error", err.Error()))
			attempts = append(attempts, fmt.Errorf("%s: %w", mirror, err))
			continue
		}

		if err := p.install(asset, zipPath, parent, progress); err != nil {
			p.log.Warn("mirror install failed", slog.String("url", mirror), slog.String("error", err.Error()))
			attempts = append(attempts, fmt.Errorf("%s: %w", mirror, err))
			_ = os.Remove(zipPath)
			continue
		}

		progress(protocol.AssetProgress{Percent: intPtr(100), Message: "model ready"})
		p.log.Info("model provisioned", slog.String("dir", asset.TargetDir), slog.String("mirror", mirror))
		return nil
	}

	if len(attempts) == 0 {
		return errors.New("no mirrors configured")
	}
	return fmt.Errorf("all mirrors failed: %w", errors.Join(attempts...))
}

// download streams one mirror into zipPath via a temp file. On any
// failure the partial file is discarded; the destination only ever
// appears complete.
func (p *Provisioner) download(ctx context.Context, url, zipPath string, progress ProgressFunc) error {
	attemptCtx := ctx
	if p.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetch returned status %s", resp.Status)
	}
	total := resp.ContentLength

	partPath := zipPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	var done int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				_ = os.Remove(partPath)
				return fmt.Errorf("write temp file: %w", writeErr)
			}
			done += int64(n)
			evt := protocol.AssetProgress{
				BytesDone:  done,
				BytesTotal: total,
				Message:    fmt.Sprintf("downloading %s", filepath.Base(zipPath)),
			}
			if total > 0 {
				evt.Percent = intPtr(int(done * 100 / total))
			}
			progress(evt)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			_ = os.Remove(partPath)
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(partPath, zipPath); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("finalize download: %w", err)
	}
	progress(protocol.AssetProgress{Percent: intPtr(100), BytesDone: done, BytesTotal: total, Message: "download complete"})
	return nil
}

// install extracts the archive next to the target directory, locates the
// extracted model directory and moves it into place atomically.
func (p *Provisioner) install(asset Asset, zipPath, parent string, progress ProgressFunc) error {
	if err := extractArchive(zipPath, parent, progress); err != nil {
		return err
	}

	found, err := locateExtracted(parent, asset)
	if err != nil {
		return err
	}

	if err := os.Remove(zipPath); err != nil {
		p.log.Warn("failed to remove archive", slog.String("path", zipPath), slog.String("error", err.Error()))
	}

	absFound, _ := filepath.Abs(found)
	absTarget, _ := filepath.Abs(asset.TargetDir)
	if absFound == absTarget {
		return nil
	}
	if err := os.RemoveAll(asset.TargetDir); err != nil {
		return fmt.Errorf("clear target dir: %w", err)
	}
	if err := os.Rename(found, asset.TargetDir); err != nil {
		return fmt.Errorf("move model into place: %w", err)
	}
	return nil
}

func extractArchive(zipPath, dest string, progress ProgressFunc) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	total := len(reader.File)
	if total == 0 {
		return fmt.Errorf("archive %s is empty", filepath.Base(zipPath))
	}
	for i, member := range reader.File {
		if err := extractMember(member, dest); err != nil {
			return fmt.Errorf("extract %s: %w", member.Name, err)
		}
		progress(protocol.AssetProgress{
			Percent:    intPtr((i + 1) * 100 / total),
			BytesDone:  int64(i + 1),
			BytesTotal: int64(total),
			Message:    fmt.Sprintf("extracting %s", member.Name),
		})
	}
	return nil
}

func extractMember(member *zip.File, dest string) error {
	path := filepath.Join(dest, member.Name)
	// Reject members escaping the destination.
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal member path %q", member.Name)
	}

	if member.FileInfo().IsDir() {
		return os.MkdirAll(path, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	in, err := member.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// locateExtracted finds the extracted model directory: an exact match to
// the expected name first, otherwise one bounded search over siblings
// whose name carries the asset family prefix. No further guessing.
func locateExtracted(parent string, asset Asset) (string, error) {
	exact := filepath.Join(parent, asset.ExpectedName)
	if dirNonEmpty(exact) {
		return exact, nil
	}

	if asset.FamilyPrefix != "" {
		entries, err := os.ReadDir(parent)
		if err != nil {
			return "", fmt.Errorf("scan extraction dir: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			candidate := filepath.Join(parent, entry.Name())
			if candidate == asset.TargetDir {
				continue
			}
			if strings.HasPrefix(entry.Name(), asset.FamilyPrefix) && dirNonEmpty(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("extracted model directory not found under %s", parent)
}

// dirNonEmpty implements the availability invariant: a model directory is
// valid only if it both exists and is non-empty.
func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

func intPtr(v int) *int { return &v }
