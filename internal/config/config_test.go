package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Pipeline.SampleRate)
	}
	if cfg.Pipeline.PartialIntervalMS != 80 {
		t.Fatalf("expected default partial interval 80, got %d", cfg.Pipeline.PartialIntervalMS)
	}
	if len(cfg.Assets.Mirrors) != 3 {
		t.Fatalf("expected 3 default mirrors, got %v", cfg.Assets.Mirrors)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIVEVOICE_PIPELINE_SAMPLE_RATE", "8000")
	t.Setenv("LIVEVOICE_PIPELINE_FRAME_DURATION_MS", "40")
	t.Setenv("LIVEVOICE_PIPELINE_PARTIAL_INTERVAL_MS", "200")
	t.Setenv("LIVEVOICE_PIPELINE_SENSITIVITY", "1.5")
	t.Setenv("LIVEVOICE_CAPTURE_MODE", "exec")
	t.Setenv("LIVEVOICE_CAPTURE_COMMAND", "arecord -q -f S16_LE -r 8000 -c 1 -t raw -")
	t.Setenv("LIVEVOICE_DECODER_MODEL_PATH", "./tmp/model")
	t.Setenv("LIVEVOICE_FALLBACK_ENDPOINT", "http://localhost:9000/recognize")
	t.Setenv("LIVEVOICE_ASSETS_MIRRORS", "http://one/model.zip, http://two/model.zip")
	t.Setenv("LIVEVOICE_TRANSCRIPT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Pipeline.SampleRate != 8000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Pipeline.SampleRate)
	}
	if cfg.Pipeline.FrameDurationMS != 40 {
		t.Fatalf("expected frame duration override, got %d", cfg.Pipeline.FrameDurationMS)
	}
	if cfg.Pipeline.PartialIntervalMS != 200 {
		t.Fatalf("expected partial interval override, got %d", cfg.Pipeline.PartialIntervalMS)
	}
	if cfg.Pipeline.Sensitivity != 1.5 {
		t.Fatalf("expected sensitivity override, got %v", cfg.Pipeline.Sensitivity)
	}
	if cfg.Capture.Mode != "exec" || cfg.Capture.Command == "" {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Decoder.ModelPath != "./tmp/model" {
		t.Fatalf("expected model path override, got %s", cfg.Decoder.ModelPath)
	}
	if cfg.Fallback.Endpoint != "http://localhost:9000/recognize" {
		t.Fatalf("expected fallback endpoint override")
	}
	if len(cfg.Assets.Mirrors) != 2 {
		t.Fatalf("expected 2 mirrors, got %v", cfg.Assets.Mirrors)
	}
	if cfg.TranscriptStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LIVEVOICE_DECODER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for decoder mode=exec without command")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livevoice.yaml")
	cfg := Default()
	cfg.Pipeline.PartialIntervalMS = 120
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file written: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.Pipeline.PartialIntervalMS != 120 {
		t.Fatalf("expected saved partial interval 120, got %d", loaded.Pipeline.PartialIntervalMS)
	}
}
