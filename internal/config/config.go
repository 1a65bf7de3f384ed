package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName     string                `yaml:"runtime_name"`
	Environment     string                `yaml:"environment"`
	HTTP            HTTPConfig            `yaml:"http"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Bus             BusConfig             `yaml:"bus"`
	Pipeline        PipelineConfig        `yaml:"pipeline"`
	Capture         CaptureConfig         `yaml:"capture"`
	Decoder         DecoderConfig         `yaml:"decoder"`
	Fallback        FallbackConfig        `yaml:"fallback"`
	Assets          AssetsConfig          `yaml:"assets"`
	TranscriptStore TranscriptStoreConfig `yaml:"transcript_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// PipelineConfig is immutable once a pipeline session starts; changing any
// field requires a controlled restart of the affected component.
type PipelineConfig struct {
	SampleRate          int     `yaml:"sample_rate"`
	FrameDurationMS     int     `yaml:"frame_duration_ms"`
	PartialIntervalMS   int     `yaml:"partial_interval_ms"`
	Sensitivity         float64 `yaml:"sensitivity"`
	FrameQueueDepth     int     `yaml:"frame_queue_depth"`
	SpilloverQueueDepth int     `yaml:"spillover_queue_depth"`
	EventQueueDepth     int     `yaml:"event_queue_depth"`
}

type CaptureConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"` // exec, mock
	Command     string `yaml:"command"`
	DeviceIndex int    `yaml:"device_index"`
}

type DecoderConfig struct {
	Mode      string `yaml:"mode"` // exec, stub
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
}

type FallbackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AssetsConfig struct {
	TargetDir        string   `yaml:"target_dir"`
	ExpectedName     string   `yaml:"expected_name"`
	FamilyPrefix     string   `yaml:"family_prefix"`
	Mirrors          []string `yaml:"mirrors"`
	AttemptTimeoutMS int      `yaml:"attempt_timeout_ms"`
}

type TranscriptStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "livevoice-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Pipeline: PipelineConfig{
			SampleRate:          16000,
			FrameDurationMS:     20,
			PartialIntervalMS:   80,
			Sensitivity:         1.0,
			FrameQueueDepth:     64,
			SpilloverQueueDepth: 256,
			EventQueueDepth:     512,
		},
		Capture: CaptureConfig{
			Enabled:     true,
			Mode:        "mock",
			DeviceIndex: -1,
		},
		Decoder: DecoderConfig{
			Mode:      "stub",
			ModelPath: "./models/vosk-model-small-en-us-0.15",
		},
		Fallback: FallbackConfig{
			Enabled:   true,
			Endpoint:  "http://127.0.0.1:9090/recognize",
			TimeoutMS: 15000,
		},
		Assets: AssetsConfig{
			TargetDir:    "./models/vosk-model-small-en-us-0.15",
			ExpectedName: "vosk-model-small-en-us-0.15",
			FamilyPrefix: "vosk-model",
			Mirrors: []string{
				"https://alphacephei.com/vosk/models/vosk-model-small-en-us-0.15.zip",
				"https://alphacephei.com/kaldi/models/vosk-model-small-en-us-0.15.zip",
				"https://huggingface.co/ambind/vosk-model-small-en-us-0.15/resolve/main/vosk-model-small-en-us-0.15.zip",
			},
			AttemptTimeoutMS: 30000,
		},
		TranscriptStore: TranscriptStoreConfig{
			Path:          "./data/livevoice-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the effective configuration back to disk on explicit request.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LIVEVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIVEVOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIVEVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIVEVOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LIVEVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIVEVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIVEVOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LIVEVOICE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LIVEVOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LIVEVOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LIVEVOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LIVEVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIVEVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIVEVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIVEVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIVEVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIVEVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SampleRate, "LIVEVOICE_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.FrameDurationMS, "LIVEVOICE_PIPELINE_FRAME_DURATION_MS")
	overrideInt(&cfg.Pipeline.PartialIntervalMS, "LIVEVOICE_PIPELINE_PARTIAL_INTERVAL_MS")
	overrideFloat(&cfg.Pipeline.Sensitivity, "LIVEVOICE_PIPELINE_SENSITIVITY")
	overrideInt(&cfg.Pipeline.FrameQueueDepth, "LIVEVOICE_PIPELINE_FRAME_QUEUE_DEPTH")
	overrideInt(&cfg.Pipeline.SpilloverQueueDepth, "LIVEVOICE_PIPELINE_SPILLOVER_QUEUE_DEPTH")
	overrideInt(&cfg.Pipeline.EventQueueDepth, "LIVEVOICE_PIPELINE_EVENT_QUEUE_DEPTH")
	overrideBool(&cfg.Capture.Enabled, "LIVEVOICE_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Mode, "LIVEVOICE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LIVEVOICE_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.DeviceIndex, "LIVEVOICE_CAPTURE_DEVICE_INDEX")
	overrideString(&cfg.Decoder.Mode, "LIVEVOICE_DECODER_MODE")
	overrideString(&cfg.Decoder.Command, "LIVEVOICE_DECODER_COMMAND")
	overrideString(&cfg.Decoder.ModelPath, "LIVEVOICE_DECODER_MODEL_PATH")
	overrideBool(&cfg.Fallback.Enabled, "LIVEVOICE_FALLBACK_ENABLED")
	overrideString(&cfg.Fallback.Endpoint, "LIVEVOICE_FALLBACK_ENDPOINT")
	overrideInt(&cfg.Fallback.TimeoutMS, "LIVEVOICE_FALLBACK_TIMEOUT_MS")
	overrideString(&cfg.Assets.TargetDir, "LIVEVOICE_ASSETS_TARGET_DIR")
	overrideString(&cfg.Assets.ExpectedName, "LIVEVOICE_ASSETS_EXPECTED_NAME")
	overrideString(&cfg.Assets.FamilyPrefix, "LIVEVOICE_ASSETS_FAMILY_PREFIX")
	overrideStringSlice(&cfg.Assets.Mirrors, "LIVEVOICE_ASSETS_MIRRORS")
	overrideInt(&cfg.Assets.AttemptTimeoutMS, "LIVEVOICE_ASSETS_ATTEMPT_TIMEOUT_MS")
	overrideString(&cfg.TranscriptStore.Path, "LIVEVOICE_TRANSCRIPT_STORE_PATH")
	overrideString(&cfg.TranscriptStore.RetentionMode, "LIVEVOICE_TRANSCRIPT_STORE_RETENTION_MODE")
	overrideInt(&cfg.TranscriptStore.RetentionDays, "LIVEVOICE_TRANSCRIPT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TranscriptStore.MaxSessions, "LIVEVOICE_TRANSCRIPT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.TranscriptStore.VacuumOnStart, "LIVEVOICE_TRANSCRIPT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Pipeline.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if cfg.Pipeline.FrameDurationMS <= 0 {
		return errors.New("pipeline.frame_duration_ms must be positive")
	}
	if cfg.Pipeline.PartialIntervalMS < 0 {
		return errors.New("pipeline.partial_interval_ms must be >= 0")
	}
	if cfg.Pipeline.Sensitivity < 0 {
		return errors.New("pipeline.sensitivity must be >= 0")
	}
	if cfg.Pipeline.FrameQueueDepth <= 0 || cfg.Pipeline.SpilloverQueueDepth <= 0 || cfg.Pipeline.EventQueueDepth <= 0 {
		return errors.New("pipeline queue depths must be >= 1")
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Mode {
		case "exec", "mock":
		default:
			return errors.New("capture.mode must be one of exec|mock")
		}
		if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	}
	switch cfg.Decoder.Mode {
	case "exec", "stub":
	default:
		return errors.New("decoder.mode must be one of exec|stub")
	}
	if cfg.Decoder.Mode == "exec" && cfg.Decoder.Command == "" {
		return errors.New("decoder.command must be set when mode=exec")
	}
	if cfg.Fallback.Enabled && cfg.Fallback.TimeoutMS <= 0 {
		return errors.New("fallback.timeout_ms must be positive when fallback is enabled")
	}
	if cfg.Assets.TargetDir == "" {
		return errors.New("assets.target_dir must not be empty")
	}
	if cfg.Assets.ExpectedName == "" {
		return errors.New("assets.expected_name must not be empty")
	}
	if cfg.Assets.AttemptTimeoutMS <= 0 {
		return errors.New("assets.attempt_timeout_ms must be positive")
	}
	if cfg.TranscriptStore.Path == "" {
		return errors.New("transcript_store.path must not be empty")
	}
	switch cfg.TranscriptStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcript_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.TranscriptStore.RetentionDays < 0 {
		return errors.New("transcript_store.retention_days must be >= 0")
	}
	return nil
}
