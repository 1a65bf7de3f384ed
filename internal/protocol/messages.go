package protocol

import "time"

// Event is the union carried on the pipeline event bus. Producers push
// concrete event values; the single consumer discriminates by Kind.
type Event interface {
	Kind() string
}

const (
	KindAmplitude     = "amplitude"
	KindTranscript    = "transcript"
	KindStatus        = "status"
	KindAssetProgress = "asset_progress"
)

// Transcript sources.
const (
	SourceStreaming = "streaming"
	SourceFallback  = "fallback"
)

// Status severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Amplitude is an ephemeral visualization sample derived from one captured
// frame's RMS energy, clamped to [0,1].
type Amplitude struct {
	SessionID string  `json:"session_id"`
	Value     float64 `json:"value"`
}

func (Amplitude) Kind() string { return KindAmplitude }

// Transcript represents recognizer output. A final transcript for an
// utterance supersedes any pending partial for the same utterance.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (Transcript) Kind() string { return KindTranscript }

// Status is non-authoritative, informational only. No status message ever
// forces a pipeline state transition.
type Status struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
}

func (Status) Kind() string { return KindStatus }

// AssetProgress reports model provisioning progress. Percent is nil when
// the mirror did not supply a content length.
type AssetProgress struct {
	Percent    *int   `json:"percent,omitempty"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Message    string `json:"message"`
}

func (AssetProgress) Kind() string { return KindAssetProgress }

// NATS subjects the runtime republishes drained events on for
// presentation-layer subscribers.
const (
	SubjectAmplitude         = "pipeline.amplitude"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectStatus            = "pipeline.status"
	SubjectAssetProgress     = "assets.progress"
	SubjectCapabilities      = "ctrl.capabilities"
)
