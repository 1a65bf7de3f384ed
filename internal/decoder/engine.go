package decoder

import (
	"errors"
	"fmt"
	"os"

	"github.com/audiolark/livevoice/internal/config"
)

// ErrModelMissing reports a model directory that does not exist or is
// empty. A directory is treated as a valid model only if it both exists
// and is non-empty.
var ErrModelMissing = errors.New("model directory missing or empty")

// Engine is the offline streaming decoder boundary. An engine instance is
// exclusively owned by one recognizer worker and never accessed
// concurrently; replacing a model means stopping the old worker before
// starting a new one.
type Engine interface {
	// AcceptFrame feeds one PCM frame and reports whether the decoder
	// signalled an utterance boundary.
	AcceptFrame(pcm []byte) (bool, error)
	// PartialText returns the current in-progress hypothesis.
	PartialText() string
	// FinalText returns the committed text for the utterance that just
	// completed.
	FinalText() string
	Close() error
}

// Factory loads an engine for a model path. Load failures are the only
// condition that prevents a recognizer decode loop from starting.
type Factory func(modelPath string, sampleRate int) (Engine, error)

// NewFactory builds the configured engine factory.
func NewFactory(cfg config.DecoderConfig) (Factory, error) {
	switch cfg.Mode {
	case "exec":
		return newExecFactory(cfg)
	case "stub":
		return newStubFactory(), nil
	default:
		return nil, fmt.Errorf("unknown decoder mode %q", cfg.Mode)
	}
}

// ValidateModelDir enforces the model availability invariant shared by all
// engine implementations.
func ValidateModelDir(path string) error {
	if path == "" {
		return ErrModelMissing
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrModelMissing, path)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s", ErrModelMissing, path)
	}
	return nil
}
