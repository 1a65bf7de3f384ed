package decoder

import (
	"fmt"
	"sync"
)

// stubEngine is a deterministic placeholder decoder for development and
// tests: it reports an utterance boundary every stubUtteranceFrames frames
// and synthesizes text describing how much audio it consumed.
const stubUtteranceFrames = 50

type stubEngine struct {
	mu      sync.Mutex
	frames  int
	bytes   int
	partial string
	final   string
}

func newStubFactory() Factory {
	return func(modelPath string, sampleRate int) (Engine, error) {
		if err := ValidateModelDir(modelPath); err != nil {
			return nil, err
		}
		return &stubEngine{}, nil
	}
}

func (e *stubEngine) AcceptFrame(pcm []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.frames++
	e.bytes += len(pcm)
	if e.frames%stubUtteranceFrames == 0 {
		e.final = fmt.Sprintf("[stub utterance %d bytes]", e.bytes)
		e.partial = ""
		e.bytes = 0
		return true, nil
	}
	e.partial = fmt.Sprintf("[stub decoding %d bytes]", e.bytes)
	return false, nil
}

func (e *stubEngine) PartialText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partial
}

func (e *stubEngine) FinalText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final
}

func (e *stubEngine) Close() error { return nil }
