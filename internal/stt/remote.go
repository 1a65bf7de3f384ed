package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNoSpeech reports a chunk the remote service recognized as silence.
// It is deliberately silent downstream: no transcript, no error status.
var ErrNoSpeech = errors.New("no speech detected")

// RemoteRecognizer is the remote recognition boundary: one whole audio
// chunk in, committed text out.
type RemoteRecognizer interface {
	Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// httpRecognizer posts WAV-encoded chunks to a recognition endpoint and
// expects {"text": ...} back. An empty text is a no-speech outcome, any
// transport or server failure is an error.
type httpRecognizer struct {
	endpoint string
	client   *http.Client
}

type remoteResponse struct {
	Text string `json:"text"`
}

func NewHTTPRecognizer(endpoint string, client *http.Client) RemoteRecognizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRecognizer{endpoint: endpoint, client: client}
}

func (r *httpRecognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	wavBytes, err := pcmToWAV(pcm, sampleRate)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(wavBytes))
	if err != nil {
		return "", fmt.Errorf("build recognize request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognize request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("recognize service returned status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read recognize response: %w", err)
	}
	var parsed remoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode recognize response: %w", err)
	}

	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// pcmToWAV wraps raw little-endian 16-bit mono PCM in a WAV container.
func pcmToWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}

	file, err := os.CreateTemp("", "livevoice_chunk_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	return io.ReadAll(file)
}
