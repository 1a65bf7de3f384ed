package decoder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/audiolark/livevoice/internal/config"
)

// execEngine drives a long-lived decoder subprocess speaking
// newline-delimited JSON: one frame request per line on stdin, one
// hypothesis response per line on stdout.
type execEngine struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	partial string
	final   string
}

type execFrameRequest struct {
	PCM []byte `json:"pcm"`
}

type execFrameResponse struct {
	Text     string `json:"text"`
	Endpoint bool   `json:"endpoint"`
}

func newExecFactory(cfg config.DecoderConfig) (Factory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}

	return func(modelPath string, sampleRate int) (Engine, error) {
		if err := ValidateModelDir(modelPath); err != nil {
			return nil, err
		}

		cmdArgs := append([]string{}, args[1:]...)
		cmdArgs = append(cmdArgs, "--model", modelPath, "--sample-rate", strconv.Itoa(sampleRate))
		command := exec.Command(args[0], cmdArgs...)

		stdin, err := command.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("decoder stdin pipe: %w", err)
		}
		stdout, err := command.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("decoder stdout pipe: %w", err)
		}
		if err := command.Start(); err != nil {
			return nil, fmt.Errorf("start decoder command: %w", err)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		return &execEngine{cmd: command, stdin: stdin, scanner: scanner}, nil
	}, nil
}

func (e *execEngine) AcceptFrame(pcm []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := json.Marshal(execFrameRequest{PCM: pcm})
	if err != nil {
		return false, fmt.Errorf("encode frame: %w", err)
	}
	req = append(req, '\n')
	if _, err := e.stdin.Write(req); err != nil {
		return false, fmt.Errorf("write frame to decoder: %w", err)
	}

	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return false, fmt.Errorf("read decoder response: %w", err)
		}
		return false, fmt.Errorf("decoder closed its output")
	}

	var resp execFrameResponse
	if err := json.Unmarshal(e.scanner.Bytes(), &resp); err != nil {
		return false, fmt.Errorf("decode decoder response: %w", err)
	}

	if resp.Endpoint {
		e.final = resp.Text
		e.partial = ""
		return true, nil
	}
	e.partial = resp.Text
	return false, nil
}

func (e *execEngine) PartialText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partial
}

func (e *execEngine) FinalText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final
}

func (e *execEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.stdin.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	_ = e.cmd.Wait()
	return nil
}
