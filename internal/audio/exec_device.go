package audio

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"

	shellwords "github.com/mattn/go-shellwords"
)

// execOpener runs a capture command (arecord, sox, ffmpeg, ...) that emits
// raw s16le mono PCM on stdout. When a device index >= 0 is selected it is
// appended as the command's final argument.
type execOpener struct {
	cmd []string
}

func NewExecOpener(command string) (Opener, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execOpener{cmd: args}, nil
}

func (o *execOpener) ListDevices() ([]DeviceInfo, error) {
	// The capture command is the device; index selection is forwarded to it.
	return []DeviceInfo{{Index: 0, Name: o.cmd[0]}}, nil
}

func (o *execOpener) Open(sampleRate, frameSamples, deviceIndex int) (Device, error) {
	args := append([]string{}, o.cmd[1:]...)
	if deviceIndex >= 0 {
		args = append(args, strconv.Itoa(deviceIndex))
	}
	command := exec.Command(o.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	return &execDevice{cmd: command, out: stdout}, nil
}

type execDevice struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

func (d *execDevice) Read(buf []byte) error {
	if _, err := io.ReadFull(d.out, buf); err != nil {
		return fmt.Errorf("read capture stream: %w", err)
	}
	return nil
}

func (d *execDevice) Close() error {
	_ = d.out.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	return nil
}
