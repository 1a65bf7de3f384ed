package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is one fixed-duration chunk of raw 16-bit mono PCM from the input
// device. Frames are created by capture, consumed once, never retained.
// Sequence numbers are strictly increasing within one capture session.
type Frame struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
	Sequence   uint64
}

// DeviceInfo identifies a selectable input device.
type DeviceInfo struct {
	Index int
	Name  string
}

// Device is an open audio input handle. It is exclusively owned by the
// capture source that opened it and is never accessed concurrently.
type Device interface {
	// Read fills buf with exactly one frame of PCM, blocking up to one
	// device buffer.
	Read(buf []byte) error
	Close() error
}

// Opener abstracts the platform audio boundary so the capture source can
// run against a real capture process or a synthetic device.
type Opener interface {
	ListDevices() ([]DeviceInfo, error)
	Open(sampleRate, frameSamples, deviceIndex int) (Device, error)
}

// FrameBytes returns the byte length of one frame:
// sampleRate*frameDurationMS/1000 samples at 2 bytes per mono sample.
func FrameBytes(sampleRate, frameDurationMS int) int {
	samples := sampleRate * frameDurationMS / 1000
	if samples < 1 {
		samples = 1
	}
	return samples * 2
}

// RMS computes the root-mean-square energy of little-endian 16-bit PCM,
// normalized to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
