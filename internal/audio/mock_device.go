package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

// mockOpener yields a synthetic device producing a 440 Hz tone, paced at
// real frame duration so downstream timing behaves like live capture.
type mockOpener struct{}

func NewMockOpener() Opener {
	return mockOpener{}
}

func (mockOpener) ListDevices() ([]DeviceInfo, error) {
	return []DeviceInfo{{Index: 0, Name: "mock tone generator"}}, nil
}

func (mockOpener) Open(sampleRate, frameSamples, deviceIndex int) (Device, error) {
	return &mockDevice{sampleRate: sampleRate}, nil
}

type mockDevice struct {
	mu         sync.Mutex
	sampleRate int
	phase      float64
	closed     bool
}

func (d *mockDevice) Read(buf []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("mock device closed")
	}
	step := 2 * math.Pi * 440.0 / float64(d.sampleRate)
	for i := 0; i+1 < len(buf); i += 2 {
		sample := int16(math.Sin(d.phase) * 0.30 * 32767)
		binary.LittleEndian.PutUint16(buf[i:], uint16(sample))
		d.phase += step
	}
	rate := d.sampleRate
	d.mu.Unlock()

	time.Sleep(time.Duration(len(buf)/2) * time.Second / time.Duration(rate))
	return nil
}

func (d *mockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
