// ABOUTME: Audio device backends behind the local sink
// ABOUTME: Device abstracts malgo/oto; ringBuffer feeds callback-driven playback
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
)

// Backend names
const (
	BackendMalgo = "malgo"
	BackendOto   = "oto"
)

// Device is a playback device accepting packed little-endian PCM
type Device interface {
	// Open starts the device. name selects a device, empty means default.
	// onUnderrun is called from the audio thread when playback starves.
	Open(cfg audio.OutputConfig, name string, onUnderrun func()) error

	// Write blocks until data has been accepted into the device buffer
	Write(ctx context.Context, data []byte) error

	// Drain blocks until the device buffer has been played out
	Drain(ctx context.Context) error

	Close() error

	// Fill returns device buffer occupancy in [0,1]
	Fill() float64

	// LatencyMs is the device-side latency beyond the configured buffer
	LatencyMs() int
}

// DeviceLister is implemented by backends that can enumerate outputs
type DeviceLister interface {
	ListDevices() ([]output.Device, error)
}

// NewDevice creates a device for the named backend
func NewDevice(backend string) (Device, error) {
	switch backend {
	case BackendMalgo, "":
		return NewMalgo(), nil
	case BackendOto:
		return NewOto(), nil
	default:
		return nil, fmt.Errorf("unknown audio backend: %q", backend)
	}
}

// BackendCapabilities returns what the backend can render
func BackendCapabilities(backend string) output.Capabilities {
	caps := output.Capabilities{
		SampleRates: output.StandardRates,
		Formats:     []audio.SampleFormat{audio.FormatF32, audio.FormatS24LE, audio.FormatS16LE},
		MinChannels: 1,
		MaxChannels: 8,
		Exclusive:   true,
	}
	if backend == BackendOto {
		caps.Formats = []audio.SampleFormat{audio.FormatF32, audio.FormatS16LE}
		caps.Exclusive = false
	}
	return caps
}

// ringBuffer is a thread-safe circular byte buffer
type ringBuffer struct {
	buffer   []byte
	readPos  int
	writePos int
	size     int
	count    int // bytes currently in buffer
	mu       sync.Mutex
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buffer: make([]byte, capacity),
		size:   capacity,
	}
}

// Write copies as much of p as fits and returns the byte count
func (rb *ringBuffer) Write(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(p), rb.size-rb.count)
	for written := 0; written < n; {
		chunk := copy(rb.buffer[rb.writePos:], p[written:n])
		rb.writePos = (rb.writePos + chunk) % rb.size
		written += chunk
	}
	rb.count += n
	return n
}

// Read fills p from the buffer and zero-fills the remainder
func (rb *ringBuffer) Read(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(p), rb.count)
	for read := 0; read < n; {
		chunk := copy(p[read:n], rb.buffer[rb.readPos:])
		rb.readPos = (rb.readPos + chunk) % rb.size
		read += chunk
	}
	rb.count -= n

	clear(p[n:])
	return n
}

// Available returns the number of bytes available to read
func (rb *ringBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Free returns the number of free bytes
func (rb *ringBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size - rb.count
}

func (rb *ringBuffer) Size() int { return rb.size }
