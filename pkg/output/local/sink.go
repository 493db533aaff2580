// ABOUTME: Local device sink emitting to the default or a named audio device
// ABOUTME: Converts blocks to the device format and feeds them through a bounded queue
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/sirupsen/logrus"
)

// Name is the registry name of the local sink
const Name = "local_dac"

// queueDepth is the number of blocks buffered ahead of the device
const queueDepth = 8

// Sink plays audio on a local device
type Sink struct {
	newDevice func() (Device, error)
	caps      output.Capabilities
	log       *logrus.Entry

	mu         sync.RWMutex
	deviceName string
	open       bool
	cfg        audio.OutputConfig
	dev        Device
	queue      *output.Queue
	counters   output.Counters
}

// New creates a local sink using the given backend ("malgo" or "oto")
func New(backend string) (*Sink, error) {
	if _, err := NewDevice(backend); err != nil {
		return nil, err
	}
	return NewWithDevice(func() (Device, error) { return NewDevice(backend) }, BackendCapabilities(backend)), nil
}

// NewWithDevice creates a local sink over a custom device constructor
func NewWithDevice(newDevice func() (Device, error), caps output.Capabilities) *Sink {
	return &Sink{
		newDevice: newDevice,
		caps:      caps,
		log:       logrus.WithField("component", "local"),
	}
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Capabilities() output.Capabilities { return s.caps }

// SelectDevice chooses a named output device for the next Open
func (s *Sink) SelectDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceName = device
	return nil
}

// Open starts the device with cfg
func (s *Sink) Open(ctx context.Context, cfg audio.OutputConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return output.ErrAlreadyOpen
	}
	if err := s.caps.Check(cfg); err != nil {
		return output.OpenFailed(Name, "unsupported config", err)
	}

	dev, err := s.newDevice()
	if err != nil {
		return output.OpenFailed(Name, "no backend", err)
	}
	s.counters.Reset()
	if err := dev.Open(cfg, s.deviceName, s.counters.AddUnderrun); err != nil {
		return output.OpenFailed(Name, "device init", err)
	}

	s.dev = dev
	s.cfg = cfg
	s.queue = output.NewQueue(queueDepth, func(ctx context.Context, c output.Chunk) error {
		if err := dev.Write(ctx, c.Data); err != nil {
			return err
		}
		s.counters.AddWritten(c.Frames, len(c.Data))
		return nil
	})
	s.open = true

	device := s.deviceName
	if device == "" {
		device = "default"
	}
	s.log.Infof("Opened %s on %s device", cfg, device)
	return nil
}

// Write converts the block and queues it for the device
func (s *Sink) Write(ctx context.Context, b audio.Block) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return output.ErrNotOpen
	}
	cfg, q := s.cfg, s.queue
	s.mu.RUnlock()

	if err := output.CheckBlock(cfg, b); err != nil {
		return err
	}
	data := audio.ConvertFormat(b, cfg.Format, make([]byte, 0, len(b.Samples)*cfg.Format.BytesPerSample()))
	return q.Push(ctx, output.Chunk{Data: data, Frames: b.Frames()})
}

// Drain waits for the queue and then the device buffer to empty
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return output.ErrNotOpen
	}
	q, dev := s.queue, s.dev
	s.mu.RUnlock()

	if err := q.Drain(ctx); err != nil {
		return err
	}
	if err := dev.Drain(ctx); err != nil {
		return fmt.Errorf("device drain: %w", err)
	}
	return nil
}

// Close stops the queue and the device. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	s.queue.Close()
	err := s.dev.Close()
	s.dev = nil
	s.queue = nil
	stats := s.counters.Snapshot(0)
	s.log.Infof("Closed (%d frames, %d underruns)", stats.FramesWritten, stats.Underruns)
	return err
}

func (s *Sink) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

func (s *Sink) Config() audio.OutputConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// LatencyMs is the configured buffer plus device latency
func (s *Sink) LatencyMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return 0
	}
	return s.cfg.BufferMs + s.dev.LatencyMs()
}

func (s *Sink) Stats() audio.SinkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fill := 0.0
	if s.open {
		fill = s.dev.Fill()
	}
	return s.counters.Snapshot(fill)
}

// Discover lists the playback devices of the backend, if it can enumerate them
func (s *Sink) Discover(ctx context.Context, timeout time.Duration) ([]output.Device, error) {
	dev, err := s.newDevice()
	if err != nil {
		return nil, err
	}
	lister, ok := dev.(DeviceLister)
	if !ok {
		return nil, fmt.Errorf("%w: backend cannot enumerate devices", output.ErrNotSupported)
	}
	return lister.ListDevices()
}
