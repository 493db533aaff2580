// ABOUTME: Malgo-based playback device with 16/24-bit and float support
// ABOUTME: Uses miniaudio via malgo; a ring buffer feeds the data callback
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

const malgoPeriods = 3

// Malgo plays through miniaudio. Playback starts once the ring is half
// full or a drain is requested, so short writes do not count as underruns.
type Malgo struct {
	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	periodMs int

	ring       *ringBuffer
	onUnderrun func()
	started    atomic.Bool
	draining   atomic.Bool
	space      chan struct{}
	drained    chan struct{}
	closed     chan struct{}
}

// NewMalgo creates a new malgo device
func NewMalgo() *Malgo {
	return &Malgo{}
}

// prepare sizes the ring buffer and resets playback state
func (m *Malgo) prepare(cfg audio.OutputConfig, onUnderrun func()) {
	size := cfg.BufferBytes()
	if minSize := cfg.FrameBytes() * 256; size < minSize {
		size = minSize
	}
	m.ring = newRingBuffer(size)
	m.onUnderrun = onUnderrun
	m.space = make(chan struct{}, 1)
	m.drained = make(chan struct{}, 1)
	m.closed = make(chan struct{})
	m.started.Store(false)
	m.draining.Store(false)
}

// Open initializes the playback device with the configured format
func (m *Malgo) Open(cfg audio.OutputConfig, name string, onUnderrun func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var format malgo.FormatType
	switch cfg.Format {
	case audio.FormatS16LE:
		format = malgo.FormatS16
	case audio.FormatS24LE:
		format = malgo.FormatS24
	case audio.FormatF32:
		format = malgo.FormatF32
	default:
		return fmt.Errorf("unsupported format: %s (supported: S16LE, S24LE, F32)", cfg.Format)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	m.prepare(cfg, onUnderrun)
	m.periodMs = min(max(cfg.BufferMs/4, 5), 50)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = format
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.periodMs)
	deviceConfig.Periods = malgoPeriods
	deviceConfig.Alsa.NoMMap = 1
	if cfg.Exclusive {
		deviceConfig.Playback.ShareMode = malgo.Exclusive
	}

	if name != "" {
		infos, err := ctx.Devices(malgo.Playback)
		if err != nil {
			freeContext(ctx)
			return fmt.Errorf("failed to enumerate devices: %w", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == name {
				deviceConfig.Playback.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			freeContext(ctx)
			return fmt.Errorf("playback device not found: %q", name)
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			m.fill(pOutput)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		freeContext(ctx)
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(ctx)
		return fmt.Errorf("failed to start device: %w", err)
	}

	m.malgoCtx = ctx
	m.device = device

	logrus.WithField("component", "local").Infof("Audio output initialized: %s (malgo/%s, exclusive=%v)",
		cfg, formatName(format), cfg.Exclusive)
	return nil
}

// fill is the data callback body: copy from the ring and track starvation
func (m *Malgo) fill(out []byte) {
	if !m.started.Load() {
		clear(out)
		return
	}

	n := m.ring.Read(out)
	select {
	case m.space <- struct{}{}:
	default:
	}

	if n == len(out) {
		return
	}
	if m.draining.Load() {
		if m.ring.Available() == 0 {
			m.started.Store(false)
			m.draining.Store(false)
			select {
			case m.drained <- struct{}{}:
			default:
			}
		}
		return
	}
	if m.onUnderrun != nil {
		m.onUnderrun()
	}
}

// Write copies data into the ring, blocking while it is full
func (m *Malgo) Write(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n := m.ring.Write(data)
		data = data[n:]
		if m.ring.Available() >= m.ring.Size()/2 {
			m.started.Store(true)
		}
		if len(data) == 0 {
			break
		}
		select {
		case <-m.space:
		case <-m.closed:
			return output.ErrNotOpen
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Drain starts playback of whatever is buffered and waits for it to empty
func (m *Malgo) Drain(ctx context.Context) error {
	if m.ring.Available() == 0 {
		return nil
	}
	select {
	case <-m.drained:
	default:
	}
	m.draining.Store(true)
	m.started.Store(true)

	select {
	case <-m.drained:
		return nil
	case <-m.closed:
		return output.ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the device and releases the malgo context
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed != nil {
		select {
		case <-m.closed:
		default:
			close(m.closed)
		}
	}
	if m.device != nil {
		if err := m.device.Stop(); err != nil {
			logrus.WithField("component", "local").Warnf("device stop error: %v", err)
		}
		m.device.Uninit()
		m.device = nil
	}
	if m.malgoCtx != nil {
		freeContext(m.malgoCtx)
		m.malgoCtx = nil
	}
	return nil
}

func (m *Malgo) Fill() float64 {
	if m.ring == nil {
		return 0
	}
	return float64(m.ring.Available()) / float64(m.ring.Size())
}

func (m *Malgo) LatencyMs() int { return m.periodMs * malgoPeriods }

// ListDevices enumerates playback devices
func (m *Malgo) ListDevices() ([]output.Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	defer freeContext(ctx)

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	devices := make([]output.Device, 0, len(infos))
	for i := range infos {
		devices = append(devices, output.Device{
			Name: infos[i].Name(),
			ID:   infos[i].ID.String(),
		})
	}
	return devices, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	if err := ctx.Uninit(); err != nil {
		logrus.WithField("component", "local").Warnf("malgo context uninit error: %v", err)
	}
	ctx.Free()
}

// formatName returns human-readable format name
func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatS16:
		return "S16"
	case malgo.FormatS24:
		return "S24"
	case malgo.FormatF32:
		return "F32"
	default:
		return fmt.Sprintf("Unknown(%d)", format)
	}
}
