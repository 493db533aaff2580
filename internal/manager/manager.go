// ABOUTME: Output manager owning the sink registry and the active route
// ABOUTME: Serializes writes through the DSP worker and aggregates metrics
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/dsp"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/resample"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("manager closed")

// Manager routes processed audio to at most one active sink
type Manager struct {
	log *logrus.Entry

	// registry and route
	mu     sync.RWMutex
	sinks  map[string]output.Sink
	order  []string
	active string
	route  Route
	err    error

	// serializes Select/Start/Stop
	smu sync.Mutex

	// exclusive write lock: frames reach the sink in submission order
	wmu sync.Mutex

	// DSP state, owned by the worker
	dspMu            sync.Mutex
	settings         dsp.Settings
	chain            *dsp.Chain
	resampler        *resample.Resampler
	resampleChannels int
	eqPeakDB         float64
	clipBase         uint64
	invalidBase      uint64

	jobs       chan job
	quit       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

// New creates a manager applying settings to the DSP chain
func New(settings dsp.Settings) (*Manager, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("dsp settings: %w", err)
	}
	m := &Manager{
		log:        logrus.WithField("component", "manager"),
		sinks:      make(map[string]output.Sink),
		settings:   settings,
		jobs:       make(chan job),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	m.chain = dsp.NewChain(settings.SampleRate, 2)
	if err := m.chain.Apply(settings); err != nil {
		return nil, err
	}
	go m.runWorker()
	return m, nil
}

// Register adds a sink to the registry
func (m *Manager) Register(s output.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := s.Name()
	if _, exists := m.sinks[name]; exists {
		return fmt.Errorf("sink %q already registered", name)
	}
	m.sinks[name] = s
	m.order = append(m.order, name)
	m.log.Debugf("Registered sink %s", name)
	return nil
}

// Sink looks a registered sink up by name
func (m *Manager) Sink(name string) (output.Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sinks[name]
	return s, ok
}

// Select closes the active sink and opens name with cfg. On failure no
// sink is active; the previous one stays closed.
func (m *Manager) Select(ctx context.Context, name, device string, cfg audio.OutputConfig) error {
	m.smu.Lock()
	defer m.smu.Unlock()

	m.mu.Lock()
	next, ok := m.sinks[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", output.ErrUnknownSink, name)
	}
	prev := m.sinks[m.active]
	m.active = ""
	m.mu.Unlock()

	// closing first unblocks any write waiting on the outgoing sink
	if prev != nil {
		if err := prev.Close(); err != nil {
			m.log.Warnf("Closing %s: %v", prev.Name(), err)
		}
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()

	if device != "" {
		if ds, ok := next.(output.DeviceSelector); ok {
			if err := ds.SelectDevice(device); err != nil {
				return m.fail(name, device, cfg, err)
			}
		} else {
			m.log.Warnf("Sink %s ignores device selection %q", name, device)
		}
	}

	m.dspMu.Lock()
	if m.settings.ResampleEnabled {
		cfg.SampleRate = m.settings.ResampleTargetRate
	}
	m.dspMu.Unlock()

	if next.IsOpen() {
		next.Close()
	}
	if err := next.Open(ctx, cfg); err != nil {
		return m.fail(name, device, cfg, err)
	}

	m.dspMu.Lock()
	if m.chain != nil {
		m.chain.Reset()
	}
	if m.resampler != nil {
		m.resampler.Reset()
	}
	m.dspMu.Unlock()

	m.mu.Lock()
	m.active = name
	m.err = nil
	m.route = Route{
		ID:        uuid.NewString(),
		Output:    name,
		Device:    device,
		Config:    cfg,
		Active:    true,
		UpdatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	m.log.Infof("Output %s active: %s, %dms latency", name, cfg, next.LatencyMs())
	return nil
}

// fail records a failed selection so Start can retry it
func (m *Manager) fail(name, device string, cfg audio.OutputConfig, err error) error {
	m.mu.Lock()
	m.err = err
	m.route = Route{
		ID:        uuid.NewString(),
		Output:    name,
		Device:    device,
		Config:    cfg,
		UpdatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()
	m.log.Errorf("Selecting %s failed: %v", name, err)
	return err
}

// Start opens the current selection if it is not already active
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	route, active := m.route, m.active
	m.mu.RUnlock()

	if route.Output == "" {
		return fmt.Errorf("%w: nothing selected", output.ErrNoActiveSink)
	}
	if active != "" {
		if s, ok := m.Sink(active); ok && s.IsOpen() {
			return nil
		}
	}
	return m.Select(ctx, route.Output, route.Device, route.Config)
}

// Stop drains and closes the active sink. The route is kept for Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.smu.Lock()
	defer m.smu.Unlock()

	m.wmu.Lock()
	defer m.wmu.Unlock()

	m.mu.Lock()
	s := m.sinks[m.active]
	m.active = ""
	m.route.Active = false
	m.mu.Unlock()

	if s == nil {
		return output.ErrNoActiveSink
	}

	var errs []error
	if s.IsOpen() {
		if err := s.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	}
	if err := s.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	m.log.Infof("Output %s stopped", s.Name())
	return errors.Join(errs...)
}

// Write runs the block through the DSP chain on the worker and forwards
// it to the active sink. The caller keeps ownership of b.
func (m *Manager) Write(ctx context.Context, b audio.Block) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	m.mu.RLock()
	s := m.sinks[m.active]
	m.mu.RUnlock()
	if s == nil {
		return output.ErrNoActiveSink
	}
	if !b.IsValid() {
		return fmt.Errorf("%w: %d samples for %d channels", output.ErrFormatMismatch, len(b.Samples), b.Channels)
	}

	samples := make([]float64, len(b.Samples))
	copy(samples, b.Samples)
	j := job{
		ctx:   ctx,
		sink:  s,
		block: audio.Block{Samples: samples, SampleRate: b.SampleRate, Channels: b.Channels},
		done:  make(chan error, 1),
	}

	select {
	case m.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrClosed
	}
	return <-j.done
}

// Metrics returns the snapshot of the active sink and the DSP chain
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	name, route, lastErr := m.active, m.route, m.err
	s := m.sinks[name]
	m.mu.RUnlock()

	m.dspMu.Lock()
	clips := m.clipBase + m.chain.ClipCount()
	invalid := m.invalidBase + m.chain.InvalidSamples()
	stages := m.chain.EnabledStages()
	m.dspMu.Unlock()

	metrics := Metrics{
		OutputName:     route.Output,
		ClipCount:      clips,
		InvalidSamples: invalid,
		Underruns:      invalid,
		Stages:         stages,
		State:          StateStopped,
	}
	if lastErr != nil {
		metrics.State = StateError
		metrics.LastError = lastErr.Error()
	}
	if s == nil {
		return metrics
	}

	cfg := s.Config()
	stats := s.Stats()
	metrics.SampleRate = cfg.SampleRate
	metrics.Channels = cfg.Channels
	metrics.Format = cfg.Format
	metrics.LatencyMs = s.LatencyMs()
	metrics.Underruns += stats.Underruns
	metrics.Overruns = stats.Overruns
	metrics.BytesWritten = stats.BytesWritten
	metrics.FramesWritten = stats.FramesWritten
	metrics.BufferFill = stats.BufferFill
	metrics.State = StateActive

	if hr, ok := s.(output.HealthReporter); ok {
		h := hr.Health()
		metrics.Health = &h
		if h.Fatal {
			metrics.State = StateError
			metrics.LastError = h.LastError
		}
	}
	return metrics
}

// ListSinks describes every registered sink in registration order
func (m *Manager) ListSinks() []SinkInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SinkInfo, 0, len(m.order))
	for _, name := range m.order {
		s := m.sinks[name]
		info := SinkInfo{
			Name:     name,
			IsOpen:   s.IsOpen(),
			IsActive: name == m.active,
		}
		if info.IsOpen {
			cfg := s.Config()
			info.Config = &cfg
			info.LatencyMs = s.LatencyMs()
		}
		infos = append(infos, info)
	}
	return infos
}

// Capabilities returns the static descriptor of every sink
func (m *Manager) Capabilities() []SinkCapabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	caps := make([]SinkCapabilities, 0, len(m.order))
	for _, name := range m.order {
		caps = append(caps, SinkCapabilities{Name: name, Capabilities: m.sinks[name].Capabilities()})
	}
	return caps
}

// Route returns the current route
func (m *Manager) Route() Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.route
}

// SetRoute selects the route's output with its device and config
func (m *Manager) SetRoute(ctx context.Context, r Route) error {
	return m.Select(ctx, r.Output, r.Device, r.Config)
}

// Settings returns the applied DSP settings
func (m *Manager) Settings() dsp.Settings {
	m.dspMu.Lock()
	defer m.dspMu.Unlock()
	return m.settings
}

// ApplySettings validates s and applies it to the chain. Resampling
// changes take effect at the next Select.
func (m *Manager) ApplySettings(s dsp.Settings) (dsp.Settings, error) {
	if err := s.Validate(); err != nil {
		return dsp.Settings{}, err
	}
	m.dspMu.Lock()
	defer m.dspMu.Unlock()

	if err := m.chain.Apply(s); err != nil {
		return dsp.Settings{}, err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.settings.CreatedAt
	}
	s.UpdatedAt = time.Now().UTC()
	m.settings = s
	m.log.Infof("DSP settings applied: %v", m.chain.EnabledStages())
	return s, nil
}

// SetEQPeakGain reports the upstream EQ's peak boost for auto headroom
func (m *Manager) SetEQPeakGain(db float64) {
	m.dspMu.Lock()
	defer m.dspMu.Unlock()
	m.eqPeakDB = db
	m.chain.SetEQPeakGain(db)
}

// SetVolume forwards a volume change to the active sink
func (m *Manager) SetVolume(ctx context.Context, value float64, curve output.VolumeCurve) error {
	m.mu.RLock()
	s := m.sinks[m.active]
	m.mu.RUnlock()
	if s == nil {
		return output.ErrNoActiveSink
	}
	vc, ok := s.(output.VolumeController)
	if !ok {
		return fmt.Errorf("%w: %s has no volume control", output.ErrNotSupported, s.Name())
	}
	return vc.SetVolume(ctx, value, curve)
}

// Discover runs the named sink's device discovery
func (m *Manager) Discover(ctx context.Context, name string, timeout time.Duration) ([]output.Device, error) {
	s, ok := m.Sink(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", output.ErrUnknownSink, name)
	}
	d, ok := s.(output.Discoverer)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no discovery", output.ErrNotSupported, name)
	}
	return d.Discover(ctx, timeout)
}

// Close closes every sink and stops the DSP worker. Sinks close first so
// that a write blocked on backpressure returns.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		sinks := make([]output.Sink, 0, len(m.order))
		for _, name := range m.order {
			sinks = append(sinks, m.sinks[name])
		}
		m.active = ""
		m.route.Active = false
		m.mu.Unlock()

		g := new(errgroup.Group)
		for _, s := range sinks {
			s := s
			g.Go(func() error {
				if err := s.Close(); err != nil {
					return fmt.Errorf("close %s: %w", s.Name(), err)
				}
				return nil
			})
		}
		err = g.Wait()

		close(m.quit)
		<-m.workerDone
	})
	return err
}
