// ABOUTME: Output sink contract shared by every audio destination
// ABOUTME: Sinks open with a fixed config, accept blocks with backpressure, drain and close
package output

import (
	"context"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

// Sink is an audio destination. All methods are safe for concurrent use.
type Sink interface {
	// Name is the registry name of the sink (e.g. "local_dac")
	Name() string

	// Open acquires resources. The config is immutable until Close.
	// Fails with *OpenFailedError when the config is unsupported or the
	// transport cannot be established.
	Open(ctx context.Context, cfg audio.OutputConfig) error

	// Write enqueues a block. The block is borrowed and is copied before
	// Write returns. Blocks while the sink's queue is full; never drops.
	Write(ctx context.Context, b audio.Block) error

	// Drain returns once everything enqueued has been rendered or sent
	Drain(ctx context.Context) error

	// Close releases all resources. Idempotent.
	Close() error

	// LatencyMs estimates end-to-end latency including buffering and transport
	LatencyMs() int

	IsOpen() bool
	Config() audio.OutputConfig
	Stats() audio.SinkStats
	Capabilities() Capabilities
}

// DeviceSelector is implemented by sinks that can target a named device
// or peer. The selection applies at the next Open.
type DeviceSelector interface {
	SelectDevice(device string) error
}

// VolumeController is implemented by sinks with a volume control
type VolumeController interface {
	SetVolume(ctx context.Context, value float64, curve VolumeCurve) error
}

// Device is a discovered destination a sink can be pointed at
type Device struct {
	Name         string   `json:"name"`
	ID           string   `json:"id,omitempty"`
	Host         string   `json:"host,omitempty"`
	Port         int      `json:"port,omitempty"`
	Location     string   `json:"location,omitempty"`
	ServiceType  string   `json:"service_type,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Services     []string `json:"services,omitempty"`
}

// Discoverer is implemented by sinks whose targets are found on the network
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) ([]Device, error)
}

// Health is the latest remote health snapshot of a network sink
type Health struct {
	Session     string    `json:"session"`
	Connection  string    `json:"connection,omitempty"`
	Playback    string    `json:"playback,omitempty"`
	BufferMs    float64   `json:"buffer_ms"`
	DriftPPM    float64   `json:"drift_ppm"`
	PacketsLost uint64    `json:"packets_lost"`
	LastError   string    `json:"last_error,omitempty"`
	Fatal       bool      `json:"fatal"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HealthReporter is implemented by sinks that track remote health
type HealthReporter interface {
	Health() Health
}
