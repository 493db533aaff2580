// ABOUTME: Manager snapshot types exposed through the control API
// ABOUTME: Route, metrics, sink listing and capability descriptors
package manager

import (
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
)

// Route is the end-to-end path from the upstream chain to one sink
type Route struct {
	ID        string             `json:"id"`
	Output    string             `json:"output"`
	Device    string             `json:"device,omitempty"`
	Config    audio.OutputConfig `json:"config"`
	Active    bool               `json:"active"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Metrics is the aggregated output snapshot
type Metrics struct {
	OutputName     string             `json:"output_name"`
	SampleRate     int                `json:"sample_rate"`
	Channels       int                `json:"channels"`
	Format         audio.SampleFormat `json:"format"`
	LatencyMs      int                `json:"latency_ms"`
	Underruns      uint64             `json:"underruns"`
	Overruns       uint64             `json:"overruns"`
	BytesWritten   uint64             `json:"bytes_written"`
	FramesWritten  uint64             `json:"frames_written"`
	BufferFill     float64            `json:"buffer_fill"`
	ClipCount      uint64             `json:"clip_count"`
	InvalidSamples uint64             `json:"invalid_samples"`
	Stages         []string           `json:"stages"`
	State          string             `json:"state"`
	LastError      string             `json:"last_error,omitempty"`
	Health         *output.Health     `json:"health,omitempty"`
}

// Output states reported in Metrics
const (
	StateStopped = "stopped"
	StateActive  = "active"
	StateError   = "error"
)

// SinkInfo describes a registered sink
type SinkInfo struct {
	Name      string              `json:"name"`
	IsOpen    bool                `json:"is_open"`
	IsActive  bool                `json:"is_active"`
	Config    *audio.OutputConfig `json:"config,omitempty"`
	LatencyMs int                 `json:"latency_ms"`
}

// SinkCapabilities pairs a sink name with its static descriptor
type SinkCapabilities struct {
	Name string `json:"name"`
	output.Capabilities
}
