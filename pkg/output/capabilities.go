// ABOUTME: Static capability descriptors for sinks
// ABOUTME: Validates an OutputConfig against what a sink can render
package output

import (
	"fmt"
	"slices"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

// Capabilities describes what a sink accepts
type Capabilities struct {
	SampleRates    []int                `json:"sample_rates"`
	Formats        []audio.SampleFormat `json:"formats"`
	MinChannels    int                  `json:"min_channels"`
	MaxChannels    int                  `json:"max_channels"`
	Exclusive      bool                 `json:"exclusive"`
	NeedsDiscovery bool                 `json:"needs_discovery"`
	Volume         bool                 `json:"volume"`
}

// StandardRates are the rates every hardware sink is expected to handle
var StandardRates = []int{44100, 48000, 88200, 96000, 176400, 192000}

// Check reports whether cfg fits these capabilities. The returned error
// wraps ErrCapabilityMismatch.
func (c Capabilities) Check(cfg audio.OutputConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityMismatch, err)
	}
	if len(c.SampleRates) > 0 && !slices.Contains(c.SampleRates, cfg.SampleRate) {
		return fmt.Errorf("%w: sample rate %d not in %v", ErrCapabilityMismatch, cfg.SampleRate, c.SampleRates)
	}
	if !slices.Contains(c.Formats, cfg.Format) {
		return fmt.Errorf("%w: format %s not supported", ErrCapabilityMismatch, cfg.Format)
	}
	if cfg.Channels < c.MinChannels || cfg.Channels > c.MaxChannels {
		return fmt.Errorf("%w: %d channels outside %d-%d",
			ErrCapabilityMismatch, cfg.Channels, c.MinChannels, c.MaxChannels)
	}
	if cfg.Exclusive && !c.Exclusive {
		return fmt.Errorf("%w: exclusive mode not supported", ErrCapabilityMismatch)
	}
	return nil
}
