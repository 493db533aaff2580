// ABOUTME: Per-profile DSP settings record
// ABOUTME: Enumerates every stage flag and parameter, with defaults and validation
package dsp

import (
	"errors"
	"fmt"
	"time"
)

// Resampler quality names
const (
	ResampleLinear = "linear"
	ResampleCubic  = "cubic"
)

// Settings is the persisted DSP configuration of a profile
type Settings struct {
	Profile    string `json:"profile" mapstructure:"profile"`
	SampleRate int    `json:"sample_rate" mapstructure:"sample_rate"`
	BufferMs   int    `json:"buffer_ms" mapstructure:"buffer_ms"`

	HeadroomDB     float64 `json:"headroom_db" mapstructure:"headroom_db"`
	AutoCompensate bool    `json:"auto_compensate" mapstructure:"auto_compensate"`
	ClipDetection  bool    `json:"clip_detection" mapstructure:"clip_detection"`

	TubeEnabled        bool    `json:"tube_enabled" mapstructure:"tube_enabled"`
	TubeDrive          float64 `json:"tube_drive" mapstructure:"tube_drive"`
	TapeEnabled        bool    `json:"tape_enabled" mapstructure:"tape_enabled"`
	TapeDrive          float64 `json:"tape_drive" mapstructure:"tape_drive"`
	TransformerEnabled bool    `json:"transformer_enabled" mapstructure:"transformer_enabled"`
	TransformerDrive   float64 `json:"transformer_drive" mapstructure:"transformer_drive"`

	ExciterEnabled   bool    `json:"exciter_enabled" mapstructure:"exciter_enabled"`
	ExciterAmount    float64 `json:"exciter_amount" mapstructure:"exciter_amount"`
	TransientEnabled bool    `json:"transient_enabled" mapstructure:"transient_enabled"`
	TransientAmount  float64 `json:"transient_amount" mapstructure:"transient_amount"`

	CompressorEnabled     bool    `json:"compressor_enabled" mapstructure:"compressor_enabled"`
	CompressorThresholdDB float64 `json:"compressor_threshold_db" mapstructure:"compressor_threshold_db"`
	CompressorRatio       float64 `json:"compressor_ratio" mapstructure:"compressor_ratio"`
	CompressorKneeDB      float64 `json:"compressor_knee_db" mapstructure:"compressor_knee_db"`
	CompressorMakeupDB    float64 `json:"compressor_makeup_db" mapstructure:"compressor_makeup_db"`
	LimiterEnabled        bool    `json:"limiter_enabled" mapstructure:"limiter_enabled"`
	LimiterThreshold      float64 `json:"limiter_threshold" mapstructure:"limiter_threshold"`
	LimiterCeiling        float64 `json:"limiter_ceiling" mapstructure:"limiter_ceiling"`
	ExpanderEnabled       bool    `json:"expander_enabled" mapstructure:"expander_enabled"`
	ExpanderThresholdDB   float64 `json:"expander_threshold_db" mapstructure:"expander_threshold_db"`
	ExpanderRatio         float64 `json:"expander_ratio" mapstructure:"expander_ratio"`

	StereoWidthEnabled bool    `json:"stereo_width_enabled" mapstructure:"stereo_width_enabled"`
	StereoWidth        float64 `json:"stereo_width" mapstructure:"stereo_width"`
	CrossfeedEnabled   bool    `json:"crossfeed_enabled" mapstructure:"crossfeed_enabled"`
	CrossfeedMix       float64 `json:"crossfeed_mix" mapstructure:"crossfeed_mix"`
	AmbienceEnabled    bool    `json:"ambience_enabled" mapstructure:"ambience_enabled"`
	AmbienceMix        float64 `json:"ambience_mix" mapstructure:"ambience_mix"`

	DitherEnabled  bool         `json:"dither_enabled" mapstructure:"dither_enabled"`
	DitherMode     DitherMode   `json:"dither_mode" mapstructure:"dither_mode"`
	DitherBitDepth int          `json:"dither_bit_depth" mapstructure:"dither_bit_depth"`
	NoiseShaping   NoiseShaping `json:"noise_shaping" mapstructure:"noise_shaping"`

	ResampleEnabled    bool   `json:"resample_enabled" mapstructure:"resample_enabled"`
	ResampleQuality    string `json:"resample_quality" mapstructure:"resample_quality"`
	ResampleTargetRate int    `json:"resample_target_rate" mapstructure:"resample_target_rate"`

	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"updated_at"`
}

// DefaultSettings returns 48kHz, 150ms, -3dB headroom with clip detection,
// dither and resampling off and every enhancer disabled.
func DefaultSettings() Settings {
	now := time.Now().UTC()
	return Settings{
		Profile:               "default",
		SampleRate:            48000,
		BufferMs:              150,
		HeadroomDB:            -3,
		ClipDetection:         true,
		TubeDrive:             0.5,
		TapeDrive:             1.5,
		TransformerDrive:      0.4,
		ExciterAmount:         0.2,
		TransientAmount:       0.5,
		CompressorThresholdDB: -18,
		CompressorRatio:       4,
		CompressorKneeDB:      6,
		LimiterThreshold:      0.95,
		LimiterCeiling:        1.0,
		ExpanderThresholdDB:   -50,
		ExpanderRatio:         2,
		StereoWidth:           1.5,
		CrossfeedMix:          0.6,
		AmbienceMix:           0.15,
		DitherMode:            DitherTPDF,
		DitherBitDepth:        16,
		NoiseShaping:          NoiseShapingNone,
		ResampleQuality:       ResampleLinear,
		ResampleTargetRate:    48000,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// ErrExclusiveStages is returned when more than one stage of a group is enabled
var ErrExclusiveStages = errors.New("mutually exclusive stages enabled together")

// Validate checks group exclusion and parameter ranges
func (s Settings) Validate() error {
	if count(s.TubeEnabled, s.TapeEnabled, s.TransformerEnabled) > 1 {
		return fmt.Errorf("character group: %w", ErrExclusiveStages)
	}
	if count(s.CompressorEnabled, s.LimiterEnabled, s.ExpanderEnabled) > 1 {
		return fmt.Errorf("dynamics group: %w", ErrExclusiveStages)
	}
	if s.HeadroomDB > 0 {
		return fmt.Errorf("headroom must not be positive: %.1fdB", s.HeadroomDB)
	}
	if s.TapeEnabled && s.TapeDrive <= 0 {
		return fmt.Errorf("tape drive must be positive")
	}
	if s.CompressorEnabled && s.CompressorRatio < 1 {
		return fmt.Errorf("compressor ratio must be >= 1")
	}
	if s.LimiterEnabled && (s.LimiterThreshold <= 0 || s.LimiterCeiling <= 0) {
		return fmt.Errorf("limiter threshold and ceiling must be positive")
	}
	if s.ExpanderEnabled && s.ExpanderRatio < 1 {
		return fmt.Errorf("expander ratio must be >= 1")
	}
	if s.ResampleEnabled {
		if s.ResampleTargetRate <= 0 {
			return fmt.Errorf("invalid resample target rate: %d", s.ResampleTargetRate)
		}
		if s.ResampleQuality != ResampleLinear && s.ResampleQuality != ResampleCubic {
			return fmt.Errorf("unknown resample quality: %q", s.ResampleQuality)
		}
	}
	return nil
}

func count(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
