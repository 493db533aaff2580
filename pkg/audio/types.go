// ABOUTME: Audio type definitions
// ABOUTME: Defines audio blocks, sample formats, output configuration and sink stats
package audio

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	// 16-bit audio range constants
	Max16Bit = 32767
	Min16Bit = -32768
)

// Block is a borrowed view over interleaved float64 samples.
// It is only valid for the duration of the call it is passed to.
type Block struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// NewBlock wraps samples into a Block
func NewBlock(samples []float64, sampleRate, channels int) Block {
	return Block{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// IsValid reports whether the sample count is a whole number of frames
func (b Block) IsValid() bool {
	return b.Channels > 0 && len(b.Samples)%b.Channels == 0
}

// Frames returns the number of whole frames in the block
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// DurationMs returns the playback duration of the block
func (b Block) DurationMs() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) * 1000 / float64(b.SampleRate)
}

// SampleFormat is the on-wire sample representation of a sink
type SampleFormat int

const (
	FormatF64 SampleFormat = iota
	FormatF32
	FormatS24LE
	FormatS16LE
)

var formatNames = map[SampleFormat]string{
	FormatF64:   "F64",
	FormatF32:   "F32",
	FormatS24LE: "S24LE",
	FormatS16LE: "S16LE",
}

// BytesPerSample returns the packed size of one sample
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatF64:
		return 8
	case FormatF32:
		return 4
	case FormatS24LE:
		return 3
	case FormatS16LE:
		return 2
	}
	return 0
}

// BitDepth returns the number of significant bits per sample
func (f SampleFormat) BitDepth() int {
	switch f {
	case FormatF64:
		return 64
	case FormatF32:
		return 32
	case FormatS24LE:
		return 24
	case FormatS16LE:
		return 16
	}
	return 0
}

// IsFloat reports whether samples are IEEE floats
func (f SampleFormat) IsFloat() bool {
	return f == FormatF64 || f == FormatF32
}

func (f SampleFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// ParseSampleFormat parses a format name such as "S16LE" (case-insensitive).
// "S16" and "S24" are accepted as shorthands.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F64":
		return FormatF64, nil
	case "F32":
		return FormatF32, nil
	case "S24LE", "S24":
		return FormatS24LE, nil
	case "S16LE", "S16":
		return FormatS16LE, nil
	}
	return 0, fmt.Errorf("unknown sample format: %q", s)
}

// MarshalJSON encodes the format as its name
func (f SampleFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON decodes a format name
func (f *SampleFormat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSampleFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// OutputConfig is the configuration a sink is opened with.
// It is immutable while the sink stays open.
type OutputConfig struct {
	SampleRate int          `json:"sample_rate"`
	Channels   int          `json:"channels"`
	Format     SampleFormat `json:"format"`
	BufferMs   int          `json:"buffer_ms"`
	Exclusive  bool         `json:"exclusive"`
}

// DefaultOutputConfig returns 48kHz stereo F32 with a 150ms buffer
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		SampleRate: 48000,
		Channels:   2,
		Format:     FormatF32,
		BufferMs:   150,
	}
}

// BufferFrames returns sample_rate * buffer_ms / 1000
func (c OutputConfig) BufferFrames() int {
	return c.SampleRate * c.BufferMs / 1000
}

// BufferBytes returns the buffer size in on-wire bytes
func (c OutputConfig) BufferBytes() int {
	return c.BufferFrames() * c.FrameBytes()
}

// FrameBytes returns the packed size of one interleaved frame
func (c OutputConfig) FrameBytes() int {
	return c.Channels * c.Format.BytesPerSample()
}

// Validate checks that the config is internally consistent
func (c OutputConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", c.Channels)
	}
	if c.Format.BytesPerSample() == 0 {
		return fmt.Errorf("invalid sample format: %v", c.Format)
	}
	if c.BufferMs < 0 {
		return fmt.Errorf("invalid buffer size: %dms", c.BufferMs)
	}
	return nil
}

func (c OutputConfig) String() string {
	return fmt.Sprintf("%dHz/%dch/%s/%dms", c.SampleRate, c.Channels, c.Format, c.BufferMs)
}

// SinkStats holds rolling counters published by a sink
type SinkStats struct {
	FramesWritten uint64  `json:"frames_written"`
	BytesWritten  uint64  `json:"bytes_written"`
	Underruns     uint64  `json:"underruns"`
	Overruns      uint64  `json:"overruns"`
	BufferFill    float64 `json:"buffer_fill"` // 0..1
}
