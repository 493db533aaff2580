// ABOUTME: Tests for audio types
// ABOUTME: Tests block validity, format descriptors and derived buffer sizes
package audio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockIsValid(t *testing.T) {
	tests := []struct {
		name     string
		samples  int
		channels int
		valid    bool
	}{
		{"empty stereo", 0, 2, true},
		{"whole stereo frames", 480, 2, true},
		{"partial stereo frame", 481, 2, false},
		{"mono", 7, 1, true},
		{"six channels", 12, 6, true},
		{"six channels partial", 13, 6, false},
		{"zero channels", 4, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBlock(make([]float64, tt.samples), 48000, tt.channels)
			assert.Equal(t, tt.valid, b.IsValid())
			if tt.channels > 0 {
				assert.Equal(t, tt.valid, tt.samples%tt.channels == 0)
			}
		})
	}
}

func TestBlockFramesAndDuration(t *testing.T) {
	b := NewBlock(make([]float64, 960), 48000, 2)
	assert.Equal(t, 480, b.Frames())
	assert.InDelta(t, 10.0, b.DurationMs(), 1e-9)
}

func TestSampleFormatDescriptors(t *testing.T) {
	tests := []struct {
		format  SampleFormat
		bytes   int
		bits    int
		isFloat bool
		name    string
	}{
		{FormatF64, 8, 64, true, "F64"},
		{FormatF32, 4, 32, true, "F32"},
		{FormatS24LE, 3, 24, false, "S24LE"},
		{FormatS16LE, 2, 16, false, "S16LE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bytes, tt.format.BytesPerSample())
			assert.Equal(t, tt.bits, tt.format.BitDepth())
			assert.Equal(t, tt.isFloat, tt.format.IsFloat())
			assert.Equal(t, tt.name, tt.format.String())

			parsed, err := ParseSampleFormat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.format, parsed)
		})
	}

	_, err := ParseSampleFormat("U8")
	assert.Error(t, err)
}

func TestOutputConfigDerived(t *testing.T) {
	cfg := OutputConfig{SampleRate: 48000, Channels: 2, Format: FormatS16LE, BufferMs: 150}

	assert.Equal(t, 7200, cfg.BufferFrames())
	assert.Equal(t, 4, cfg.FrameBytes())
	assert.Equal(t, 28800, cfg.BufferBytes())
	assert.NoError(t, cfg.Validate())

	cfg.Channels = 0
	assert.Error(t, cfg.Validate())
}

func TestOutputConfigJSON(t *testing.T) {
	raw := `{"sample_rate":48000,"channels":2,"format":"F32","buffer_ms":150,"exclusive":false}`

	var cfg OutputConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, DefaultOutputConfig(), cfg)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(data))
}
