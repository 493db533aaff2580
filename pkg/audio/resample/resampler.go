// ABOUTME: Streaming resampler for converting audio sample rates
// ABOUTME: Linear or Catmull-Rom cubic interpolation over interleaved float64 frames
package resample

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

// Quality selects the interpolation kernel
type Quality string

const (
	Linear Quality = "linear"
	Cubic  Quality = "cubic"
)

// ParseQuality maps a settings string to a Quality
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case Linear, Cubic:
		return Quality(s), nil
	case "":
		return Linear, nil
	}
	return "", fmt.Errorf("unknown resample quality: %q", s)
}

// Resampler converts interleaved samples between two rates. Input frames
// not yet consumed are carried into the next call, so blocks can be fed
// in any size without discontinuities at block edges.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	quality    Quality
	ratio      float64
	position   float64   // fractional read position into pending, in frames
	pending    []float64 // carried input frames, interleaved
}

// New creates a new resampler
func New(inputRate, outputRate, channels int, quality Quality) *Resampler {
	if quality != Cubic {
		quality = Linear
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		quality:    quality,
		ratio:      float64(inputRate) / float64(outputRate),
	}
}

// InputRate returns the source rate
func (r *Resampler) InputRate() int { return r.inputRate }

// OutputRate returns the target rate
func (r *Resampler) OutputRate() int { return r.outputRate }

// Quality returns the interpolation kernel in use
func (r *Resampler) Quality() Quality { return r.quality }

// Resample converts input samples to the output rate.
// input: interleaved samples at inputRate
// output: interleaved samples at outputRate
// Returns the number of samples written to output.
func (r *Resampler) Resample(input []float64, output []float64) int {
	r.pending = append(r.pending, input...)
	frames := len(r.pending) / r.channels
	outputFrames := len(output) / r.channels

	// frames needed past the integer read position
	lookahead := 1
	if r.quality == Cubic {
		lookahead = 2
	}

	outIdx := 0
	for outIdx < outputFrames {
		idx := int(r.position)
		if idx+lookahead >= frames {
			break
		}
		frac := r.position - float64(idx)

		for ch := 0; ch < r.channels; ch++ {
			y1 := r.pending[idx*r.channels+ch]
			y2 := r.pending[(idx+1)*r.channels+ch]
			var v float64
			if r.quality == Cubic {
				y0 := y1
				if idx > 0 {
					y0 = r.pending[(idx-1)*r.channels+ch]
				}
				y3 := r.pending[(idx+2)*r.channels+ch]
				v = CubicInterpolate(y0, y1, y2, y3, frac)
			} else {
				v = y1*(1.0-frac) + y2*frac
			}
			output[outIdx*r.channels+ch] = v
		}

		outIdx++
		r.position += r.ratio
	}

	// Drop consumed frames, keeping one frame of history for the cubic kernel
	drop := int(r.position) - 1
	if drop > frames {
		drop = frames
	}
	if drop > 0 {
		n := copy(r.pending, r.pending[drop*r.channels:])
		r.pending = r.pending[:n]
		r.position -= float64(drop)
	}

	return outIdx * r.channels
}

// Process resamples a whole block, returning a new block at the output rate
func (r *Resampler) Process(b audio.Block) audio.Block {
	out := make([]float64, r.OutputSamplesNeeded(len(b.Samples)+len(r.pending))+2*r.channels)
	n := r.Resample(b.Samples, out)
	return audio.Block{Samples: out[:n], SampleRate: r.outputRate, Channels: r.channels}
}

// Reset clears carried input and the read position
func (r *Resampler) Reset() {
	r.position = 0.0
	r.pending = r.pending[:0]
}

// OutputSamplesNeeded calculates how many output samples will be produced from input samples
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	inputFrames := inputSamples / r.channels
	outputFrames := int(float64(inputFrames) / r.ratio)
	return outputFrames * r.channels
}

// InputSamplesNeeded calculates how many input samples are needed to produce output samples
func (r *Resampler) InputSamplesNeeded(outputSamples int) int {
	outputFrames := outputSamples / r.channels
	inputFrames := int(float64(outputFrames) * r.ratio)
	return inputFrames * r.channels
}

// CubicInterpolate evaluates a Catmull-Rom spline between y1 and y2.
// x is the fractional position (0 <= x <= 1).
func CubicInterpolate(y0, y1, y2, y3, x float64) float64 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	a3 := y1

	return a0*x*x*x + a1*x*x + a2*x + a3
}
