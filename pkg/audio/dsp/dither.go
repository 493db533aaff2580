// ABOUTME: Dither and noise-shaping stage run after the enhancement chain
// ABOUTME: Quantizes to the target bit depth with TPDF/RPDF noise and error feedback
package dsp

import (
	"fmt"
	"math"
)

// DitherMode selects the dither noise distribution
type DitherMode string

const (
	DitherTPDF DitherMode = "tpdf"
	DitherRPDF DitherMode = "rpdf"
)

// NoiseShaping selects the quantization error feedback filter
type NoiseShaping string

const (
	NoiseShapingNone   NoiseShaping = "none"
	NoiseShapingFirst  NoiseShaping = "first_order"
	NoiseShapingSecond NoiseShaping = "second_order"
)

const ditherSeed = 0x9E3779B97F4A7C15

// Dither quantizes samples to a target bit depth
type Dither struct {
	toggle
	mode     DitherMode
	shaping  NoiseShaping
	bits     int
	lsb      float64
	channels int
	err1     []float64
	err2     []float64
	rng      uint64
}

func NewDither(channels int) *Dither {
	d := &Dither{
		mode:     DitherTPDF,
		shaping:  NoiseShapingNone,
		channels: channels,
		err1:     make([]float64, channels),
		err2:     make([]float64, channels),
		rng:      ditherSeed,
	}
	d.setBits(16)
	return d
}

func (d *Dither) Name() string { return StageDither }

// Configure sets mode, noise shaping and the target bit depth (8..24)
func (d *Dither) Configure(mode DitherMode, shaping NoiseShaping, bits int) error {
	switch mode {
	case DitherTPDF, DitherRPDF:
	default:
		return fmt.Errorf("unknown dither mode: %q", mode)
	}
	switch shaping {
	case NoiseShapingNone, NoiseShapingFirst, NoiseShapingSecond:
	default:
		return fmt.Errorf("unknown noise shaping: %q", shaping)
	}
	if bits < 8 || bits > 24 {
		return fmt.Errorf("unsupported dither bit depth: %d", bits)
	}
	d.mode = mode
	d.shaping = shaping
	d.setBits(bits)
	return nil
}

func (d *Dither) setBits(bits int) {
	d.bits = bits
	d.lsb = 1 / math.Exp2(float64(bits-1))
}

// next returns a uniform value in [0, 1) from a xorshift64* generator
func (d *Dither) next() float64 {
	d.rng ^= d.rng >> 12
	d.rng ^= d.rng << 25
	d.rng ^= d.rng >> 27
	return float64((d.rng*2685821657736338717)>>11) / (1 << 53)
}

func (d *Dither) noise() float64 {
	if d.mode == DitherRPDF {
		return (d.next() - 0.5) * d.lsb
	}
	return (d.next() - d.next()) * d.lsb
}

func (d *Dither) Process(buf []float64) {
	if !d.Enabled() {
		return
	}
	for i, x := range buf {
		ch := i % d.channels
		in := x
		switch d.shaping {
		case NoiseShapingFirst:
			in -= d.err1[ch]
		case NoiseShapingSecond:
			in -= 2*d.err1[ch] - d.err2[ch]
		}
		out := math.Round((in+d.noise())/d.lsb) * d.lsb
		out = clamp(out, -1, 1)
		d.err2[ch] = d.err1[ch]
		d.err1[ch] = out - in
		buf[i] = out
	}
}

func (d *Dither) Reset() {
	for i := range d.err1 {
		d.err1[i] = 0
		d.err2[i] = 0
	}
	d.rng = ditherSeed
}
