// ABOUTME: Character-tone shapers (tube warmth, tape saturation, transformer)
// ABOUTME: Members of exclusive group A; only one may be enabled at a time
package dsp

import "math"

// TubeWarmth applies y = x / (1 + k|x|)
type TubeWarmth struct {
	toggle
	drive float64
}

func NewTubeWarmth() *TubeWarmth {
	return &TubeWarmth{drive: 0.5}
}

func (s *TubeWarmth) Name() string           { return StageTubeWarmth }
func (s *TubeWarmth) SetDrive(drive float64) { s.drive = drive }

func (s *TubeWarmth) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	k := s.drive
	for i, x := range buf {
		buf[i] = x / (1 + k*math.Abs(x))
	}
}

func (s *TubeWarmth) Reset() {}

// TapeSaturation tracks a slow DC bias per channel and applies
// y = tanh(k(x - 0.1*bias)) / k, which tends to x - 0.1*bias as k -> 0
type TapeSaturation struct {
	toggle
	drive    float64
	channels int
	bias     []float64
}

const (
	tapeBiasAlpha = 0.9995
	tapeMinDrive  = 1e-6
)

func NewTapeSaturation(channels int) *TapeSaturation {
	return &TapeSaturation{drive: 1.5, channels: channels, bias: make([]float64, channels)}
}

func (s *TapeSaturation) Name() string           { return StageTapeSaturation }
func (s *TapeSaturation) SetDrive(drive float64) { s.drive = drive }

func (s *TapeSaturation) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	k := s.drive
	for i, x := range buf {
		ch := i % s.channels
		s.bias[ch] = tapeBiasAlpha*s.bias[ch] + (1-tapeBiasAlpha)*x
		u := x - 0.1*s.bias[ch]
		if math.Abs(k) < tapeMinDrive {
			buf[i] = u
			continue
		}
		buf[i] = math.Tanh(k*u) / k
	}
}

func (s *TapeSaturation) Reset() {
	for i := range s.bias {
		s.bias[i] = 0
	}
}

// Transformer adds asymmetric second and third harmonics:
// y = clip(x + kx² + (k/2)x³, ±1.2) * 0.9
type Transformer struct {
	toggle
	drive float64
}

func NewTransformer() *Transformer {
	return &Transformer{drive: 0.4}
}

func (s *Transformer) Name() string           { return StageTransformer }
func (s *Transformer) SetDrive(drive float64) { s.drive = drive }

func (s *Transformer) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	k := s.drive
	for i, x := range buf {
		y := x + k*x*x + (k/2)*x*x*x
		buf[i] = clamp(y, -1.2, 1.2) * 0.9
	}
}

func (s *Transformer) Reset() {}
