// ABOUTME: Dynamics processors: exciter, transient enhancer, compressor, limiter, expander
// ABOUTME: Compressor, limiter and expander form exclusive group B
package dsp

import "math"

const levelFloor = 1e-20

// Exciter adds tanh-shaped high-pass content back onto the signal
type Exciter struct {
	toggle
	amount   float64
	coeff    float64
	channels int
	hp       []float64
	prev     []float64
}

const exciterCutoffHz = 3000.0

func NewExciter(sampleRate, channels int) *Exciter {
	rc := 1 / (2 * math.Pi * exciterCutoffHz)
	dt := 1 / float64(sampleRate)
	return &Exciter{
		amount:   0.2,
		coeff:    rc / (rc + dt),
		channels: channels,
		hp:       make([]float64, channels),
		prev:     make([]float64, channels),
	}
}

func (s *Exciter) Name() string             { return StageExciter }
func (s *Exciter) SetAmount(amount float64) { s.amount = amount }

func (s *Exciter) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	for i, x := range buf {
		ch := i % s.channels
		s.hp[ch] = s.coeff * (s.hp[ch] + x - s.prev[ch])
		s.prev[ch] = x
		buf[i] = x + s.amount*math.Tanh(2*s.hp[ch])
	}
}

func (s *Exciter) Reset() {
	for i := range s.hp {
		s.hp[i] = 0
		s.prev[i] = 0
	}
}

// TransientEnhancer boosts samples that rise above a fast-attack envelope
type TransientEnhancer struct {
	toggle
	amount   float64
	channels int
	env      []float64
}

const (
	transientAttack  = 0.1
	transientRelease = 0.9995
)

func NewTransientEnhancer(channels int) *TransientEnhancer {
	return &TransientEnhancer{amount: 0.5, channels: channels, env: make([]float64, channels)}
}

func (s *TransientEnhancer) Name() string             { return StageTransient }
func (s *TransientEnhancer) SetAmount(amount float64) { s.amount = amount }

func (s *TransientEnhancer) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	for i, x := range buf {
		ch := i % s.channels
		a := math.Abs(x)
		delta := a - s.env[ch]
		coeff := transientRelease
		if a > s.env[ch] {
			coeff = transientAttack
		}
		s.env[ch] = coeff*s.env[ch] + (1-coeff)*a
		if delta > 0 {
			buf[i] = x * (1 + s.amount*math.Min(delta, 0.5))
		}
	}
}

func (s *TransientEnhancer) Reset() {
	for i := range s.env {
		s.env[i] = 0
	}
}

// rmsEnvelope is a linked mean-square follower with asymmetric coefficients
type rmsEnvelope struct {
	attack  float64
	release float64
	value   float64
}

func (e *rmsEnvelope) update(frame []float64) float64 {
	var ms float64
	for _, x := range frame {
		ms += x * x
	}
	ms /= float64(len(frame))
	coeff := e.release
	if ms > e.value {
		coeff = e.attack
	}
	e.value = coeff*e.value + (1-coeff)*ms
	return 10 * math.Log10(e.value+levelFloor)
}

// Compressor is a soft-knee RMS compressor, stereo linked
type Compressor struct {
	toggle
	thresholdDB float64
	ratio       float64
	kneeDB      float64
	makeupDB    float64
	channels    int
	env         rmsEnvelope
}

func NewCompressor(channels int) *Compressor {
	return &Compressor{
		thresholdDB: -18,
		ratio:       4,
		kneeDB:      6,
		channels:    channels,
		env:         rmsEnvelope{attack: 0.95, release: 0.9999},
	}
}

func (s *Compressor) Name() string { return StageCompressor }

// SetParams sets threshold (dB), ratio (>= 1), knee width (dB) and makeup gain (dB)
func (s *Compressor) SetParams(thresholdDB, ratio, kneeDB, makeupDB float64) {
	s.thresholdDB = thresholdDB
	s.ratio = math.Max(ratio, 1)
	s.kneeDB = math.Max(kneeDB, 0)
	s.makeupDB = makeupDB
}

// GainReductionDB returns the static curve gain reduction for a level
func (s *Compressor) GainReductionDB(levelDB float64) float64 {
	over := levelDB - s.thresholdDB
	slope := 1 - 1/s.ratio
	switch {
	case s.kneeDB > 0 && 2*over < -s.kneeDB:
		return 0
	case s.kneeDB > 0 && 2*math.Abs(over) <= s.kneeDB:
		x := over + s.kneeDB/2
		return -slope * x * x / (2 * s.kneeDB)
	case over > 0:
		return -over * slope
	}
	return 0
}

func (s *Compressor) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	for f := 0; f+s.channels <= len(buf); f += s.channels {
		frame := buf[f : f+s.channels]
		level := s.env.update(frame)
		g := dbToGain(s.GainReductionDB(level) + s.makeupDB)
		for ch := range frame {
			frame[ch] *= g
		}
	}
}

func (s *Compressor) Reset() { s.env.value = 0 }

// Limiter is a look-ahead peak limiter with instantaneous attack
type Limiter struct {
	toggle
	threshold float64
	ceiling   float64
	channels  int
	delay     []float64
	pos       int
	gain      float64
	hold      int
}

const (
	// LimiterLookahead is the look-ahead window in frames
	LimiterLookahead = 48
	limiterRelease   = 0.9995
)

func NewLimiter(channels int) *Limiter {
	return &Limiter{
		threshold: 0.95,
		ceiling:   1.0,
		channels:  channels,
		delay:     make([]float64, LimiterLookahead*channels),
		gain:      1,
	}
}

func (s *Limiter) Name() string { return StageLimiter }

// SetParams sets the linear threshold and output ceiling
func (s *Limiter) SetParams(threshold, ceiling float64) {
	s.threshold = threshold
	s.ceiling = ceiling
}

func (s *Limiter) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	for f := 0; f+s.channels <= len(buf); f += s.channels {
		frame := buf[f : f+s.channels]

		var peak float64
		for _, x := range frame {
			if a := math.Abs(x); a > peak {
				peak = a
			}
		}
		target := 1.0
		if peak > s.threshold {
			target = s.threshold / peak
		}
		switch {
		case target < s.gain:
			s.gain = target
			s.hold = LimiterLookahead
		case s.hold > 0:
			s.hold--
		default:
			s.gain = limiterRelease*s.gain + (1-limiterRelease)*target
		}

		slot := s.delay[s.pos*s.channels : (s.pos+1)*s.channels]
		for ch, x := range frame {
			delayed := slot[ch]
			slot[ch] = x
			frame[ch] = clamp(delayed*s.gain, -s.ceiling, s.ceiling)
		}
		s.pos = (s.pos + 1) % LimiterLookahead
	}
}

func (s *Limiter) Reset() {
	for i := range s.delay {
		s.delay[i] = 0
	}
	s.pos = 0
	s.gain = 1
	s.hold = 0
}

// Expander attenuates signal below the threshold by
// (threshold - level) * (ratio - 1) dB. Once closed, the gate reopens
// only 3 dB above the threshold.
type Expander struct {
	toggle
	thresholdDB float64
	ratio       float64
	channels    int
	env         rmsEnvelope
	open        bool
}

const (
	expanderHysteresisDB = 3.0
	expanderFloorDB      = -80.0
)

func NewExpander(channels int) *Expander {
	return &Expander{
		thresholdDB: -50,
		ratio:       2,
		channels:    channels,
		env:         rmsEnvelope{attack: 0.95, release: 0.9999},
	}
}

func (s *Expander) Name() string { return StageExpander }

// SetParams sets the close threshold (dB) and expansion ratio (>= 1)
func (s *Expander) SetParams(thresholdDB, ratio float64) {
	s.thresholdDB = thresholdDB
	s.ratio = math.Max(ratio, 1)
}

func (s *Expander) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	for f := 0; f+s.channels <= len(buf); f += s.channels {
		frame := buf[f : f+s.channels]
		level := s.env.update(frame)

		if s.open && level < s.thresholdDB {
			s.open = false
		} else if !s.open && level > s.thresholdDB+expanderHysteresisDB {
			s.open = true
		}
		if s.open || level >= s.thresholdDB {
			continue
		}
		// closed and below the threshold: expand downwards
		g := dbToGain(math.Max((level-s.thresholdDB)*(s.ratio-1), expanderFloorDB))
		for ch := range frame {
			frame[ch] *= g
		}
	}
}

func (s *Expander) Reset() {
	s.env.value = 0
	s.open = false
}
