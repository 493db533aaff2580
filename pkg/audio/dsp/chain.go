// ABOUTME: Fixed-order DSP enhancement chain
// ABOUTME: Owns every stage, enforces group exclusion and sanitizes invalid input
package dsp

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Stage names, in chain order
const (
	StageHeadroom       = "headroom"
	StageTubeWarmth     = "tube_warmth"
	StageTapeSaturation = "tape_saturation"
	StageTransformer    = "transformer"
	StageExciter        = "exciter"
	StageTransient      = "transient_enhancer"
	StageCompressor     = "compressor"
	StageLimiter        = "limiter"
	StageExpander       = "expander"
	StageStereoWidth    = "stereo_width"
	StageCrossfeed      = "crossfeed"
	StageRoomAmbience   = "room_ambience"
	StageDither         = "dither"
)

// Chain runs the enhancement stages in their fixed order
type Chain struct {
	mu         sync.Mutex
	sampleRate int
	channels   int

	headroom    *Headroom
	tube        *TubeWarmth
	tape        *TapeSaturation
	transformer *Transformer
	exciter     *Exciter
	transient   *TransientEnhancer
	compressor  *Compressor
	limiter     *Limiter
	expander    *Expander
	width       *StereoWidth
	crossfeed   *Crossfeed
	ambience    *RoomAmbience
	dither      *Dither

	stages    []Stage
	character *exclusiveGroup
	dynamics  *exclusiveGroup

	invalid atomic.Uint64
}

// NewChain builds a chain for the given stream shape. All delay lines
// are allocated here. Only the headroom stage starts enabled.
func NewChain(sampleRate, channels int) *Chain {
	if channels <= 0 {
		channels = 2
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	c := &Chain{
		sampleRate:  sampleRate,
		channels:    channels,
		headroom:    NewHeadroom(-3, true),
		tube:        NewTubeWarmth(),
		tape:        NewTapeSaturation(channels),
		transformer: NewTransformer(),
		exciter:     NewExciter(sampleRate, channels),
		transient:   NewTransientEnhancer(channels),
		compressor:  NewCompressor(channels),
		limiter:     NewLimiter(channels),
		expander:    NewExpander(channels),
		width:       NewStereoWidth(channels),
		crossfeed:   NewCrossfeed(channels),
		ambience:    NewRoomAmbience(sampleRate, channels),
		dither:      NewDither(channels),
	}
	c.character = newExclusiveGroup("character", &c.tube.toggle, &c.tape.toggle, &c.transformer.toggle)
	c.dynamics = newExclusiveGroup("dynamics", &c.compressor.toggle, &c.limiter.toggle, &c.expander.toggle)
	c.stages = []Stage{
		c.headroom,
		c.tube, c.tape, c.transformer,
		c.exciter,
		c.transient,
		c.compressor, c.limiter, c.expander,
		c.width, c.crossfeed, c.ambience,
		c.dither,
	}
	return c
}

// SampleRate returns the rate the chain was built for
func (c *Chain) SampleRate() int { return c.sampleRate }

// Channels returns the channel count the chain was built for
func (c *Chain) Channels() int { return c.channels }

// Stages returns the stages in processing order
func (c *Chain) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Stage looks a stage up by name
func (c *Chain) Stage(name string) (Stage, bool) {
	for _, s := range c.stages {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Headroom returns the prelude stage
func (c *Chain) Headroom() *Headroom { return c.headroom }

// SetEnabled toggles a stage by name. Enabling a grouped stage disables
// the rest of its group.
func (c *Chain) SetEnabled(name string, on bool) error {
	s, ok := c.Stage(name)
	if !ok {
		return fmt.Errorf("unknown stage: %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s.SetEnabled(on)
	return nil
}

// Process runs every enabled stage over buf in place. NaN and ±Inf
// samples are replaced by silence and counted.
func (c *Chain) Process(buf []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var invalid uint64
	for i, x := range buf {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			buf[i] = 0
			invalid++
		}
	}
	if invalid > 0 {
		c.invalid.Add(invalid)
	}

	for _, s := range c.stages {
		if s.Enabled() {
			s.Process(buf)
		}
	}
}

// Reset clears the state of every stage
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stages {
		s.Reset()
	}
}

// ClipCount returns the headroom stage clip counter
func (c *Chain) ClipCount() uint64 { return c.headroom.ClipCount() }

// InvalidSamples returns how many NaN/Inf samples were replaced by silence
func (c *Chain) InvalidSamples() uint64 { return c.invalid.Load() }

// SetEQPeakGain forwards the upstream EQ peak boost to the headroom stage
func (c *Chain) SetEQPeakGain(db float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headroom.SetEQPeakGain(db)
}

// Apply configures every stage from s. Group members are disabled first
// so that a valid settings record can never trip the exclusion rule.
func (c *Chain) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dither.Configure(s.DitherMode, s.NoiseShaping, s.DitherBitDepth); err != nil {
		return err
	}

	c.headroom.SetGainDB(s.HeadroomDB)
	c.headroom.SetClipDetection(s.ClipDetection)
	c.headroom.SetAutoCompensate(s.AutoCompensate)

	c.tube.SetDrive(s.TubeDrive)
	c.tape.SetDrive(s.TapeDrive)
	c.transformer.SetDrive(s.TransformerDrive)
	c.exciter.SetAmount(s.ExciterAmount)
	c.transient.SetAmount(s.TransientAmount)
	c.compressor.SetParams(s.CompressorThresholdDB, s.CompressorRatio, s.CompressorKneeDB, s.CompressorMakeupDB)
	c.limiter.SetParams(s.LimiterThreshold, s.LimiterCeiling)
	c.expander.SetParams(s.ExpanderThresholdDB, s.ExpanderRatio)
	c.width.SetWidth(s.StereoWidth)
	c.crossfeed.SetMix(s.CrossfeedMix)
	c.ambience.SetMix(s.AmbienceMix)

	for _, st := range []Stage{c.tube, c.tape, c.transformer, c.compressor, c.limiter, c.expander} {
		st.SetEnabled(false)
	}
	flags := []struct {
		stage Stage
		on    bool
	}{
		{c.tube, s.TubeEnabled},
		{c.tape, s.TapeEnabled},
		{c.transformer, s.TransformerEnabled},
		{c.exciter, s.ExciterEnabled},
		{c.transient, s.TransientEnabled},
		{c.compressor, s.CompressorEnabled},
		{c.limiter, s.LimiterEnabled},
		{c.expander, s.ExpanderEnabled},
		{c.width, s.StereoWidthEnabled},
		{c.crossfeed, s.CrossfeedEnabled},
		{c.ambience, s.AmbienceEnabled},
		{c.dither, s.DitherEnabled},
	}
	for _, f := range flags {
		f.stage.SetEnabled(f.on)
	}
	return nil
}

// EnabledStages lists the names of enabled stages in order
func (c *Chain) EnabledStages() []string {
	var names []string
	for _, s := range c.stages {
		if s.Enabled() {
			names = append(names, s.Name())
		}
	}
	return names
}
