// ABOUTME: DSP enhancement chain package
// ABOUTME: Ordered stateful sample processors run between the EQ stage and the sink
// Package dsp implements the enhancement chain that runs on float64 samples
// before they are handed to an output sink.
//
// Stages run in a fixed order: headroom, character (tube, tape, transformer),
// exciter, transient enhancer, dynamics (compressor, limiter, expander),
// spatial (stereo width, crossfeed, room ambience) and finally dither.
// Character and dynamics stages are mutually exclusive within their group.
//
//	chain := dsp.NewChain(48000, 2)
//	_ = chain.Apply(dsp.DefaultSettings())
//	chain.Process(samples)
package dsp
