// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Block, SampleFormat, OutputConfig and sample conversion functions
// Package audio provides the data model shared by the DSP chain and the output sinks.
//
// Upstream stages hand interleaved float64 samples around as a Block. Sinks describe
// their wire format with a SampleFormat and are opened with an OutputConfig.
//
// Conversion to the wire happens only at the sink boundary:
//
//	block := audio.NewBlock(samples, 48000, 2)
//	pcm := audio.ConvertFormat(block, audio.FormatS16LE, nil)
package audio
