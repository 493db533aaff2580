// ABOUTME: Audio resampling package using linear or cubic interpolation
// ABOUTME: Converts audio between different sample rates
// Package resample provides audio sample rate conversion.
//
// Linear interpolation is cheap; cubic uses a Catmull-Rom spline.
// Handles both upsampling and downsampling and carries state across calls.
//
// Example:
//
//	r := resample.New(44100, 48000, 2, resample.Cubic)
//	n := r.Resample(inputSamples, outputSamples)
package resample
