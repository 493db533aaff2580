// ABOUTME: Output package documentation
// ABOUTME: Describes the sink contract and shared helpers
// Package output defines the contract every audio sink implements.
//
// A sink is opened with an audio.OutputConfig, accepts audio.Block writes
// that are converted to its on-wire format, and emits them from a single
// worker goroutine fed by a bounded Queue. Write blocks while the queue is
// full; Drain waits until the queue is idle; Close is idempotent.
//
// Concrete sinks live in subpackages: local, dlna, receiver and capture.
package output
