// ABOUTME: Error values shared by sinks and the output manager
// ABOUTME: Sentinels for contract violations plus a typed open failure
package output

import (
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

var (
	ErrNotOpen            = errors.New("sink not open")
	ErrAlreadyOpen        = errors.New("sink already open")
	ErrFormatMismatch     = errors.New("block format does not match sink config")
	ErrNoActiveSink       = errors.New("no active sink")
	ErrUnknownSink        = errors.New("unknown sink")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrNotSupported       = errors.New("operation not supported by sink")
)

// OpenFailedError reports why a sink could not be opened
type OpenFailedError struct {
	Sink   string
	Reason string
	Err    error
}

func (e *OpenFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("open %s failed: %s: %v", e.Sink, e.Reason, e.Err)
	}
	return fmt.Sprintf("open %s failed: %s", e.Sink, e.Reason)
}

func (e *OpenFailedError) Unwrap() error { return e.Err }

// OpenFailed builds an *OpenFailedError
func OpenFailed(sink, reason string, err error) error {
	return &OpenFailedError{Sink: sink, Reason: reason, Err: err}
}

// CheckBlock verifies a block against an open config
func CheckBlock(cfg audio.OutputConfig, b audio.Block) error {
	if !b.IsValid() {
		return fmt.Errorf("%w: %d samples not a multiple of %d channels",
			ErrFormatMismatch, len(b.Samples), b.Channels)
	}
	if b.SampleRate != cfg.SampleRate || b.Channels != cfg.Channels {
		return fmt.Errorf("%w: block %dHz/%dch, sink %dHz/%dch",
			ErrFormatMismatch, b.SampleRate, b.Channels, cfg.SampleRate, cfg.Channels)
	}
	return nil
}
