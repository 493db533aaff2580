// ABOUTME: Maps manager and sink errors to HTTP status codes
// ABOUTME: Receiver volume errors (E6xx) become client errors
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/Resonate-Protocol/resonate-eq/internal/manager"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/dsp"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/receiver"
)

// StatusFor picks the response status for err
func StatusFor(err error) int {
	var rerr *receiver.Error
	if errors.As(err, &rerr) {
		switch rerr.Code {
		case receiver.CodeVolumeOutOfRange:
			return http.StatusBadRequest
		case receiver.CodeVolumeUnsupported, receiver.CodeVolumeCurveUnsupported:
			return http.StatusConflict
		}
	}

	switch {
	case errors.Is(err, output.ErrUnknownSink):
		return http.StatusNotFound
	case errors.Is(err, output.ErrCapabilityMismatch),
		errors.Is(err, output.ErrFormatMismatch),
		errors.Is(err, dsp.ErrExclusiveStages):
		return http.StatusBadRequest
	case errors.Is(err, output.ErrNoActiveSink),
		errors.Is(err, output.ErrNotOpen),
		errors.Is(err, output.ErrAlreadyOpen):
		return http.StatusConflict
	case errors.Is(err, output.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	}

	var openErr *output.OpenFailedError
	if errors.As(err, &openErr) || rerr != nil {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
