// ABOUTME: Receiver error catalogue (E1xx-E6xx) with severities
// ABOUTME: Typed *Error values matched by code through errors.Is
package receiver

import (
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/resonate-eq/pkg/protocol"
)

// Severity grades an error; only Fatal leaves the session in Error
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Code is a stable catalogue identifier such as "E201"
type Code string

// Connection
const (
	CodeConnectionFailed Code = "E101"
	CodeConnectionLost   Code = "E102"
	CodeTimeout          Code = "E103"
)

// Protocol
const (
	CodeVersionMismatch    Code = "E201"
	CodeInvalidSessionInit Code = "E202"
	CodeUnexpectedMessage  Code = "E203"
	CodeUnsupportedFeature Code = "E204"
	CodeSSRCConflict       Code = "E205"
)

// Audio
const (
	CodeBufferUnderrun        Code = "E301"
	CodeBufferOverrun         Code = "E302"
	CodeUnsupportedFormat     Code = "E303"
	CodePacketLoss            Code = "E304"
	CodeDecodeFailed          Code = "E305"
	CodeCrcVerificationFailed Code = "E306"
)

// Clock
const (
	CodeDriftTooHigh           Code = "E401"
	CodePllUnlock              Code = "E402"
	CodeClockSourceUnavailable Code = "E403"
)

// DSP
const (
	CodeProfileHashMismatch Code = "E501"
	CodeDspStageFailed      Code = "E502"
	CodeDspTransferRejected Code = "E503"
)

// Volume
const (
	CodeVolumeUnsupported      Code = "E601"
	CodeVolumeOutOfRange       Code = "E602"
	CodeVolumeCurveUnsupported Code = "E603"
)

type catalogueEntry struct {
	name     string
	severity Severity
}

var catalogue = map[Code]catalogueEntry{
	CodeConnectionFailed: {"ConnectionFailed", SeverityError},
	CodeConnectionLost:   {"ConnectionLost", SeverityError},
	CodeTimeout:          {"Timeout", SeverityWarning},

	CodeVersionMismatch:    {"VersionMismatch", SeverityFatal},
	CodeInvalidSessionInit: {"InvalidSessionInit", SeverityFatal},
	CodeUnexpectedMessage:  {"UnexpectedMessage", SeverityError},
	CodeUnsupportedFeature: {"UnsupportedFeature", SeverityWarning},
	CodeSSRCConflict:       {"SsrcConflict", SeverityWarning},

	CodeBufferUnderrun:        {"BufferUnderrun", SeverityWarning},
	CodeBufferOverrun:         {"BufferOverrun", SeverityWarning},
	CodeUnsupportedFormat:     {"UnsupportedFormat", SeverityError},
	CodePacketLoss:            {"PacketLoss", SeverityWarning},
	CodeDecodeFailed:          {"DecodeFailed", SeverityError},
	CodeCrcVerificationFailed: {"CrcVerificationFailed", SeverityWarning},

	CodeDriftTooHigh:           {"DriftTooHigh", SeverityWarning},
	CodePllUnlock:              {"PllUnlock", SeverityWarning},
	CodeClockSourceUnavailable: {"ClockSourceUnavailable", SeverityError},

	CodeProfileHashMismatch: {"ProfileHashMismatch", SeverityFatal},
	CodeDspStageFailed:      {"DspStageFailed", SeverityWarning},
	CodeDspTransferRejected: {"DspTransferRejected", SeverityInfo},

	CodeVolumeUnsupported:      {"VolumeUnsupported", SeverityWarning},
	CodeVolumeOutOfRange:       {"VolumeOutOfRange", SeverityWarning},
	CodeVolumeCurveUnsupported: {"VolumeCurveUnsupported", SeverityWarning},
}

// Name returns the catalogue name, or the code itself when unknown
func (c Code) Name() string {
	if e, ok := catalogue[c]; ok {
		return e.name
	}
	return string(c)
}

// Severity returns the catalogue severity; unknown codes are errors
func (c Code) Severity() Severity {
	if e, ok := catalogue[c]; ok {
		return e.severity
	}
	return SeverityError
}

// Known reports whether c is in the catalogue
func (c Code) Known() bool {
	_, ok := catalogue[c]
	return ok
}

// Error is a catalogued receiver error
type Error struct {
	Code     Code
	Severity Severity
	Message  string
	Err      error
}

// NewError builds an error with the catalogue severity for code
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Severity: code.Severity(), Message: message}
}

func wrapError(code Code, err error) *Error {
	e := NewError(code, err.Error())
	e.Err = err
	return e
}

// fatal escalates an error to Fatal severity
func fatal(e *Error) *Error {
	e.Severity = SeverityFatal
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s (%s)", e.Code, e.Code.Name(), e.Severity)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Code, e.Code.Name(), e.Severity, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Fatal reports whether the error ends the session
func (e *Error) Fatal() bool { return e.Severity == SeverityFatal }

// Sentinels for errors.Is
var (
	ErrConnectionFailed      = NewError(CodeConnectionFailed, "")
	ErrVersionMismatch       = NewError(CodeVersionMismatch, "")
	ErrInvalidSessionInit    = NewError(CodeInvalidSessionInit, "")
	ErrUnsupportedFeature    = NewError(CodeUnsupportedFeature, "")
	ErrSSRCConflict          = NewError(CodeSSRCConflict, "")
	ErrCrcVerificationFailed = NewError(CodeCrcVerificationFailed, "")
	ErrDriftTooHigh          = NewError(CodeDriftTooHigh, "")
	ErrPllUnlock             = NewError(CodePllUnlock, "")
	ErrProfileHashMismatch   = NewError(CodeProfileHashMismatch, "")
	ErrVolumeUnsupported     = NewError(CodeVolumeUnsupported, "")
	ErrVolumeOutOfRange      = NewError(CodeVolumeOutOfRange, "")
)

// fromRemote converts a receiver error payload into a catalogued error
func fromRemote(p protocol.ErrorPayload) *Error {
	code := Code(p.Code)
	msg := p.Message
	if p.Feature != "" {
		msg = fmt.Sprintf("%s (feature %s)", msg, p.Feature)
	}
	return NewError(code, msg)
}

// Recoverable reports whether code triggers a resync given the active
// features. Clock errors need MicroPll; CRC failures need CrcVerify.
func Recoverable(code Code, active Features) bool {
	switch code {
	case CodeDriftTooHigh, CodePllUnlock:
		return active.Has(FeatureMicroPll)
	case CodeCrcVerificationFailed:
		return active.Has(FeatureCrcVerify)
	}
	return false
}
