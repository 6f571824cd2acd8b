package rrcerrors

import (
	"context"
	"errors"

	"github.com/kc1awv/rrc-web/wire"
)

// CodeOf extracts the stable code from err, classifying well-known causes
// (context errors, wire sentinels) when err is not already an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ClassifyCode(err, CodeTransport)
}

// ClassifyCode maps an error to a stable Code, using fallback when no
// specific cause is recognizable.
func ClassifyCode(err error, fallback Code) Code {
	switch {
	case err == nil:
		return fallback
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, wire.ErrBadVersion):
		return CodeBadVersion
	case errors.Is(err, wire.ErrBadField):
		return CodeBadField
	case errors.Is(err, wire.ErrTooLarge):
		return CodeMalformed
	case errors.Is(err, wire.ErrMalformed):
		return CodeMalformed
	default:
		return fallback
	}
}
