package rrcerrors

import "fmt"

// Kind groups codes by how callers should react: validation failures are
// silent drops on inbound paths and UI errors on outbound ones, lifecycle
// and capacity failures are user-visible, integrity failures discard data.
type Kind string

const (
	KindValidation Kind = "validation"
	KindLifecycle  Kind = "lifecycle"
	KindCapacity   Kind = "capacity"
	KindIntegrity  Kind = "integrity"
	KindTransport  Kind = "transport"
)

// Stage identifies which step of the gateway stack failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StagePathWait Stage = "path_wait"
	StageRecall   Stage = "recall"
	StageLink     Stage = "link"
	StageIdentify Stage = "identify"
	StageHello    Stage = "hello"
	StageSend     Stage = "send"
	StageResource Stage = "resource"
	StageAnnounce Stage = "announce"
	StageCommand  Stage = "command"
	StageStore    Stage = "store"
	StageClose    Stage = "close"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	// Validation.
	CodeMalformed   Code = "malformed"
	CodeBadVersion  Code = "bad_version"
	CodeBadField    Code = "bad_field"
	CodeInvalidRoom Code = "invalid_room"
	CodeInvalidNick Code = "invalid_nick"
	CodeInvalidHash Code = "invalid_hash"

	// Lifecycle.
	CodeNotConnected     Code = "not_connected"
	CodeAlreadyConnected Code = "already_connected"
	CodeHashMismatch     Code = "hash_mismatch"
	CodeTimeout          Code = "timeout"
	CodeCanceled         Code = "canceled"

	// Capacity.
	CodeRoomLimit        Code = "room_limit"
	CodeRateLimited      Code = "rate_limited"
	CodeMsgTooLarge      Code = "msg_too_large"
	CodeResourceRejected Code = "resource_rejected"

	// Integrity.
	CodeSHA256Mismatch Code = "sha256_mismatch"
	CodeUnicodeDecode  Code = "unicode_decode"

	// Transport.
	CodeTransport Code = "transport"
)

// kinds maps every code to its kind. Codes missing here classify as
// transport, the safest user-visible default.
var kinds = map[Code]Kind{
	CodeMalformed:   KindValidation,
	CodeBadVersion:  KindValidation,
	CodeBadField:    KindValidation,
	CodeInvalidRoom: KindValidation,
	CodeInvalidNick: KindValidation,
	CodeInvalidHash: KindValidation,

	CodeNotConnected:     KindLifecycle,
	CodeAlreadyConnected: KindLifecycle,
	CodeHashMismatch:     KindLifecycle,
	CodeTimeout:          KindLifecycle,
	CodeCanceled:         KindLifecycle,

	CodeRoomLimit:        KindCapacity,
	CodeRateLimited:      KindCapacity,
	CodeMsgTooLarge:      KindCapacity,
	CodeResourceRejected: KindCapacity,

	CodeSHA256Mismatch: KindIntegrity,
	CodeUnicodeDecode:  KindIntegrity,

	CodeTransport: KindTransport,
}

// KindOf returns the kind a code belongs to.
func KindOf(c Code) Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return KindTransport
}

// Error is a structured, programmatically identifiable error for gateway
// operations.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the kind of the error's code.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindTransport
	}
	return KindOf(e.Code)
}

func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}
