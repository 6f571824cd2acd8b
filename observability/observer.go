// Package observability defines metric observer interfaces for the relay
// client and the gateway backend.
//
// Core packages report events through these interfaces without depending on
// a metrics backend; the Prometheus implementation lives in the prom
// subpackage, and the no-op observers keep the hot path allocation-free when
// metrics are disabled.
package observability

import "time"

type ConnectResult string

const (
	ConnectResultOK   ConnectResult = "ok"
	ConnectResultFail ConnectResult = "fail"
)

type ConnectReason string

const (
	ConnectReasonOK           ConnectReason = "ok"
	ConnectReasonInvalidHash  ConnectReason = "invalid_hash"
	ConnectReasonPathTimeout  ConnectReason = "path_timeout"
	ConnectReasonRecallFailed ConnectReason = "recall_failed"
	ConnectReasonHashMismatch ConnectReason = "hash_mismatch"
	ConnectReasonLinkTimeout  ConnectReason = "link_timeout"
	ConnectReasonHelloTimeout ConnectReason = "hello_timeout"
	ConnectReasonCanceled     ConnectReason = "canceled"
)

type DropReason string

const (
	DropReasonMalformed   DropReason = "malformed"
	DropReasonBadVersion  DropReason = "bad_version"
	DropReasonBadField    DropReason = "bad_field"
	DropReasonUnknownType DropReason = "unknown_type"
	DropReasonOversize    DropReason = "oversize"
)

type ResourceResult string

const (
	ResourceResultDelivered      ResourceResult = "delivered"
	ResourceResultUnexpected     ResourceResult = "unexpected"
	ResourceResultDigestMismatch ResourceResult = "digest_mismatch"
	ResourceResultDecodeError    ResourceResult = "decode_error"
	ResourceResultDiscarded      ResourceResult = "discarded"
	ResourceResultFailed         ResourceResult = "failed"
)

// ClientObserver receives relay-client metric events.
type ClientObserver interface {
	Connect(result ConnectResult, reason ConnectReason)
	ConnectLatency(d time.Duration)
	LinkUp(up bool)
	EnvelopeIn(envelopeType string)
	EnvelopeOut(envelopeType string)
	EnvelopeDrop(reason DropReason)
	ResourceConcluded(result ResourceResult)
}

type CommandResult string

const (
	CommandResultOK          CommandResult = "ok"
	CommandResultError       CommandResult = "error"
	CommandResultRateLimited CommandResult = "rate_limited"
)

// BackendObserver receives gateway backend metric events.
type BackendObserver interface {
	Sessions(n int)
	Command(name string, result CommandResult)
	EventOut(name string)
	Rooms(n int)
	HubsKnown(n int)
	PingLatency(d time.Duration)
}

type noopClientObserver struct{}

func (noopClientObserver) Connect(ConnectResult, ConnectReason) {}
func (noopClientObserver) ConnectLatency(time.Duration)         {}
func (noopClientObserver) LinkUp(bool)                          {}
func (noopClientObserver) EnvelopeIn(string)                    {}
func (noopClientObserver) EnvelopeOut(string)                   {}
func (noopClientObserver) EnvelopeDrop(DropReason)              {}
func (noopClientObserver) ResourceConcluded(ResourceResult)     {}

type noopBackendObserver struct{}

func (noopBackendObserver) Sessions(int)                  {}
func (noopBackendObserver) Command(string, CommandResult) {}
func (noopBackendObserver) EventOut(string)               {}
func (noopBackendObserver) Rooms(int)                     {}
func (noopBackendObserver) HubsKnown(int)                 {}
func (noopBackendObserver) PingLatency(time.Duration)     {}

// NoopClientObserver is a zero-cost observer used when metrics are disabled.
var NoopClientObserver ClientObserver = noopClientObserver{}

// NoopBackendObserver is a zero-cost observer used when metrics are disabled.
var NoopBackendObserver BackendObserver = noopBackendObserver{}
