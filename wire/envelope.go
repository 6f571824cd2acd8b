package wire

import (
	"crypto/rand"
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrMalformed marks input that is not an envelope map at all.
	ErrMalformed = errors.New("malformed envelope")
	// ErrBadVersion marks envelopes from an incompatible protocol version.
	ErrBadVersion = errors.New("unsupported protocol version")
	// ErrBadField marks envelopes whose fields violate the schema.
	ErrBadField = errors.New("invalid envelope field")
	// ErrTooLarge marks encoded envelopes over the decode cap.
	ErrTooLarge = errors.New("envelope too large")
)

// Envelope is one RRC protocol message. Room, Body and Nick are optional;
// the zero value ("" or nil) means the field is absent on the wire.
type Envelope struct {
	Version   uint64
	Type      uint64
	ID        []byte
	Timestamp uint64 // milliseconds since the Unix epoch
	Source    []byte // sender identity hash, 16 or 32 bytes
	Room      string
	Body      any
	Nick      string
}

// New builds an outbound envelope of the given type with a fresh random id,
// the current timestamp and the given source hash. Room, Body and Nick are
// set by the caller before encoding.
func New(t uint64, source []byte) (Envelope, error) {
	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		return Envelope{}, fmt.Errorf("envelope id: %w", err)
	}
	return Envelope{
		Version:   Version,
		Type:      t,
		ID:        id,
		Timestamp: NowMillis(),
		Source:    source,
	}, nil
}

// NowMillis returns the current wall clock in protocol timestamp units.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Validate checks the envelope against the v1 schema. It returns an error
// wrapping ErrBadVersion or ErrBadField; receivers drop failing envelopes.
//
// Unknown type codes pass validation: receivers discard them at dispatch so
// that new message types can be introduced without breaking old peers.
func (e Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, e.Version, Version)
	}
	if len(e.ID) != 8 {
		return fmt.Errorf("%w: id must be 8 bytes, got %d", ErrBadField, len(e.ID))
	}
	if len(e.Source) != 16 && len(e.Source) != 32 {
		return fmt.Errorf("%w: source must be 16 or 32 bytes, got %d", ErrBadField, len(e.Source))
	}
	if e.Room != "" && len(e.Room) > 64 {
		return fmt.Errorf("%w: room longer than 64 bytes", ErrBadField)
	}
	if e.Nick != "" && len(e.Nick) > 32 {
		return fmt.Errorf("%w: nick longer than 32 bytes", ErrBadField)
	}
	if e.Body != nil && !bodyKindOK(e.Body) {
		return fmt.Errorf("%w: unsupported body kind %T", ErrBadField, e.Body)
	}
	return nil
}

// bodyKindOK reports whether v is one of the body kinds the protocol allows:
// strings, integers, bools, byte strings, maps and lists.
func bodyKindOK(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Slice, reflect.Array, reflect.Map:
		return true
	default:
		return false
	}
}

// fromRaw converts a decoded untyped map into an Envelope, enforcing the
// schema. Unknown keys are ignored so newer hubs can add tags.
func fromRaw(m map[any]any) (Envelope, error) {
	var e Envelope
	var haveVersion, haveType, haveID, haveTS, haveSource bool

	for k, v := range m {
		tag, ok := asUint(k)
		if !ok {
			return Envelope{}, fmt.Errorf("%w: non-integer key %T", ErrMalformed, k)
		}
		switch tag {
		case KeyVersion:
			u, ok := asUint(v)
			if !ok {
				return Envelope{}, fmt.Errorf("%w: version not an unsigned int", ErrBadField)
			}
			e.Version = u
			haveVersion = true
		case KeyType:
			u, ok := asUint(v)
			if !ok {
				return Envelope{}, fmt.Errorf("%w: type not an unsigned int", ErrBadField)
			}
			e.Type = u
			haveType = true
		case KeyID:
			b, ok := v.([]byte)
			if !ok {
				return Envelope{}, fmt.Errorf("%w: id not a byte string", ErrBadField)
			}
			e.ID = b
			haveID = true
		case KeyTimestamp:
			u, ok := asUint(v)
			if !ok {
				return Envelope{}, fmt.Errorf("%w: timestamp not an unsigned int", ErrBadField)
			}
			e.Timestamp = u
			haveTS = true
		case KeySource:
			b, ok := v.([]byte)
			if !ok {
				return Envelope{}, fmt.Errorf("%w: source not a byte string", ErrBadField)
			}
			e.Source = b
			haveSource = true
		case KeyRoom:
			s, ok := v.(string)
			if !ok || s == "" {
				return Envelope{}, fmt.Errorf("%w: room not a non-empty string", ErrBadField)
			}
			e.Room = s
		case KeyBody:
			e.Body = v
		case KeyNick:
			s, ok := v.(string)
			if !ok || s == "" {
				return Envelope{}, fmt.Errorf("%w: nick not a non-empty string", ErrBadField)
			}
			e.Nick = s
		default:
			// Unknown tag: ignore.
		}
	}

	if !haveVersion {
		return Envelope{}, fmt.Errorf("%w: missing version", ErrBadVersion)
	}
	if e.Version != Version {
		return Envelope{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, e.Version, Version)
	}
	if !haveType || !haveID || !haveTS || !haveSource {
		return Envelope{}, fmt.Errorf("%w: missing required field", ErrBadField)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// toRaw converts the envelope into the integer-keyed map form for encoding.
func (e Envelope) toRaw() map[uint64]any {
	m := map[uint64]any{
		KeyVersion:   e.Version,
		KeyType:      e.Type,
		KeyID:        e.ID,
		KeyTimestamp: e.Timestamp,
		KeySource:    e.Source,
	}
	if e.Room != "" {
		m[KeyRoom] = e.Room
	}
	if e.Body != nil {
		m[KeyBody] = e.Body
	}
	if e.Nick != "" {
		m[KeyNick] = e.Nick
	}
	return m
}

// asUint normalizes the integer forms a decoder may produce. It refuses
// negative values and non-integers.
func asUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int16:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int8:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}
