package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kc1awv/rrc-web/internal/defaults"
)

// MaxEnvelopeBytes is the decode-side cap on encoded envelopes.
const MaxEnvelopeBytes = defaults.MaxEnvelopeBytes

// Encode serializes the envelope. The envelope is validated first so a local
// schema bug never reaches the wire.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := msgpack.Marshal(e.toRaw())
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses and validates one envelope. Oversized input is rejected
// before the decoder runs; trailing bytes after the envelope are malformed.
func Decode(data []byte) (Envelope, error) {
	v, err := DecodeValue(data, MaxEnvelopeBytes)
	if err != nil {
		return Envelope{}, err
	}
	m, ok := v.(map[any]any)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: top level is %T, not a map", ErrMalformed, v)
	}
	return fromRaw(m)
}

// DecodeValue parses a single msgpack value of at most limit bytes. Maps
// decode with untyped keys so integer-keyed protocol maps survive;
// byte-string keys normalize to Go strings so every decoded map is
// hashable. A second value or junk after the first is an error.
func DecodeValue(data []byte, limit int) (any, error) {
	if limit > 0 && len(data) > limit {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), limit)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetMapDecoder(decodeUntypedMap)

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var extra any
	switch err := dec.Decode(&extra); {
	case err == nil:
		return nil, fmt.Errorf("%w: trailing value after message", ErrMalformed)
	case errors.Is(err, io.EOF):
	default:
		return nil, fmt.Errorf("%w: trailing bytes after message", ErrMalformed)
	}
	return v, nil
}

// decodeUntypedMap reads a map without trusting its key types. The stock
// untyped decoder inserts whatever it finds into a map[any]any, which
// panics on unhashable keys; announce app data comes from strangers, so
// those decode as errors instead.
func decodeUntypedMap(d *msgpack.Decoder) (any, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}

	hint := n
	if hint > 256 {
		// Length claims are attacker-controlled; real data runs out first.
		hint = 256
	}
	m := make(map[any]any, hint)
	for i := 0; i < n; i++ {
		k, err := d.DecodeInterface()
		if err != nil {
			return nil, err
		}
		switch kk := k.(type) {
		case []byte:
			k = string(kk)
		case map[any]any, []any:
			return nil, fmt.Errorf("unhashable map key %T", k)
		}
		v, err := d.DecodeInterface()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
