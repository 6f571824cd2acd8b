// Package binframe implements type-tagged, length-prefixed binary frames.
//
// A frame is one type byte, a big-endian uint32 payload length, then the
// payload. The simulator's control and announce streams are sequences of
// these frames.
package binframe

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrFrameTooLarge = errors.New("binary frame too large")

// DefaultMaxFrameBytes is the recommended maximum payload size for a single frame.
//
// Do not call ReadFrame with maxLen<=0 on untrusted inputs, because it disables
// size checks and may lead to large allocations (memory DoS).
const DefaultMaxFrameBytes = 1 << 20

const headerLen = 5

// WriteFrame writes one frame to the writer.
//
// The header and payload go out in a single Write so concurrent writers
// guarded by a mutex never interleave partial frames.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:headerLen], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame with a maximum payload size guard.
//
// Callers MUST pass a positive maxLen when reading from untrusted peers.
// Passing maxLen<=0 disables the guard and can result in large allocations.
func ReadFrame(r io.Reader, maxLen int) (byte, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[1:]))
	if n < 0 {
		return 0, nil, ErrFrameTooLarge
	}
	if maxLen > 0 && n > maxLen {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}
