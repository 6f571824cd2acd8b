package binframe

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type errWriter struct{}

func (errWriter) Write(_ []byte) (int, error) { return 0, errors.New("write failed") }

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 7, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	typ, payload, err := ReadFrame(&buf, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != 7 || string(payload) != "hello" {
		t.Fatalf("unexpected frame: typ=%d payload=%q", typ, payload)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 0, 0, 0, 10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if _, _, err := ReadFrame(buf, 4); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestWriteFrameWriterError(t *testing.T) {
	if err := WriteFrame(errWriter{}, 1, []byte("x")); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadFrameEOF(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	if _, _, err := ReadFrame(buf, 1<<20); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 2, []byte("abcdef")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	trunc := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	if _, _, err := ReadFrame(trunc, 1<<20); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 9, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	typ, payload, err := ReadFrame(&buf, 16)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != 9 || len(payload) != 0 {
		t.Fatalf("unexpected frame: typ=%d payload=%q", typ, payload)
	}
}
