package cmdutil

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel_KnownLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		" debug ": slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLogLevel_Unknown(t *testing.T) {
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error")
	}
}
