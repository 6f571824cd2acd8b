// Package sanitize holds the input hygiene rules shared by the protocol
// client, the announce handler and the UI-facing backend. Chat text is
// rejected outright when it carries control characters; display strings are
// cleaned best-effort instead, since they only ever render.
package sanitize

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxMessageText is the default cap handed to Text by send paths. The link
// MDU is the real bound and is checked again at packet construction, so text
// under this cap can still fail to send on a small-packet link.
const MaxMessageText = 10000

// NormalizeRoom lowercases and trims a room name. It returns "" for names
// that are empty after trimming. Idempotent.
func NormalizeRoom(room string) string {
	return strings.ToLower(strings.TrimSpace(room))
}

// Text validates chat text for sending. It returns "" when the trimmed text
// is empty, longer than max, or contains a control character other than
// tab/LF/CR, a NUL, or one of the non-characters U+FFFE/U+FFFF.
func Text(s string, max int) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || len(trimmed) > max {
		return ""
	}
	for _, r := range trimmed {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return ""
		}
		if r == 0 || r == 0xFFFE || r == 0xFFFF {
			return ""
		}
	}
	return trimmed
}

// DisplayName cleans a hub name or nickname for rendering: trim, truncate
// to max runes, then drop control characters and the U+FFFE/U+FFFF
// non-characters. Returns "" when nothing displayable survives.
func DisplayName(s string, max int) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}

	runes := []rune(trimmed)
	if len(runes) > max {
		runes = runes[:max]
	}

	var b strings.Builder
	b.Grow(len(runes))
	for _, r := range runes {
		if r < 32 || r == 0x7F || r == 0xFFFE || r == 0xFFFF {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseHexHash decodes a destination or identity hash typed by a person:
// surrounding whitespace, ":" and " " separators are tolerated, case is
// not significant. Length policy belongs to the caller.
func ParseHexHash(text string) ([]byte, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	b, err := hex.DecodeString(strings.ToLower(cleaned))
	if err != nil {
		return nil, fmt.Errorf("invalid hash format: %w", err)
	}
	return b, nil
}
