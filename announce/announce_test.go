package announce

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kc1awv/rrc-web/discovery"
	"github.com/kc1awv/rrc-web/internal/defaults"
)

type captureSink struct {
	hubs []discovery.Hub
}

func (s *captureSink) HubDiscovered(hub discovery.Hub) {
	s.hubs = append(s.hubs, hub)
}

func testHash(fill byte) []byte {
	h := make([]byte, 16)
	for i := range h {
		h[i] = fill
	}
	return h
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// encodePairs builds a msgpack map from alternating key/value items. Go
// maps cannot hold byte-slice keys, so hostile key shapes are encoded by
// hand.
func encodePairs(t *testing.T, items ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(items) / 2); err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func deliver(t *testing.T, appData []byte) discovery.Hub {
	t.Helper()
	sink := &captureSink{}
	h := NewHandler(sink)
	h.ReceivedAnnounce(testHash(0xAB), nil, appData)
	if len(sink.hubs) != 1 {
		t.Fatalf("expected one hub, got %d", len(sink.hubs))
	}
	return sink.hubs[0]
}

func expectDrop(t *testing.T, destHash, appData []byte) {
	t.Helper()
	sink := &captureSink{}
	h := NewHandler(sink)
	h.ReceivedAnnounce(destHash, nil, appData)
	if len(sink.hubs) != 0 {
		t.Fatalf("announce should have been dropped, got %+v", sink.hubs)
	}
}

func TestRRCMapAnnounce(t *testing.T) {
	before := time.Now().Unix()
	hub := deliver(t, mustMarshal(t, map[string]any{"proto": "rrc", "hub": "Alpha Hub"}))
	after := time.Now().Unix()

	if hub.Name != "Alpha Hub" {
		t.Fatalf("name: got %q", hub.Name)
	}
	if hub.Hash != strings.Repeat("ab", 16) {
		t.Fatalf("hash: got %q", hub.Hash)
	}
	if hub.Aspect != defaults.HubAspect {
		t.Fatalf("aspect: got %q", hub.Aspect)
	}
	if hub.LastSeen < before || hub.LastSeen > after {
		t.Fatalf("last seen %d outside [%d, %d]", hub.LastSeen, before, after)
	}
}

func TestMapNameFallbacks(t *testing.T) {
	synth := "Hub abababab"

	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{"name key", map[string]any{"name": "First"}, "First"},
		{"n key", map[string]any{"n": "Second"}, "Second"},
		{"hub key without proto", map[string]any{"hub": "Third"}, "Third"},
		{"non-string name falls through", map[string]any{"name": 7, "n": "Fallback"}, "Fallback"},
		{"empty name falls through", map[string]any{"name": "", "n": "Kept"}, "Kept"},
		{"bytes name value", map[string]any{"name": []byte("Byte Hub")}, "Byte Hub"},
		{"invalid utf8 name synthesizes", map[string]any{"name": []byte{0xFF, 0xFE}}, synth},
		{"no name keys", map[string]any{"version": "1.2"}, synth},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub := deliver(t, mustMarshal(t, tc.data))
			if hub.Name != tc.want {
				t.Fatalf("got %q, want %q", hub.Name, tc.want)
			}
		})
	}
}

func TestRRCProtoWithUnusableHubSynthesizes(t *testing.T) {
	// Once proto/hub matched, the generic name keys are not consulted.
	hub := deliver(t, mustMarshal(t, map[string]any{"proto": "rrc", "hub": 42, "name": "ignored"}))
	if hub.Name != "Hub abababab" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestListAnnounce(t *testing.T) {
	hub := deliver(t, mustMarshal(t, []any{"ignored", 7, "Last One"}))
	if hub.Name != "Last One" {
		t.Fatalf("got %q", hub.Name)
	}

	hub = deliver(t, mustMarshal(t, []any{"A Name", 42}))
	if hub.Name != "Hub abababab" {
		t.Fatalf("non-string tail should synthesize, got %q", hub.Name)
	}

	hub = deliver(t, mustMarshal(t, []any{}))
	if hub.Name != "Hub abababab" {
		t.Fatalf("empty list should synthesize, got %q", hub.Name)
	}
}

func TestBareStringAnnounce(t *testing.T) {
	hub := deliver(t, mustMarshal(t, "Plain Hub"))
	if hub.Name != "Plain Hub" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestRawUTF8Announce(t *testing.T) {
	hub := deliver(t, []byte("Raw Hub Name"))
	if hub.Name != "Raw Hub Name" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestEmptyAppDataSynthesizes(t *testing.T) {
	hub := deliver(t, nil)
	if hub.Name != "Hub abababab" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestControlCharacterNameSynthesizes(t *testing.T) {
	hub := deliver(t, mustMarshal(t, map[string]any{"proto": "rrc", "hub": "\x01\x02"}))
	if hub.Name != "Hub abababab" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestLongNameTruncated(t *testing.T) {
	hub := deliver(t, mustMarshal(t, map[string]any{"name": strings.Repeat("x", 300)}))
	if len(hub.Name) != maxNameLen {
		t.Fatalf("got %d chars, want %d", len(hub.Name), maxNameLen)
	}
}

func TestOverlongNameSynthesizes(t *testing.T) {
	hub := deliver(t, []byte(strings.Repeat("a", maxDecodedChars+500)))
	if hub.Name != "Hub abababab" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestBinKeysMatchNameFields(t *testing.T) {
	hub := deliver(t, encodePairs(t, []byte("name"), "Byte Key Hub"))
	if hub.Name != "Byte Key Hub" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestIntKeysTolerated(t *testing.T) {
	hub := deliver(t, encodePairs(t, 7, "seven", "name", "Int Keyed"))
	if hub.Name != "Int Keyed" {
		t.Fatalf("got %q", hub.Name)
	}
}

func TestDroppedAnnounces(t *testing.T) {
	bigMap := make(map[string]any, maxMapKeys+1)
	for i := 0; i <= maxMapKeys; i++ {
		bigMap[fmt.Sprintf("k%02d", i)] = i
	}
	bigList := make([]any, maxListItems+1)
	for i := range bigList {
		bigList[i] = "x"
	}

	cases := []struct {
		name     string
		destHash []byte
		appData  []byte
	}{
		{"short dest hash", testHash(1)[:15], mustMarshal(t, "X")},
		{"oversized app data", testHash(1), bytes.Repeat([]byte("a"), defaults.MaxAnnounceAppData+1)},
		{"oversized map", testHash(1), mustMarshal(t, bigMap)},
		{"float map key", testHash(1), encodePairs(t, 1.5, "x")},
		{"oversized nested value", testHash(1), mustMarshal(t, map[string]any{
			"name": "n",
			"blob": []any{strings.Repeat("y", maxDecodedChars+200)},
		})},
		{"oversized list", testHash(1), mustMarshal(t, bigList)},
		{"oversized bare string", testHash(1), mustMarshal(t, strings.Repeat("s", maxBareString+1))},
		{"binary garbage", testHash(1), []byte{0xFF, 0xFE, 0xFD}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectDrop(t, tc.destHash, tc.appData)
		})
	}
}

func TestMalformedAnnounceLeavesEarlierHubs(t *testing.T) {
	sink := &captureSink{}
	h := NewHandler(sink)

	h.ReceivedAnnounce(testHash(0xCD), nil, mustMarshal(t, map[string]any{"proto": "rrc", "hub": "Keeper"}))
	h.ReceivedAnnounce(testHash(0xCD), nil, bytes.Repeat([]byte("z"), defaults.MaxAnnounceAppData+1))

	if len(sink.hubs) != 1 || sink.hubs[0].Name != "Keeper" {
		t.Fatalf("earlier hub disturbed: %+v", sink.hubs)
	}
}

func TestAspectOption(t *testing.T) {
	sink := &captureSink{}

	if got := NewHandler(sink).AspectFilter(); got != defaults.HubAspect {
		t.Fatalf("default aspect: got %q", got)
	}

	h := NewHandler(sink, WithAspect("rrc.test"))
	if got := h.AspectFilter(); got != "rrc.test" {
		t.Fatalf("aspect option: got %q", got)
	}
	h.ReceivedAnnounce(testHash(2), nil, nil)
	if len(sink.hubs) != 1 || sink.hubs[0].Aspect != "rrc.test" {
		t.Fatalf("hub aspect: %+v", sink.hubs)
	}
}
