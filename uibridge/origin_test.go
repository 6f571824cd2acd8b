package uibridge

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func originReq(origin string) *http.Request {
	r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginAllowed(t *testing.T) {
	t.Run("no origin header", func(t *testing.T) {
		if !originAllowed(originReq(""), nil) {
			t.Fatal("expected request without Origin to be allowed")
		}
	})

	t.Run("same host as request", func(t *testing.T) {
		if !originAllowed(originReq("http://gateway.local"), nil) {
			t.Fatal("expected own-host origin to be allowed")
		}
		if !originAllowed(originReq("https://GATEWAY.local"), nil) {
			t.Fatal("expected own-host origin to match case-insensitively")
		}
		if originAllowed(originReq("http://gateway.local:8080"), nil) {
			t.Fatal("expected own host with foreign port to be rejected")
		}
	})

	t.Run("full origin match", func(t *testing.T) {
		r := originReq("http://example.com:5173")
		if !originAllowed(r, []string{"http://example.com:5173"}) {
			t.Fatal("expected origin to be allowed")
		}
		if originAllowed(r, []string{"http://example.com"}) {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("hostname match ignores port", func(t *testing.T) {
		r := originReq("https://ExAmPlE.com:5173")
		if !originAllowed(r, []string{"example.com"}) {
			t.Fatal("expected origin to be allowed")
		}
	})

	t.Run("host:port match", func(t *testing.T) {
		r := originReq("https://ExAmPlE.com:5173")
		if !originAllowed(r, []string{"example.com:5173"}) {
			t.Fatal("expected origin to be allowed")
		}
		if originAllowed(r, []string{"example.com:9999"}) {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("wildcard matches subdomain only", func(t *testing.T) {
		allowed := []string{"*.example.com"}
		if originAllowed(originReq("https://example.com"), allowed) {
			t.Fatal("expected base hostname to be rejected")
		}
		if !originAllowed(originReq("https://a.example.com"), allowed) {
			t.Fatal("expected subdomain to be allowed")
		}
	})

	t.Run("wildcard match is case-insensitive", func(t *testing.T) {
		allowed := []string{"*.example.com"}
		if originAllowed(originReq("https://ExAmPlE.com"), allowed) {
			t.Fatal("expected base hostname to be rejected")
		}
		if !originAllowed(originReq("https://A.ExAmPlE.com"), allowed) {
			t.Fatal("expected subdomain to be allowed")
		}
	})

	t.Run("ipv6 hostname entry", func(t *testing.T) {
		if !originAllowed(originReq("http://[::1]:5173"), []string{"::1"}) {
			t.Fatal("expected ipv6 hostname to be allowed")
		}
	})

	t.Run("non-standard origin value", func(t *testing.T) {
		if !originAllowed(originReq("null"), []string{"null"}) {
			t.Fatal("expected listed null origin to be allowed")
		}
		if originAllowed(originReq("null"), []string{"example.com"}) {
			t.Fatal("expected unlisted null origin to be rejected")
		}
	})

	t.Run("blank entries are skipped", func(t *testing.T) {
		if originAllowed(originReq("https://example.com"), []string{"", "  "}) {
			t.Fatal("expected blank entries to match nothing")
		}
	})

	t.Run("default loopback origins", func(t *testing.T) {
		for _, origin := range []string{
			"http://localhost:5173",
			"http://127.0.0.1:8080",
			"http://[::1]:3000",
		} {
			if !originAllowed(originReq(origin), defaultOrigins) {
				t.Fatalf("expected %s to be allowed by defaults", origin)
			}
		}
		if originAllowed(originReq("https://example.com"), defaultOrigins) {
			t.Fatal("expected foreign origin to be rejected by defaults")
		}
	})
}
