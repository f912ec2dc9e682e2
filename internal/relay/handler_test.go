package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"video-digest/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func setupRelay(t *testing.T, upstream http.HandlerFunc) (*chi.Mux, *Signer, *httptest.Server) {
	t.Helper()
	origin := httptest.NewServer(upstream)
	t.Cleanup(origin.Close)

	s := newTestSigner(t)
	prepare := func(r *http.Request) { r.Header.Set("Referer", "https://www.bilibili.com") }
	h := NewHandler(s, origin.Client(), prepare, logger.Discard(), nil)

	r := chi.NewRouter()
	r.Method(http.MethodGet, ProxyPath, h)
	return r, s, origin
}

func TestHandler_ServeHTTP(t *testing.T) {
	var gotRange, gotReferer string
	r, s, origin := setupRelay(t, func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotReferer = r.Header.Get("Referer")
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "audio/x-m4a")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "audio-bytes")
		case "/plain":
			w.Header()["Content-Type"] = nil
			w.Write([]byte("x"))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})

	do := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, ProxyPath+query, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}
	sign := func(path string, ttl time.Duration) string {
		tok, err := s.Sign(origin.URL+path, ttl)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return "?token=" + url.QueryEscape(tok)
	}

	t.Run("missing_token", func(t *testing.T) {
		if rec := do(""); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("invalid_token", func(t *testing.T) {
		if rec := do("?token=abc.def"); rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("expired_token", func(t *testing.T) {
		tok := sign("/ok", -time.Second)
		if rec := do(tok); rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("upstream_rejects", func(t *testing.T) {
		if rec := do(sign("/denied", time.Minute)); rec.Code != http.StatusBadGateway {
			t.Errorf("expected 502, got %d", rec.Code)
		}
	})

	t.Run("streams_body", func(t *testing.T) {
		rec := do(sign("/ok", time.Minute))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Body.String() != "audio-bytes" {
			t.Errorf("expected body %q, got %q", "audio-bytes", rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "audio/x-m4a" {
			t.Errorf("expected mirrored content type, got %q", ct)
		}
		if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("expected no-store, got %q", cc)
		}
		if gotRange != "bytes=0-" || gotReferer != "https://www.bilibili.com" {
			t.Errorf("upstream headers: range=%q referer=%q", gotRange, gotReferer)
		}
	})

	t.Run("default_content_type", func(t *testing.T) {
		rec := do(sign("/plain", time.Minute))
		if ct := rec.Header().Get("Content-Type"); ct != defaultContentType {
			t.Errorf("expected %q, got %q", defaultContentType, ct)
		}
	})
}

func TestHandler_upstream_unreachable(t *testing.T) {
	s := newTestSigner(t)
	h := NewHandler(s, nil, nil, logger.Discard(), nil)

	tok, _ := s.Sign("http://127.0.0.1:1/audio", time.Minute)
	req := httptest.NewRequest(http.MethodGet, ProxyPath+"?token="+url.QueryEscape(tok), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}
