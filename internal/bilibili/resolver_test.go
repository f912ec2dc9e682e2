package bilibili

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync/atomic"
	"testing"

	"video-digest/internal/platform/logger"
)

func TestResolver_Resolve_direct(t *testing.T) {
	r := NewResolver(nil, logger.Discard())

	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"full_url", "https://www.bilibili.com/video/BV1GJ411x7h7/?spm_id_from=333", "BV1GJ411x7h7", true},
		{"mobile_url", "https://m.bilibili.com/video/BV1GJ411x7h7", "BV1GJ411x7h7", true},
		{"bare_id", "  BV1GJ411x7h7 ", "BV1GJ411x7h7", true},
		{"lowercase_prefix", "bv1GJ411x7h7", "BV1GJ411x7h7", true},
		{"too_short", "BV1GJ41", "", false},
		{"unrelated", "https://example.com/watch?v=abc", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Resolve(context.Background(), tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolver_Resolve_short_link(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		http.Redirect(w, r, "/video/BV1xx411c7mD", http.StatusFound)
	})
	mux.HandleFunc("/video/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/dead", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	r := NewResolver(srv.Client(), logger.Discard(), WithShortenerHosts(u.Host))

	t.Run("redirect_followed", func(t *testing.T) {
		got, ok := r.Resolve(context.Background(), srv.URL+"/abc")
		if !ok || got != "BV1xx411c7mD" {
			t.Errorf("expected BV1xx411c7mD, got %q (ok=%v)", got, ok)
		}
	})

	t.Run("no_identifier_after_expansion", func(t *testing.T) {
		if got, ok := r.Resolve(context.Background(), srv.URL+"/dead"); ok {
			t.Errorf("expected no match, got %q", got)
		}
	})

	t.Run("expansion_error_is_swallowed", func(t *testing.T) {
		r := NewResolver(srv.Client(), logger.Discard(), WithShortenerHosts("127.0.0.1:1"))
		if got, ok := r.Resolve(context.Background(), "http://127.0.0.1:1/x"); ok {
			t.Errorf("expected no match, got %q", got)
		}
	})
}

func TestResolver_Resolve_only_expands_shortener_hosts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/video/BV1xx411c7mD", http.StatusFound)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), logger.Discard())
	for _, input := range []string{
		srv.URL + "/?x=b23.tv",
		srv.URL + "/admin?next=b23.tv",
		srv.URL + "/b23.tv/abc",
		"http://user:b23.tv@" + srv.Listener.Addr().String() + "/abc",
	} {
		if got, ok := r.Resolve(context.Background(), input); ok {
			t.Errorf("Resolve(%q) = %q, want no match", input, got)
		}
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("expected no requests to a non-shortener host, got %d", n)
	}
}

func TestResolver_shortLink(t *testing.T) {
	r := NewResolver(nil, logger.Discard())

	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"https", "https://b23.tv/abc", "https://b23.tv/abc", true},
		{"no_scheme", "b23.tv/abc", "https://b23.tv/abc", true},
		{"subdomain", "https://m.b23.tv/abc", "https://m.b23.tv/abc", true},
		{"upper_case_host", "https://B23.TV/abc", "https://B23.TV/abc", true},
		{"lookalike_suffix", "https://evilb23.tv/abc", "", false},
		{"host_in_query", "https://example.com/?u=b23.tv", "", false},
		{"host_as_prefix", "https://b23.tv.example.com/abc", "", false},
		{"other_scheme", "ftp://b23.tv/abc", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.shortLink(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("shortLink(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolver_WithPattern(t *testing.T) {
	r := NewResolver(nil, logger.Discard(), WithPattern(regexp.MustCompile(`/video/([A-Za-z0-9]{12})`), ""))

	got, ok := r.Resolve(context.Background(), "https://example-video/video/ABCDEF123456")
	if !ok || got != "ABCDEF123456" {
		t.Errorf("expected ABCDEF123456, got %q (ok=%v)", got, ok)
	}
}
