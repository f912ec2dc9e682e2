package bilibili

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var defaultPattern = regexp.MustCompile(`(?:BV|bv)([a-zA-Z0-9]{10})`)

// Resolver extracts a canonical video identifier from free-form user input.
type Resolver struct {
	pattern    *regexp.Regexp
	prefix     string
	shorteners []string
	client     *http.Client
	log        *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPattern replaces the identifier pattern. The first capture group,
// prefixed with prefix, becomes the identifier.
func WithPattern(re *regexp.Regexp, prefix string) ResolverOption {
	return func(r *Resolver) {
		r.pattern = re
		r.prefix = prefix
	}
}

// WithShortenerHosts replaces the list of link-shortener hosts that are
// expanded with a HEAD request when no identifier is found directly.
func WithShortenerHosts(hosts ...string) ResolverOption {
	return func(r *Resolver) { r.shorteners = hosts }
}

// NewResolver returns a Resolver for BV identifiers and b23.tv short links.
func NewResolver(client *http.Client, log *slog.Logger, opts ...ResolverOption) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Resolver{
		pattern:    defaultPattern,
		prefix:     "BV",
		shorteners: []string{"b23.tv"},
		client:     client,
		log:        log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the identifier in input. It never fails loudly: any
// problem, including a failed short-link expansion, yields ("", false).
func (r *Resolver) Resolve(ctx context.Context, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if id, ok := r.match(input); ok {
		return id, true
	}
	link, ok := r.shortLink(input)
	if !ok {
		return "", false
	}

	final, err := r.expand(ctx, link)
	if err != nil {
		r.log.Warn("short link expansion failed", slog.String("input", input), slog.String("error", err.Error()))
		return "", false
	}
	return r.match(final)
}

func (r *Resolver) match(s string) (string, bool) {
	m := r.pattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	return r.prefix + m[1], true
}

// shortLink reports whether s is an http(s) address on one of the
// shortener hosts or their subdomains, and returns it with a scheme.
func (r *Resolver) shortLink(s string) (string, bool) {
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	hostname := strings.ToLower(u.Hostname())
	for _, host := range r.shorteners {
		host = strings.ToLower(host)
		if strings.EqualFold(u.Host, host) || hostname == host || strings.HasSuffix(hostname, "."+host) {
			return u.String(), true
		}
	}
	return "", false
}

// expand issues one HEAD request, following redirects, and returns the
// final address.
func (r *Resolver) expand(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return "", err
	}
	SetOriginHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return resp.Request.URL.String(), nil
}
