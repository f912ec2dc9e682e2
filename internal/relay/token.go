package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrMissingSecret is returned by NewSigner when no secret is configured.
	ErrMissingSecret = errors.New("relay: signing secret is empty")

	// ErrInvalidToken covers every verification failure: malformed, tampered,
	// expired or carrying a non-http target. Callers cannot tell them apart.
	ErrInvalidToken = errors.New("relay: invalid or expired token")

	// ErrInvalidTarget is returned by Sign for targets that are not absolute http(s) URLs.
	ErrInvalidTarget = errors.New("relay: target must be an absolute http(s) URL")
)

// ProxyPath is the route the relay endpoint is mounted on.
const ProxyPath = "/api/audio-proxy"

// Strict decoding rejects non-zero trailing bits, so each token has one valid spelling.
var encoding = base64.RawURLEncoding.Strict()

type payload struct {
	URL string `json:"url"`
	Exp int64  `json:"exp"`
}

// Signer issues and verifies relay tokens of the form "<payload>.<signature>",
// both parts base64url without padding. The signature is HMAC-SHA256 over the
// encoded payload.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner returns a Signer keyed with secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Sign returns a token authorizing a relay of target until ttl from now.
func (s *Signer) Sign(target string, ttl time.Duration) (string, error) {
	if !isHTTPURL(target) {
		return "", ErrInvalidTarget
	}
	raw, err := json.Marshal(payload{URL: target, Exp: s.now().Add(ttl).UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("relay: encode payload: %w", err)
	}
	body := encoding.EncodeToString(raw)
	return body + "." + encoding.EncodeToString(s.mac(body)), nil
}

// Verify returns the target a token authorizes.
func (s *Signer) Verify(token string) (string, error) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrInvalidToken
	}
	body, sig := token[:i], token[i+1:]

	got, err := encoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(body)) {
		return "", ErrInvalidToken
	}

	raw, err := encoding.DecodeString(body)
	if err != nil {
		return "", ErrInvalidToken
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ErrInvalidToken
	}
	if p.Exp <= s.now().UnixMilli() || !isHTTPURL(p.URL) {
		return "", ErrInvalidToken
	}
	return p.URL, nil
}

func (s *Signer) mac(body string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(body))
	return h.Sum(nil)
}

// RelayURL builds the externally reachable address for token.
func RelayURL(publicBase, token string) string {
	return strings.TrimRight(publicBase, "/") + ProxyPath + "?token=" + url.QueryEscape(token)
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
