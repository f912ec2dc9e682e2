package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultAPIBase  = "https://api.bilibili.com"
	defaultPageBase = "https://www.bilibili.com"

	maxRetries    = 3
	retryInterval = 500 * time.Millisecond
)

// ErrMalformedResponse is returned when a response cannot be decoded into
// the expected envelope or lacks required fields.
var ErrMalformedResponse = errors.New("bilibili: malformed response")

// Client talks to the platform's public web APIs.
type Client struct {
	http          *http.Client
	apiBase       string
	pageBase      string
	retryInterval time.Duration
	log           *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIBase overrides the API origin (tests point it at httptest servers).
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithPageBase overrides the origin video pages are fetched from.
func WithPageBase(base string) ClientOption {
	return func(c *Client) { c.pageBase = strings.TrimRight(base, "/") }
}

// WithRetryInterval sets the initial backoff between retried requests.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.retryInterval = d }
}

// NewClient returns a Client. A nil httpClient gets a 30 second timeout.
func NewClient(httpClient *http.Client, log *slog.Logger, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		http:          httpClient,
		apiBase:       defaultAPIBase,
		pageBase:      defaultPageBase,
		retryInterval: retryInterval,
		log:           log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metadata fetches the descriptive information for bvid.
func (c *Client) Metadata(ctx context.Context, bvid string) (VideoMetadata, error) {
	var env envelope[viewData]
	u := c.apiBase + "/x/web-interface/view?bvid=" + url.QueryEscape(bvid)
	if err := c.getJSON(ctx, u, &env); err != nil {
		return VideoMetadata{}, err
	}
	if env.Code != 0 {
		return VideoMetadata{}, &APIError{Code: env.Code, Message: env.Message}
	}

	d := env.Data
	if d.CID == 0 {
		return VideoMetadata{}, fmt.Errorf("%w: view response has no cid", ErrMalformedResponse)
	}
	if d.BVID == "" {
		d.BVID = bvid
	}
	return VideoMetadata{
		BVID:        d.BVID,
		CID:         d.CID,
		Title:       d.Title,
		Description: d.Desc,
		Duration:    d.Duration,
		Owner:       d.Owner.Name,
		Pic:         normalizeURL(d.Pic),
	}, nil
}

// Captions returns the caption text of ref, one line per caption entry.
// Any failure, including the absence of captions, yields "".
func (c *Client) Captions(ctx context.Context, ref VideoRef) string {
	text, err := c.captions(ctx, ref)
	if err != nil {
		c.log.Warn("caption lookup failed",
			slog.String("bvid", ref.BVID),
			slog.String("error", err.Error()))
		return ""
	}
	return text
}

func (c *Client) captions(ctx context.Context, ref VideoRef) (string, error) {
	var env envelope[playerData]
	u := fmt.Sprintf("%s/x/player/v2?bvid=%s&cid=%d", c.apiBase, url.QueryEscape(ref.BVID), ref.CID)
	if err := c.getJSON(ctx, u, &env); err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", &APIError{Code: env.Code, Message: env.Message}
	}

	track, ok := pickTrack(env.Data.Subtitle.Subtitles)
	if !ok {
		return "", nil
	}

	var body subtitleBody
	if err := c.getJSON(ctx, normalizeURL(track.URL), &body); err != nil {
		return "", fmt.Errorf("fetch caption track %s: %w", track.Lang, err)
	}
	lines := make([]string, 0, len(body.Body))
	for _, item := range body.Body {
		lines = append(lines, item.Content)
	}
	return strings.Join(lines, "\n"), nil
}

var preferredLangs = []string{"zh-CN", "ai-zh", "zh-Hans"}

// pickTrack prefers a Chinese track and falls back to the first one listed.
func pickTrack(tracks []subtitleTrack) (subtitleTrack, bool) {
	for _, t := range tracks {
		for _, lang := range preferredLangs {
			if t.Lang == lang && t.URL != "" {
				return t, true
			}
		}
	}
	if len(tracks) > 0 && tracks[0].URL != "" {
		return tracks[0], true
	}
	return subtitleTrack{}, false
}

// getJSON GETs u with origin headers and decodes the body into out.
// Transport errors and 5xx responses are retried with exponential backoff.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	body, err := c.get(ctx, u, acceptJSON)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, u, accept string) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		SetOriginHeaders(req)
		req.Header.Set("Accept", accept)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		return io.ReadAll(resp.Body)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxRetries),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Debug("retrying request", slog.String("url", u), slog.Duration("in", d), slog.String("error", err.Error()))
		}),
	)
}
