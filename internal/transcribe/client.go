package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"video-digest/internal/platform/metrics"
	"video-digest/internal/relay"
)

// Submit modes.
const (
	ModeUpload = "upload"
	ModeURL    = "url"
)

const (
	DefaultBaseURL      = "https://dashscope.aliyuncs.com/api/v1"
	DefaultPollInterval = 3 * time.Second
	DefaultMaxAttempts  = 90
	DefaultMaxBytes     = 200 << 20
	DefaultTokenTTL     = 15 * time.Minute

	model         = "paraformer-v2"
	languageHint  = "zh"
	progressEvery = 4
)

// Config holds the recognition service settings.
type Config struct {
	APIKey        string
	BaseURL       string
	Mode          string
	PollInterval  time.Duration
	MaxAttempts   int
	MaxBytes      int64
	PublicBaseURL string // url mode: externally reachable base of the relay endpoint
	TokenTTL      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Mode == "" {
		c.Mode = ModeUpload
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
}

// Client submits recognition jobs and polls them to completion.
type Client struct {
	cfg     Config
	http    *http.Client
	signer  *relay.Signer
	prepare func(*http.Request)
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSigner sets the relay token signer used in url mode.
func WithSigner(s *relay.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithRequestDecorator sets the function that adds origin headers to audio requests.
func WithRequestDecorator(fn func(*http.Request)) Option {
	return func(c *Client) { c.prepare = fn }
}

// WithMetrics enables poll attempt counting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config, log *slog.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Minute},
		log:  log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit starts a recognition job for the audio at audioURL and returns its id.
func (c *Client) Submit(ctx context.Context, audioURL string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	switch c.cfg.Mode {
	case ModeURL:
		return c.submitURL(ctx, audioURL)
	default:
		return c.submitUpload(ctx, audioURL)
	}
}

// submitUpload downloads the audio with origin headers and streams it to
// the recognition service as a multipart upload. Audio over MaxBytes aborts
// the upload before the form is complete.
func (c *Client) submitUpload(ctx context.Context, audioURL string) (string, error) {
	req, err := c.audioRequest(ctx, http.MethodGet, audioURL)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", fmt.Errorf("download audio: upstream returned %s", resp.Status)
	}
	if resp.ContentLength > c.cfg.MaxBytes {
		return "", ErrAudioTooLarge
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan error, 1)
	go func() {
		err := c.writeForm(mw, resp.Body)
		pw.CloseWithError(err)
		written <- err
	}()

	id, err := c.postTask(ctx, pr, mw.FormDataContentType())
	pr.Close()
	if werr := <-written; werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
		return "", werr
	}
	return id, err
}

// writeForm writes the recognition form with audio as its file part. It
// stops with ErrAudioTooLarge once more than MaxBytes have been read.
func (c *Client) writeForm(mw *multipart.Writer, audio io.Reader) error {
	if err := mw.WriteField("model", model); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", "audio.m4s")
	if err != nil {
		return err
	}
	n, err := io.Copy(fw, io.LimitReader(audio, c.cfg.MaxBytes+1))
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return err
		}
		return fmt.Errorf("download audio: %w", err)
	}
	if n > c.cfg.MaxBytes {
		return ErrAudioTooLarge
	}
	c.log.Info("audio streamed", slog.Int64("bytes", n))
	if err := mw.WriteField("language_hints", languageHint); err != nil {
		return err
	}
	return mw.Close()
}

// submitURL hands the recognition service a signed relay address.
func (c *Client) submitURL(ctx context.Context, audioURL string) (string, error) {
	if c.signer == nil || c.cfg.PublicBaseURL == "" {
		return "", fmt.Errorf("url mode requires a relay signer and a public base URL")
	}

	if size, err := c.probeSize(ctx, audioURL); err != nil {
		c.log.Warn("audio size probe failed", slog.String("error", err.Error()))
	} else if size > c.cfg.MaxBytes {
		return "", ErrAudioTooLarge
	}

	token, err := c.signer.Sign(audioURL, c.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}

	payload := map[string]any{
		"model":      model,
		"input":      map[string]any{"file_urls": []string{relay.RelayURL(c.cfg.PublicBaseURL, token)}},
		"parameters": map[string]any{"language_hints": []string{languageHint}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return c.postTask(ctx, bytes.NewReader(raw), "application/json")
}

// probeSize returns the advertised size of the audio, or -1 when unknown.
func (c *Client) probeSize(ctx context.Context, audioURL string) (int64, error) {
	req, err := c.audioRequest(ctx, http.MethodHead, audioURL)
	if err != nil {
		return -1, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return -1, err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return -1, fmt.Errorf("probe returned %s", resp.Status)
	}
	return resp.ContentLength, nil
}

func (c *Client) audioRequest(ctx context.Context, method, audioURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("audio request: %w", err)
	}
	if c.prepare != nil {
		c.prepare(req)
	}
	req.Header.Set("Accept", "*/*")
	return req, nil
}

func (c *Client) postTask(ctx context.Context, body io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/services/audio/asr/transcription", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-DashScope-Async", "enable")
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit recognition job: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("submit recognition job: %w", err)
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("submit recognition job (HTTP %d): %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if resp.StatusCode >= http.StatusBadRequest || out.Output.TaskID == "" {
		return "", fmt.Errorf("submit recognition job (HTTP %d): %s", resp.StatusCode, out.errorMessage())
	}

	c.log.Info("recognition job submitted", slog.String("task_id", out.Output.TaskID), slog.String("mode", c.cfg.Mode))
	return out.Output.TaskID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
