package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anatolykoptev/go-kit/llm"
)

const (
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel   = "qwen3-235b-a22b"

	// MaxTranscriptChars bounds the transcript sent to the model.
	MaxTranscriptChars = 50_000

	truncationMarker = "\n\n[... transcript truncated ...]"
	temperature      = 0.3
	maxTokens        = 8000
)

var (
	// ErrMissingAPIKey is returned on the first call when no credential is configured.
	ErrMissingAPIKey = errors.New("DASHSCOPE_API_KEY is not set; configure the summarization service credential")

	// ErrEmptySummary is returned when the model produced no content.
	ErrEmptySummary = errors.New("summary generation failed: the model returned no content")
)

// completeFunc sends one system + user prompt pair and returns the completion.
type completeFunc func(ctx context.Context, system, prompt string) (string, error)

// Config holds the summarization service settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Summarizer turns a transcript into structured study notes.
type Summarizer struct {
	complete completeFunc
	log      *slog.Logger
}

// New returns a Summarizer over an OpenAI-compatible chat completion API.
// A missing API key is not an error here; the first Summarize call reports it.
func New(cfg Config, log *slog.Logger) *Summarizer {
	if cfg.APIKey == "" {
		return &Summarizer{
			complete: func(context.Context, string, string) (string, error) { return "", ErrMissingAPIKey },
			log:      log,
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	client := llm.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model,
		llm.WithMaxTokens(maxTokens),
		llm.WithTemperature(temperature),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	return &Summarizer{
		complete: func(ctx context.Context, system, prompt string) (string, error) {
			return client.Complete(ctx, system, prompt)
		},
		log: log,
	}
}

// NewWithFunc returns a Summarizer backed by fn. Used by tests.
func NewWithFunc(fn func(ctx context.Context, system, prompt string) (string, error), log *slog.Logger) *Summarizer {
	return &Summarizer{complete: fn, log: log}
}

// Summarize produces study notes for transcript.
func (s *Summarizer) Summarize(ctx context.Context, transcript, title string, durationSeconds int) (string, error) {
	start := time.Now()
	out, err := s.complete(ctx, systemPrompt, BuildPrompt(transcript, title, durationSeconds))
	if err != nil {
		if errors.Is(err, ErrMissingAPIKey) {
			return "", err
		}
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptySummary
	}
	s.log.Info("summary generated",
		slog.Int("transcript_chars", utf8.RuneCountInString(transcript)),
		slog.Int("summary_chars", utf8.RuneCountInString(out)),
		slog.Duration("took", time.Since(start)))
	return out, nil
}

// BuildPrompt renders the user prompt, truncating the transcript to
// MaxTranscriptChars characters.
func BuildPrompt(transcript, title string, durationSeconds int) string {
	minutes := (durationSeconds + 30) / 60
	return fmt.Sprintf("Video title: %s\nDuration: about %d minutes\n\nTranscript:\n\n%s",
		title, minutes, Truncate(transcript, MaxTranscriptChars))
}

// Truncate cuts s to at most n characters and appends a marker when it did.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + truncationMarker
}
