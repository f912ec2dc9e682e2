package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"video-digest/internal/platform/logger"
)

func TestSummarizer_Summarize(t *testing.T) {
	var gotSystem, gotPrompt string
	s := NewWithFunc(func(_ context.Context, system, prompt string) (string, error) {
		gotSystem, gotPrompt = system, prompt
		return "  ## notes\n", nil
	}, logger.Discard())

	out, err := s.Summarize(context.Background(), "transcript body", "Intro to Go", 600)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "## notes" {
		t.Errorf("expected trimmed notes, got %q", out)
	}
	if gotSystem != systemPrompt {
		t.Error("expected the study-notes system prompt")
	}
	for _, want := range []string{"Intro to Go", "about 10 minutes", "transcript body"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestSummarizer_errors(t *testing.T) {
	t.Run("missing_api_key", func(t *testing.T) {
		s := New(Config{}, logger.Discard())
		if _, err := s.Summarize(context.Background(), "x", "t", 60); !errors.Is(err, ErrMissingAPIKey) {
			t.Errorf("expected ErrMissingAPIKey, got %v", err)
		}
	})

	t.Run("empty_completion", func(t *testing.T) {
		s := NewWithFunc(func(context.Context, string, string) (string, error) { return " \n", nil }, logger.Discard())
		if _, err := s.Summarize(context.Background(), "x", "t", 60); !errors.Is(err, ErrEmptySummary) {
			t.Errorf("expected ErrEmptySummary, got %v", err)
		}
	})

	t.Run("upstream_error_wrapped", func(t *testing.T) {
		boom := errors.New("503 from provider")
		s := NewWithFunc(func(context.Context, string, string) (string, error) { return "", boom }, logger.Discard())
		if _, err := s.Summarize(context.Background(), "x", "t", 60); !errors.Is(err, boom) {
			t.Errorf("expected wrapped provider error, got %v", err)
		}
	})
}

func TestTruncate(t *testing.T) {
	t.Run("short_untouched", func(t *testing.T) {
		if got := Truncate("你好", 5); got != "你好" {
			t.Errorf("expected untouched, got %q", got)
		}
	})

	t.Run("counts_characters_not_bytes", func(t *testing.T) {
		got := Truncate(strings.Repeat("字", 10), 4)
		if !strings.HasPrefix(got, "字字字字\n") || !strings.HasSuffix(got, truncationMarker) {
			t.Errorf("unexpected truncation %q", got)
		}
		if !utf8.ValidString(got) {
			t.Error("truncation split a character")
		}
	})

	t.Run("prompt_is_bounded", func(t *testing.T) {
		p := BuildPrompt(strings.Repeat("a", MaxTranscriptChars+100), "t", 60)
		if strings.Count(p, "a") > MaxTranscriptChars+10 {
			t.Error("transcript was not truncated in prompt")
		}
	})
}
