package transcribe

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

var errPending = errors.New("recognition job pending")

// Poll checks jobID every PollInterval until it succeeds, fails, or
// MaxAttempts checks have been made. The first check happens one interval
// after the call. Heartbeats are sent on progress every fourth check while
// the job is pending; sends never block, so a slow reader only misses
// heartbeats. progress may be nil.
func (c *Client) Poll(ctx context.Context, jobID string, progress chan<- Progress) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.cfg.PollInterval):
	}

	attempt := 0
	operation := func() (string, error) {
		attempt++
		if c.metrics != nil {
			c.metrics.IncPollAttempts()
		}

		st, err := c.status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			c.log.Warn("recognition status check failed, will retry",
				slog.String("task_id", jobID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return "", errPending
		}

		switch st.Output.TaskStatus {
		case statusSucceeded:
			resultURL := st.resultURL()
			if resultURL == "" {
				return "", backoff.Permanent(ErrMissingResultURL)
			}
			text, err := c.fetchResult(ctx, resultURL)
			if err != nil {
				return "", backoff.Permanent(err)
			}
			return text, nil
		case statusFailed:
			return "", backoff.Permanent(&JobFailedError{Reason: st.Output.Message})
		}

		if attempt > 1 && (attempt-1)%progressEvery == 0 {
			c.heartbeat(progress, Progress{Attempt: attempt, Elapsed: time.Duration(attempt) * c.cfg.PollInterval})
		}
		return "", errPending
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.PollInterval)),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		c.log.Info("recognition job finished", slog.String("task_id", jobID), slog.Int("attempts", attempt))
		return text, nil
	}

	var failed *JobFailedError
	switch {
	case errors.As(err, &failed):
		return "", failed
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, errPending):
		return "", ErrRecognitionTimeout
	}
	return "", unwrapPermanent(err)
}

func (c *Client) heartbeat(progress chan<- Progress, p Progress) {
	if progress == nil {
		return
	}
	select {
	case progress <- p:
	default:
		c.log.Debug("progress heartbeat dropped", slog.Int("attempt", p.Attempt))
	}
}

func (c *Client) status(ctx context.Context, jobID string) (statusResponse, error) {
	var st statusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/tasks/"+url.PathEscape(jobID), nil)
	if err != nil {
		return st, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status check returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *Client) fetchResult(ctx context.Context, resultURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch recognition result: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch recognition result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch recognition result: %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fetch recognition result: %w", err)
	}
	return ExtractTranscript(raw)
}

// ExtractTranscript turns a result document into plain text. Each channel
// contributes its full text, or the concatenation of its sentences when the
// full text is absent. Channels are joined with a line break.
func ExtractTranscript(raw []byte) (string, error) {
	var doc resultDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode recognition result: %w", err)
	}
	if len(doc.Transcripts) == 0 {
		return "", ErrEmptyTranscript
	}

	parts := make([]string, 0, len(doc.Transcripts))
	for _, t := range doc.Transcripts {
		if t.Text != "" {
			parts = append(parts, t.Text)
			continue
		}
		var sb strings.Builder
		for _, s := range t.Sentences {
			sb.WriteString(s.Text)
		}
		parts = append(parts, sb.String())
	}

	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// unwrapPermanent strips the retry wrapper that Retry leaves on errors
// returned from the final attempt.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
