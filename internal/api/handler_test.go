package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"video-digest/internal/bilibili"
	"video-digest/internal/pipeline"
	"video-digest/internal/platform/logger"
	"video-digest/internal/ratelimit"

	"github.com/go-chi/chi/v5"
)

type fakeRunner struct {
	runFn func(ctx context.Context, req pipeline.Request, emit func(pipeline.Event)) error
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request, emit func(pipeline.Event)) error {
	return f.runFn(ctx, req, emit)
}

func setupRouter(runner Runner, limit int) *chi.Mux {
	gov := ratelimit.NewGovernor(ratelimit.NewInMemoryStore(), time.Hour, limit)
	h := NewHandler(runner, gov, logger.Discard(), nil)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(logger.Discard()))
	r.Post("/api/summarize", h.Summarize)
	r.Get("/healthz", h.Health)
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/summarize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// parseEvents decodes every "data: " frame of an event stream.
func parseEvents(t *testing.T, body []byte) []pipeline.Event {
	t.Helper()
	var events []pipeline.Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected stream line %q", line)
		}
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func scriptedRunner(steps ...string) *fakeRunner {
	return &fakeRunner{runFn: func(_ context.Context, req pipeline.Request, emit func(pipeline.Event)) error {
		for _, s := range steps {
			ev := pipeline.Event{Step: s, Message: s + " message"}
			if s == "done" {
				ev.Data = &pipeline.Result{
					Info:             bilibili.VideoMetadata{BVID: "BV1xx411c7mD", Title: "Demo"},
					Summary:          "notes",
					Source:           pipeline.SourceASR,
					TranscriptLength: 22,
				}
			}
			emit(ev)
		}
		return nil
	}}
}

func TestHandler_Summarize_streams_events(t *testing.T) {
	var gotInput, gotRunID string
	runner := scriptedRunner("parsing", "info_fetched", "subtitle_checked", "summarized", "done")
	inner := runner.runFn
	runner.runFn = func(ctx context.Context, req pipeline.Request, emit func(pipeline.Event)) error {
		gotInput, gotRunID = req.Input, req.RunID
		return inner(ctx, req, emit)
	}
	r := setupRouter(runner, 10)

	rec := post(r, `{"url":"  https://www.bilibili.com/video/BV1xx411c7mD  "}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("expected remaining 9, got %q", got)
	}
	if rec.Header().Get("X-Run-ID") == "" || rec.Header().Get("X-Run-ID") != gotRunID {
		t.Errorf("run id header %q does not match run %q", rec.Header().Get("X-Run-ID"), gotRunID)
	}
	if gotInput != "https://www.bilibili.com/video/BV1xx411c7mD" {
		t.Errorf("expected trimmed input, got %q", gotInput)
	}
	if !rec.Flushed {
		t.Error("expected stream to be flushed")
	}

	events := parseEvents(t, rec.Body.Bytes())
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, want := range []string{"parsing", "info_fetched", "subtitle_checked", "summarized", "done"} {
		if events[i].Step != want {
			t.Errorf("event %d: expected %q, got %q", i, want, events[i].Step)
		}
	}
	done := events[4]
	if done.Data == nil || done.Data.Source != pipeline.SourceASR || done.Data.TranscriptLength != 22 {
		t.Errorf("unexpected done payload %+v", done.Data)
	}
	if !strings.Contains(rec.Body.String(), `"transcriptLength":22`) {
		t.Error("expected camelCase transcriptLength on the wire")
	}
}

func TestHandler_Summarize_rate_limited(t *testing.T) {
	calls := 0
	runner := &fakeRunner{runFn: func(_ context.Context, _ pipeline.Request, emit func(pipeline.Event)) error {
		calls++
		emit(pipeline.Event{Step: "done"})
		return nil
	}}
	r := setupRouter(runner, 1)

	if rec := post(r, `{"url":"BV1xx411c7mD"}`); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec := post(r, `{"url":"BV1xx411c7mD"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" || rec.Header().Get("Retry-After") == "" {
		t.Errorf("unexpected headers %v", rec.Header())
	}
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error == "" {
		t.Errorf("expected JSON error body, got %q (%v)", rec.Body.String(), err)
	}
	if calls != 1 {
		t.Errorf("rejected request must not start a run, runs = %d", calls)
	}
}

func TestHandler_Summarize_bad_request(t *testing.T) {
	runner := &fakeRunner{runFn: func(context.Context, pipeline.Request, func(pipeline.Event)) error {
		t.Error("runner must not be called")
		return nil
	}}
	r := setupRouter(runner, 10)

	tests := []struct {
		name string
		body string
	}{
		{"malformed_json", `{"url":`},
		{"missing_url", `{}`},
		{"blank_url", `{"url":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(r, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON error, got %q", ct)
			}
		})
	}
}

func TestHandler_Summarize_panic_becomes_error_event(t *testing.T) {
	runner := &fakeRunner{runFn: func(_ context.Context, _ pipeline.Request, emit func(pipeline.Event)) error {
		emit(pipeline.Event{Step: "parsing", Message: "parsing"})
		panic("boom")
	}}
	r := setupRouter(runner, 10)

	events := parseEvents(t, post(r, `{"url":"BV1xx411c7mD"}`).Body.Bytes())
	if len(events) != 2 || events[1].Step != "error" {
		t.Fatalf("expected parsing then error, got %+v", events)
	}
}

func TestHandler_Summarize_single_terminal_event(t *testing.T) {
	runner := &fakeRunner{runFn: func(_ context.Context, _ pipeline.Request, emit func(pipeline.Event)) error {
		emit(pipeline.Event{Step: "error", Message: "first"})
		emit(pipeline.Event{Step: "error", Message: "second"})
		panic("after terminal")
	}}
	r := setupRouter(runner, 10)

	events := parseEvents(t, post(r, `{"url":"BV1xx411c7mD"}`).Body.Bytes())
	if len(events) != 1 || events[0].Message != "first" {
		t.Errorf("expected exactly one terminal event, got %+v", events)
	}
}

func TestHandler_Summarize_client_disconnect_cancels_run(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	runner := &fakeRunner{runFn: func(ctx context.Context, _ pipeline.Request, emit func(pipeline.Event)) error {
		emit(pipeline.Event{Step: "parsing", Message: "parsing"})
		close(started)
		<-ctx.Done()
		close(cancelled)
		emit(pipeline.Event{Step: "error", Message: "request cancelled"})
		return ctx.Err()
	}}
	srv := httptest.NewServer(setupRouter(runner, 10))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/summarize", strings.NewReader(`{"url":"BV1xx411c7mD"}`))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("expected first frame, got %q (%v)", line, err)
	}
	<-started
	cancel()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled after client disconnect")
	}
}

func TestHandler_Shutdown_ends_active_streams(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{runFn: func(ctx context.Context, _ pipeline.Request, emit func(pipeline.Event)) error {
		emit(pipeline.Event{Step: "parsing", Message: "parsing"})
		close(started)
		<-ctx.Done()
		emit(pipeline.Event{Step: "error", Message: context.Cause(ctx).Error()})
		return ctx.Err()
	}}
	gov := ratelimit.NewGovernor(ratelimit.NewInMemoryStore(), time.Hour, 10)
	h := NewHandler(runner, gov, logger.Discard(), nil)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		h.Summarize(rec, httptest.NewRequest(http.MethodPost, "/api/summarize", strings.NewReader(`{"url":"BV1xx411c7mD"}`)))
		done <- rec
	}()
	<-started
	h.Shutdown()

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after Shutdown")
	}
	events := parseEvents(t, rec.Body.Bytes())
	if len(events) != 2 || events[1].Step != "error" || events[1].Message != ErrShuttingDown.Error() {
		t.Fatalf("expected parsing then shutdown error, got %+v", events)
	}

	after := httptest.NewRecorder()
	h.Summarize(after, httptest.NewRequest(http.MethodPost, "/api/summarize", strings.NewReader(`{"url":"BV1xx411c7mD"}`)))
	if after.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after Shutdown, got %d", after.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	r := setupRouter(&fakeRunner{}, 10)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}
