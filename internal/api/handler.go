package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"video-digest/internal/pipeline"
	"video-digest/internal/platform/metrics"
	"video-digest/internal/ratelimit"

	"github.com/google/uuid"
)

const (
	eventBuffer  = 16
	maxBodyBytes = 64 << 10
)

// ErrShuttingDown is the cancellation cause of runs interrupted by Shutdown.
var ErrShuttingDown = errors.New("server is shutting down, please try again shortly")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit func(pipeline.Event)) error
}

// Handler exposes the summarize endpoint.
type Handler struct {
	runner   Runner
	governor *ratelimit.Governor
	log      *slog.Logger
	metrics  *metrics.Metrics

	stopOnce sync.Once
	stopping chan struct{}
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(runner Runner, governor *ratelimit.Governor, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{runner: runner, governor: governor, log: log, metrics: m, stopping: make(chan struct{})}
}

// Shutdown cancels every active run with ErrShuttingDown and refuses new
// ones. Streams still deliver their terminal error event, so callers
// should invoke it before http.Server.Shutdown.
func (h *Handler) Shutdown() {
	h.stopOnce.Do(func() { close(h.stopping) })
}

type summarizeRequest struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Summarize handles POST /api/summarize. Body: { "url": "https://www.bilibili.com/video/BV..." }.
// Rejected and malformed requests get a JSON error. Accepted ones get an
// event stream with one "data: <json>" frame per pipeline event.
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopping:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrShuttingDown.Error()})
		return
	default:
	}

	client := ratelimit.ClientKey(r)
	decision := h.governor.Allow(client)
	if !decision.Allowed {
		h.log.Info("rate limited", slog.String("client", client), slog.Duration("retry_after", decision.RetryAfter))
		if h.metrics != nil {
			h.metrics.IncRateLimited()
		}
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: h.governor.RejectionMessage(decision)})
		return
	}

	var req summarizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.log.Debug("invalid summarize body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	input := strings.TrimSpace(req.URL)
	if input == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "please provide a video link"})
		return
	}

	runID := uuid.NewString()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-Run-ID", runID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.log.Warn("stream flush unsupported", slog.String("error", err.Error()))
	}

	// The run is bound to the request: a disconnect cancels it and stops
	// delivery. Shutdown cancels it too, but the stream stays open for the
	// terminal event.
	clientCtx := r.Context()
	ctx, cancel := context.WithCancelCause(clientCtx)
	defer cancel(nil)
	go func() {
		select {
		case <-h.stopping:
			cancel(ErrShuttingDown)
		case <-ctx.Done():
		}
	}()

	events := make(chan pipeline.Event, eventBuffer)
	go h.run(ctx, clientCtx.Done(), pipeline.Request{RunID: runID, Input: input}, events)

	for {
		select {
		case <-clientCtx.Done():
			h.log.Info("client disconnected", slog.String("run_id", runID))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.log.Warn("stream write failed", slog.String("run_id", runID), slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				h.log.Debug("stream flush failed", slog.String("run_id", runID), slog.String("error", err.Error()))
			}
		}
	}
}

// run executes the pipeline and closes events when it is over. A panic in
// the pipeline becomes the terminal error event unless one was already sent.
// Delivery stops once gone is closed.
func (h *Handler) run(ctx context.Context, gone <-chan struct{}, req pipeline.Request, events chan<- pipeline.Event) {
	defer close(events)

	terminal := false
	emit := func(ev pipeline.Event) {
		if terminal {
			return
		}
		terminal = ev.Terminal()
		select {
		case events <- ev:
		case <-gone:
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("pipeline panic", slog.String("run_id", req.RunID), slog.Any("panic", rec))
			if h.metrics != nil {
				h.metrics.ObservePipelineRun("error")
			}
			emit(pipeline.Event{Step: string(pipeline.StateError), Message: "internal error while processing the video"})
		}
	}()

	h.runner.Run(ctx, req, emit)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeEvent(w io.Writer, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
