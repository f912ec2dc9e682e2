package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"video-digest/internal/platform/metrics"
)

const defaultContentType = "audio/mp4"

// Relay outcomes, used as metric labels.
const (
	resultOK         = "ok"
	resultBadRequest = "bad_request"
	resultForbidden  = "forbidden"
	resultUpstream   = "upstream_error"
)

// Handler serves GET /api/audio-proxy?token=. It fetches the signed target
// with origin credentials and streams the body back to the caller.
type Handler struct {
	signer  *Signer
	client  *http.Client
	prepare func(*http.Request)
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a relay Handler. prepare decorates every upstream
// request with the headers the media origin expects; it may be nil.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(signer *Signer, client *http.Client, prepare func(*http.Request), log *slog.Logger, m *metrics.Metrics) *Handler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Handler{signer: signer, client: client, prepare: prepare, log: log, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.fail(w, http.StatusBadRequest, resultBadRequest, "missing token")
		return
	}

	target, err := h.signer.Verify(token)
	if err != nil {
		h.fail(w, http.StatusForbidden, resultForbidden, "invalid or expired token")
		return
	}

	resp, err := h.fetch(r.Context(), target)
	if err != nil {
		h.log.Warn("relay upstream request failed", slog.String("error", err.Error()))
		h.fail(w, http.StatusBadGateway, resultUpstream, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		h.log.Warn("relay upstream rejected request", slog.Int("status", resp.StatusCode))
		h.fail(w, http.StatusBadGateway, resultUpstream, "upstream returned "+resp.Status)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		h.log.Warn("relay stream interrupted", slog.Int64("bytes", n), slog.String("error", err.Error()))
	} else {
		h.log.Debug("relay complete", slog.Int64("bytes", n))
	}
	if h.metrics != nil {
		h.metrics.ObserveRelay(resultOK)
	}
}

func (h *Handler) fetch(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if h.prepare != nil {
		h.prepare(req)
	}
	req.Header.Set("Range", "bytes=0-")
	return h.client.Do(req)
}

func (h *Handler) fail(w http.ResponseWriter, status int, result, msg string) {
	if h.metrics != nil {
		h.metrics.ObserveRelay(result)
	}
	http.Error(w, msg, status)
}
