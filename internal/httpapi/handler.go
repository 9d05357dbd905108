// Package httpapi is the webhook entrypoint: storage events in, conversion jobs
// run synchronously, results and completion callbacks out.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/dedupe"
	"github.com/Lllllllleong/statementflow/internal/metrics"
	"github.com/Lllllllleong/statementflow/internal/models"
	"github.com/Lllllllleong/statementflow/internal/notify"
	"github.com/Lllllllleong/statementflow/internal/services"
)

const maxBodyBytes = 1 << 20

// Processor runs one conversion job to completion.
type Processor interface {
	Process(ctx context.Context, req services.JobRequest) *models.ProcessResult
}

type Dispatcher interface {
	Dispatch(ctx context.Context, c notify.Completion)
}

type HandlerConfig struct {
	// WebhookSecret, when set, must arrive as "Authorization: Bearer <secret>".
	WebhookSecret string
}

type Handler struct {
	processor Processor
	guard     dedupe.Guard
	notifier  Dispatcher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	secret    string
	startedAt time.Time
}

func NewHandler(p Processor, guard dedupe.Guard, notifier Dispatcher, m *metrics.Metrics, logger *slog.Logger, cfg HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		processor: p,
		guard:     guard,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		secret:    cfg.WebhookSecret,
		startedAt: time.Now(),
	}
}

// Health reports liveness unconditionally.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Seconds(),
	})
}

// Process handles one storage event.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var ev models.WebhookEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !h.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := strings.TrimSpace(ev.Object.Key)
	if key == "" {
		writeErr(w, http.StatusBadRequest, "object.key is required")
		return
	}
	logCtx := h.logger.With("pdfKey", key, "eTag", ev.Object.ETag)

	if !blob.IsPDFKey(key) {
		logCtx.Info("Skipping non-PDF object.")
		h.metrics.ObserveSkip()
		writeJSON(w, http.StatusOK, models.ProcessResponse{Status: "skipped", Reason: "not a PDF", PDFKey: key})
		return
	}

	if h.guard != nil {
		release, ok, err := h.guard.Acquire(r.Context(), ev.DedupeKey())
		switch {
		case err != nil:
			logCtx.Warn("Dedupe guard unavailable, processing anyway.", "error", err)
		case !ok:
			logCtx.Info("Duplicate delivery while the first is still running. Skipping.")
			writeJSON(w, http.StatusOK, models.ProcessResponse{Status: "skipped", Reason: "duplicate delivery in progress", PDFKey: key})
			return
		default:
			defer release()
		}
	}

	req := services.JobRequest{PDFKey: key, ETag: ev.Object.ETag}
	if ev.Metadata != nil {
		req.FileID = ev.Metadata.FileID
	}
	res := h.processor.Process(r.Context(), req)

	if h.notifier != nil {
		h.notifier.Dispatch(context.WithoutCancel(r.Context()), notify.Completion{Event: &ev, Result: res})
	}

	resp := models.ProcessResponse{
		Status:     "success",
		PDFKey:     key,
		JobID:      res.JobID,
		CSVKey:     res.CSVKey,
		ScriptKey:  res.ScriptKey,
		Verified:   res.Verified,
		Steps:      res.Steps,
		DurationMs: res.DurationMs,
	}
	if !res.Success {
		resp.Status = "error"
		resp.Error = res.Error
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.secret)) == 1
}
