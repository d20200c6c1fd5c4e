package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/breaker"
	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/checkpoint"
	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/telemetry"
)

// CheckpointStore 处理器所需的检查点操作。
type CheckpointStore interface {
	Dir() string
	Records() []checkpoint.Record
	ClearCheckpoints(steps []string) error
}

// ResponseCache 处理器所需的缓存操作。
type ResponseCache interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Prune(ctx context.Context) (int, error)
}

// BreakerSource 提供熔断器快照。
type BreakerSource interface {
	Breakers() []breaker.Snapshot
}

// Handler 运维接口处理器。Cache 和 Breakers 可以为 nil。
type Handler struct {
	store    CheckpointStore
	cache    ResponseCache
	breakers BreakerSource
	logger   *logrus.Logger
}

// NewHandler 创建处理器。
func NewHandler(store CheckpointStore, c ResponseCache, breakers BreakerSource, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NewDiscardLogger()
	}
	return &Handler{store: store, cache: c, breakers: breakers, logger: logger}
}

// ErrorResponse 错误响应。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Health GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Live GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready GET /health/ready，检查点目录不可访问时返回 503。
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(h.store.Dir()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "checkpoint directory not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListCheckpoints GET /api/v1/checkpoints
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	records := h.store.Records()
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": records,
		"total":       len(records),
	})
}

// GetCheckpoint GET /api/v1/checkpoints/{step}
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	step := chi.URLParam(r, "step")
	for _, rec := range h.store.Records() {
		if rec.Step == step {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, "checkpoint not found")
}

// ClearCheckpoint DELETE /api/v1/checkpoints/{step}
func (h *Handler) ClearCheckpoint(w http.ResponseWriter, r *http.Request) {
	step := chi.URLParam(r, "step")
	if err := h.store.ClearCheckpoints([]string{step}); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.WithError(err).WithField("step", step).Error("Failed to clear checkpoint")
		writeError(w, r, http.StatusInternalServerError, "failed to clear checkpoint")
		return
	}
	h.logger.WithField("step", step).Info("Checkpoint cleared via API")
	w.WriteHeader(http.StatusNoContent)
}

// CacheStats GET /api/v1/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, r, http.StatusNotFound, "cache disabled")
		return
	}
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read cache stats")
		writeError(w, r, http.StatusInternalServerError, "failed to read cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// PruneCache POST /api/v1/cache/prune
func (h *Handler) PruneCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, r, http.StatusNotFound, "cache disabled")
		return
	}
	removed, err := h.cache.Prune(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to prune cache")
		writeError(w, r, http.StatusInternalServerError, "failed to prune cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// ListBreakers GET /api/v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := []breaker.Snapshot{}
	if h.breakers != nil {
		snapshots = append(snapshots, h.breakers.Breakers()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snapshots})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}
