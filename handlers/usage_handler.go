package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-adapter/repositories"
	"github.com/upb/llm-adapter/utils"
	"go.uber.org/zap"
)

// defaultUsageWindow is used when the since parameter is absent
const defaultUsageWindow = 24 * time.Hour

// UsageHandler reports what the usage ledger recorded
type UsageHandler struct {
	repo   repositories.UsageRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewUsageHandler creates a new UsageHandler. repo may be nil when no
// database is configured.
func NewUsageHandler(repo repositories.UsageRepository, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// HandleCallerUsage handles GET /v1/usage/{caller}?since=RFC3339
func (h *UsageHandler) HandleCallerUsage(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		_ = utils.WriteError(w, http.StatusServiceUnavailable, "usage ledger is not configured", nil)
		return
	}

	caller := chi.URLParam(r, "caller")
	if caller == "" {
		_ = utils.WriteBadRequest(w, "caller is required", nil)
		return
	}

	since := h.now().Add(-defaultUsageWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "since must be an RFC 3339 timestamp", map[string]interface{}{"since": raw})
			return
		}
		since = parsed
	}

	summary, err := h.repo.SummarizeByCaller(r.Context(), caller, since)
	if err != nil {
		h.logger.Error("failed to summarize usage", zap.String("caller", caller), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "failed to summarize usage")
		return
	}

	if err := utils.WriteOK(w, summary); err != nil {
		h.logger.Error("failed to write usage response", zap.Error(err))
	}
}
