package handlers

import (
	"net/http"

	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/ratelimit"
	"github.com/upb/llm-adapter/utils"
	"go.uber.org/zap"
)

// ProviderStatus describes one configured provider
type ProviderStatus struct {
	Name               providers.ProviderTag `json:"name"`
	Primary            bool                  `json:"primary"`
	SupportsEmbeddings bool                  `json:"supports_embeddings"`
	Limits             *ratelimit.Stats      `json:"limits,omitempty"`
}

// ProvidersResponse is the body of GET /v1/providers
type ProvidersResponse struct {
	Primary   providers.ProviderTag `json:"primary"`
	Providers []ProviderStatus      `json:"providers"`
}

// SetPrimaryRequest is the body of PUT /v1/providers/primary
type SetPrimaryRequest struct {
	Provider providers.ProviderTag `json:"provider" validate:"required"`
}

// ProviderHandler exposes the provider order and limiter state
type ProviderHandler struct {
	service AdapterService
	logger  *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(service AdapterService, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		service: service,
		logger:  logger,
	}
}

// HandleListProviders handles GET /v1/providers
func (h *ProviderHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.snapshot()); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// HandleSetPrimary handles PUT /v1/providers/primary
func (h *ProviderHandler) HandleSetPrimary(w http.ResponseWriter, r *http.Request) {
	var req SetPrimaryRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.service.SetProvider(req.Provider); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("primary provider set over HTTP", zap.String("provider", req.Provider.String()))
	if err := utils.WriteOK(w, h.snapshot()); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

func (h *ProviderHandler) snapshot() ProvidersResponse {
	order := h.service.Providers()
	stats := h.service.Stats()

	resp := ProvidersResponse{Providers: make([]ProviderStatus, 0, len(order))}
	for i, tag := range order {
		status := ProviderStatus{
			Name:               tag,
			Primary:            i == 0,
			SupportsEmbeddings: providers.SupportsEmbeddings(tag),
		}
		if st, ok := stats[tag]; ok {
			status.Limits = &st
		}
		resp.Providers = append(resp.Providers, status)
	}
	if len(order) > 0 {
		resp.Primary = order[0]
	}
	return resp
}
