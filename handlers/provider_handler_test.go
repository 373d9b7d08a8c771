package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/ratelimit"
	"github.com/upb/llm-adapter/utils"
	"go.uber.org/zap"
)

type providersEnvelope struct {
	Data ProvidersResponse `json:"data"`
}

func TestHandleListProviders(t *testing.T) {
	svc := new(MockAdapterService)
	handler := NewProviderHandler(svc, zap.NewNop())

	svc.On("Providers").Return([]providers.ProviderTag{providers.ProviderAnthropic, providers.ProviderOpenAI})
	svc.On("Stats").Return(map[providers.ProviderTag]ratelimit.Stats{
		providers.ProviderAnthropic: {InFlight: 1, RequestsPerMinute: 50, TokensPerMinute: 40000, MaxConcurrent: 5},
	})

	w := httptest.NewRecorder()
	handler.HandleListProviders(w, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var env providersEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))

	assert.Equal(t, providers.ProviderAnthropic, env.Data.Primary)
	require.Len(t, env.Data.Providers, 2)

	first := env.Data.Providers[0]
	assert.True(t, first.Primary)
	assert.False(t, first.SupportsEmbeddings)
	require.NotNil(t, first.Limits)
	assert.Equal(t, 50, first.Limits.RequestsPerMinute)
	assert.Equal(t, 1, first.Limits.InFlight)

	second := env.Data.Providers[1]
	assert.False(t, second.Primary)
	assert.True(t, second.SupportsEmbeddings)
	assert.Nil(t, second.Limits)
}

func TestHandleSetPrimary(t *testing.T) {
	logger := zap.NewNop()

	t.Run("success", func(t *testing.T) {
		svc := new(MockAdapterService)
		handler := NewProviderHandler(svc, logger)

		svc.On("SetProvider", providers.ProviderGemini).Return(nil)
		svc.On("Providers").Return([]providers.ProviderTag{providers.ProviderGemini, providers.ProviderOpenAI})
		svc.On("Stats").Return(map[providers.ProviderTag]ratelimit.Stats{})

		req := httptest.NewRequest(http.MethodPut, "/v1/providers/primary", jsonBody(`{"provider": "gemini"}`))
		w := httptest.NewRecorder()
		handler.HandleSetPrimary(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var env providersEnvelope
		require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
		assert.Equal(t, providers.ProviderGemini, env.Data.Primary)
		svc.AssertExpectations(t)
	})

	t.Run("not configured", func(t *testing.T) {
		svc := new(MockAdapterService)
		handler := NewProviderHandler(svc, logger)

		svc.On("SetProvider", providers.ProviderGemini).
			Return(fmt.Errorf("%w: gemini", providers.ErrProviderNotFound))

		req := httptest.NewRequest(http.MethodPut, "/v1/providers/primary", jsonBody(`{"provider": "gemini"}`))
		w := httptest.NewRecorder()
		handler.HandleSetPrimary(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Contains(t, response.Message, "provider not configured")
	})

	t.Run("missing provider", func(t *testing.T) {
		svc := new(MockAdapterService)
		handler := NewProviderHandler(svc, logger)

		req := httptest.NewRequest(http.MethodPut, "/v1/providers/primary", jsonBody(`{}`))
		w := httptest.NewRecorder()
		handler.HandleSetPrimary(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "SetProvider", mock.Anything)
	})
}
