package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/utils"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "rate limit",
			err:            providers.NewNormalizedError(providers.ProviderOpenAI, providers.ErrorKindRateLimit, "slow down", 429, true, nil),
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit_exceeded",
		},
		{
			name:           "invalid request",
			err:            providers.NewInvalidRequestError(providers.ProviderAnthropic, errors.New("bad")),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "authentication",
			err:            providers.NewNormalizedError(providers.ProviderGemini, providers.ErrorKindAuthentication, "bad key", 401, false, nil),
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "unauthorized",
		},
		{
			name:           "unsupported",
			err:            providers.NewUnsupportedError(providers.ProviderAnthropic, "embeddings"),
			expectedStatus: http.StatusNotImplemented,
			expectedError:  "not_implemented",
		},
		{
			name:           "configuration",
			err:            providers.NewConfigurationError("no provider", nil),
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "service_unavailable",
		},
		{
			name:           "timeout",
			err:            providers.NewNormalizedError(providers.ProviderOpenAI, providers.ErrorKindTimeout, "deadline", 0, true, nil),
			expectedStatus: http.StatusGatewayTimeout,
			expectedError:  "gateway_timeout",
		},
		{
			name:           "server error",
			err:            providers.NewNormalizedError(providers.ProviderOpenAI, providers.ErrorKindServerError, "overloaded", 503, true, nil),
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "wrapped normalized error",
			err:            fmt.Errorf("outer: %w", providers.NewNormalizedError(providers.ProviderOpenAI, providers.ErrorKindRateLimit, "", 429, true, nil)),
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit_exceeded",
		},
		{
			name:           "provider not configured",
			err:            fmt.Errorf("%w: gemini", providers.ErrProviderNotFound),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "unknown error",
			err:            errors.New("something odd"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
			assert.NotEmpty(t, response.Message)
		})
	}
}

func TestHandleServiceError_UpstreamDetails(t *testing.T) {
	w := httptest.NewRecorder()
	err := providers.NewNormalizedError(providers.ProviderAnthropic, providers.ErrorKindRateLimit, "rate_limit_error", 429, true, nil)

	HandleServiceError(w, err, zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "anthropic", response.Provider)
	assert.EqualValues(t, 429, response.Details["upstream_status"])
	assert.Contains(t, response.Message, "rate_limit_error")
}

func TestHandleServiceError_ValidationFields(t *testing.T) {
	req := &providers.CompletionRequest{}
	verr := req.Validate()
	require.Error(t, verr)

	w := httptest.NewRecorder()
	HandleServiceError(w, providers.NewInvalidRequestError("", verr), zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "Validation failed", response.Message)
	assert.Contains(t, response.Details, "messages")
	assert.Empty(t, response.Provider)
}

func TestHandleServiceErrorNil(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, nil, zap.NewNop())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	t.Run("validation error", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := utils.ValidateStruct(&SetPrimaryRequest{})

		HandleValidationError(w, err, zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "Validation failed", response.Message)
		assert.Contains(t, response.Details, "provider")
	})

	t.Run("generic error", func(t *testing.T) {
		w := httptest.NewRecorder()

		HandleValidationError(w, errors.New("bad input"), zap.NewNop())

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "bad input", response.Message)
	})
}
