package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-adapter/models"
	"go.uber.org/zap"
)

// MockUsageRepository is a mock implementation of UsageRepository
type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) Record(ctx context.Context, record *models.UsageRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockUsageRepository) SummarizeByCaller(ctx context.Context, caller string, since time.Time) (*models.UsageSummary, error) {
	args := m.Called(ctx, caller, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UsageSummary), args.Error(1)
}

func usageRequest(caller, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/usage/"+caller+query, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("caller", caller)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleCallerUsage(t *testing.T) {
	logger := zap.NewNop()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("default window", func(t *testing.T) {
		repo := new(MockUsageRepository)
		handler := NewUsageHandler(repo, logger)
		handler.now = func() time.Time { return now }

		repo.On("SummarizeByCaller", mock.Anything, "caller-1", now.Add(-24*time.Hour)).
			Return(&models.UsageSummary{
				Caller:      "caller-1",
				Requests:    4,
				TotalTokens: 120,
				ByProvider:  map[string]int{"openai": 3, "gemini": 1},
			}, nil)

		w := httptest.NewRecorder()
		handler.HandleCallerUsage(w, usageRequest("caller-1", ""))

		require.Equal(t, http.StatusOK, w.Code)

		var env struct {
			Data models.UsageSummary `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
		assert.Equal(t, 4, env.Data.Requests)
		assert.Equal(t, 3, env.Data.ByProvider["openai"])
		repo.AssertExpectations(t)
	})

	t.Run("explicit since", func(t *testing.T) {
		repo := new(MockUsageRepository)
		handler := NewUsageHandler(repo, logger)

		since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		repo.On("SummarizeByCaller", mock.Anything, "caller-2", since).
			Return(&models.UsageSummary{Caller: "caller-2", ByProvider: map[string]int{}}, nil)

		w := httptest.NewRecorder()
		handler.HandleCallerUsage(w, usageRequest("caller-2", "?since=2026-02-01T00:00:00Z"))

		assert.Equal(t, http.StatusOK, w.Code)
		repo.AssertExpectations(t)
	})

	t.Run("bad since", func(t *testing.T) {
		repo := new(MockUsageRepository)
		handler := NewUsageHandler(repo, logger)

		w := httptest.NewRecorder()
		handler.HandleCallerUsage(w, usageRequest("caller-1", "?since=yesterday"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		repo.AssertNotCalled(t, "SummarizeByCaller", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("repository failure", func(t *testing.T) {
		repo := new(MockUsageRepository)
		handler := NewUsageHandler(repo, logger)

		repo.On("SummarizeByCaller", mock.Anything, "caller-1", mock.Anything).Return(nil, errors.New("db down"))

		w := httptest.NewRecorder()
		handler.HandleCallerUsage(w, usageRequest("caller-1", ""))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("ledger disabled", func(t *testing.T) {
		handler := NewUsageHandler(nil, logger)

		w := httptest.NewRecorder()
		handler.HandleCallerUsage(w, usageRequest("caller-1", ""))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
