package repositories

import (
	"context"
	"time"

	"github.com/upb/llm-adapter/models"
)

// UsageRepository handles the llm_usage ledger
type UsageRepository interface {
	// Record inserts one usage record
	Record(ctx context.Context, record *models.UsageRecord) error

	// SummarizeByCaller aggregates a caller's usage since the given time
	SummarizeByCaller(ctx context.Context, caller string, since time.Time) (*models.UsageSummary, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Usage UsageRepository
}
