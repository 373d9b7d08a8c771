package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/llm-adapter/models"
	"github.com/upb/llm-adapter/repositories"
	"go.uber.org/zap"
)

// UsageRepository implements the repositories.UsageRepository interface
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Record inserts one usage record
func (r *UsageRepository) Record(ctx context.Context, record *models.UsageRecord) error {
	query := `
		INSERT INTO llm_usage (
			id, caller, provider, model, operation,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.Caller,
		record.Provider,
		record.Model,
		record.Operation,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		record.LatencyMs,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	r.logger.Debug("usage recorded",
		zap.String("id", record.ID.String()),
		zap.String("provider", record.Provider),
		zap.Int("total_tokens", record.TotalTokens))
	return nil
}

// SummarizeByCaller aggregates a caller's usage since the given time
func (r *UsageRepository) SummarizeByCaller(ctx context.Context, caller string, since time.Time) (*models.UsageSummary, error) {
	totalsQuery := `
		SELECT
			COUNT(*) as requests,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(AVG(latency_ms), 0) as avg_latency_ms
		FROM llm_usage
		WHERE caller = $1 AND created_at >= $2
	`

	summary := &models.UsageSummary{
		Caller:     caller,
		Since:      since,
		ByProvider: make(map[string]int),
	}

	byProviderQuery := `
		SELECT provider, COUNT(*)
		FROM llm_usage
		WHERE caller = $1 AND created_at >= $2
		GROUP BY provider
		ORDER BY provider
	`

	err := inTx(ctx, r.db, snapshotTx, r.logger, func(exec executor) error {
		err := exec.QueryRowContext(ctx, totalsQuery, caller, since).Scan(
			&summary.Requests,
			&summary.PromptTokens,
			&summary.CompletionTokens,
			&summary.TotalTokens,
			&summary.AvgLatencyMs,
		)
		if err != nil {
			return fmt.Errorf("failed to summarize usage: %w", err)
		}

		rows, err := exec.QueryContext(ctx, byProviderQuery, caller, since)
		if err != nil {
			return fmt.Errorf("failed to summarize usage by provider: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var provider string
			var count int
			if err := rows.Scan(&provider, &count); err != nil {
				return fmt.Errorf("failed to scan provider usage: %w", err)
			}
			summary.ByProvider[provider] = count
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating provider usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}
