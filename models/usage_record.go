package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageOperation identifies which adapter operation produced a usage record
type UsageOperation string

const (
	UsageOperationComplete UsageOperation = "complete"
	UsageOperationStream   UsageOperation = "stream"
	UsageOperationEmbed    UsageOperation = "embed"
)

// UsageRecord is one successful provider call in the usage ledger
type UsageRecord struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	Caller           string         `json:"caller" db:"caller"` // end-user identifier from the request
	Provider         string         `json:"provider" db:"provider"`
	Model            string         `json:"model" db:"model"`
	Operation        UsageOperation `json:"operation" db:"operation"`
	PromptTokens     int            `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens" db:"total_tokens"`
	LatencyMs        int            `json:"latency_ms" db:"latency_ms"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "llm_usage"
}

// NewUsageRecord creates a new UsageRecord instance
func NewUsageRecord(caller, provider, model string, op UsageOperation) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New(),
		Caller:    caller,
		Provider:  provider,
		Model:     model,
		Operation: op,
		CreatedAt: time.Now(),
	}
}

// SetTokens records token counts. A zero total is derived from the parts.
func (u *UsageRecord) SetTokens(prompt, completion, total int) {
	u.PromptTokens = prompt
	u.CompletionTokens = completion
	if total == 0 {
		total = prompt + completion
	}
	u.TotalTokens = total
}

// SetLatency records the elapsed call time
func (u *UsageRecord) SetLatency(d time.Duration) {
	u.LatencyMs = int(d.Milliseconds())
}

// UsageSummary aggregates usage for one caller
type UsageSummary struct {
	Caller           string         `json:"caller"`
	Since            time.Time      `json:"since"`
	Requests         int            `json:"requests"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	ByProvider       map[string]int `json:"by_provider"` // request count per provider
}
