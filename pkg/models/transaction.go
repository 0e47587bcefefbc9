package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Transaction is a processed record persisted by a sync, unique per tenant and
// transaction_id.
type Transaction struct {
	ID                  uuid.UUID                      `db:"id" json:"id"`
	TenantID            uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	TransactionID       string                         `db:"transaction_id" json:"transaction_id"`
	EntityID            string                         `db:"entity_id" json:"entity_id"`
	SourceIntegration   uuid.UUID                      `db:"source_integration" json:"source_integration"`
	Data                database.JSONB[map[string]any] `db:"data" json:"data"`
	AppliedRules        database.JSONB[[]string]       `db:"applied_rules" json:"applied_rules"`
	Tags                database.JSONB[[]any]          `db:"tags" json:"tags"`
	EliminationStatus   *string                        `db:"elimination_status" json:"elimination_status,omitempty"`
	ConsolidationStatus *string                        `db:"consolidation_status" json:"consolidation_status,omitempty"`
	IsIntercompany      bool                           `db:"is_intercompany" json:"is_intercompany"`
	CreatedAt           time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time                      `db:"updated_at" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

type TransactionFilter struct {
	IntegrationID *uuid.UUID
	EntityID      string
	Limit         int
	Offset        int
}

// SyncResult is the outcome of one sync attempt.
type SyncResult struct {
	Success          bool     `json:"success"`
	RecordsProcessed int      `json:"records_processed"`
	RecordsFailed    int      `json:"records_failed"`
	Errors           []string `json:"errors,omitempty"`
}
