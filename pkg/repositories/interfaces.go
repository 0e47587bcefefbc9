package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IntegrationRepo defines the interface for integration repository operations
type IntegrationRepo interface {
	Create(ctx context.Context, integration *models.Integration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	List(ctx context.Context, filter models.IntegrationFilter) ([]models.Integration, error)
	Update(ctx context.Context, integration *models.Integration) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.ConnectionStatus) error
	RecordSyncSuccess(ctx context.Context, id uuid.UUID, result SyncOutcome) error
	RecordSyncFailure(ctx context.Context, id uuid.UUID, message string) error
}

// RuleRepo defines the interface for accounting rule repository operations
type RuleRepo interface {
	Create(ctx context.Context, rule *models.AccountingRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AccountingRule, error)
	List(ctx context.Context, filter models.RuleFilter) ([]models.AccountingRule, error)
	ListActive(ctx context.Context) ([]models.AccountingRule, error)
	Update(ctx context.Context, rule *models.AccountingRule) error
	Delete(ctx context.Context, id uuid.UUID) error
	RecordApplications(ctx context.Context, counts map[uuid.UUID]int, at time.Time) error
}

// TransactionRepo defines the interface for transaction repository operations
type TransactionRepo interface {
	Upsert(ctx context.Context, transaction *models.Transaction) (bool, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)
}

// SyncOutcome is what a successful sync writes back onto its integration.
type SyncOutcome struct {
	SyncedAt   time.Time
	NextSyncAt time.Time
	Processed  int
	Failed     int
}
