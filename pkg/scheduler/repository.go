package scheduler

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DueIntegration is an integration whose next scheduled sync has arrived.
type DueIntegration struct {
	TenantID      uuid.UUID  `db:"tenant_id"`
	IntegrationID uuid.UUID  `db:"id"`
	Provider      string     `db:"provider"`
	NextSyncAt    *time.Time `db:"next_sync_at"`
}

// Repository reads across tenants. It is only used by the scheduler and never by request
// handlers.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Integrations that have never been scheduled come first, then the most overdue.
const dueIntegrationsQuery = `
	SELECT tenant_id, id, provider, next_sync_at
	FROM integrations
	WHERE is_active = true
	AND status = 'connected'
	AND sync_status = 'active'
	AND (next_sync_at IS NULL OR next_sync_at <= $1)
	ORDER BY next_sync_at ASC NULLS FIRST
	LIMIT $2
`

// ListDue returns up to limit connected, active integrations due at now.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]DueIntegration, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.ListDue")
	defer span.End()

	var due []DueIntegration
	if err := r.db.SelectContext(ctx, &due, dueIntegrationsQuery, now, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to query due integrations")
		return nil, err
	}

	r.logger.WithContext(ctx).Debugf("Found %d due integrations", len(due))
	return due, nil
}
