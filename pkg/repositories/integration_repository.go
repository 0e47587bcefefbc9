package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const integrationsTable = "integrations"

var integrationStruct = database.NewStruct(new(models.Integration))

// IntegrationRepository handles database operations for integrations
type IntegrationRepository struct {
	*Repository
}

func NewIntegrationRepository(db database.DB, logger ectologger.Logger) *IntegrationRepository {
	return &IntegrationRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create stores a new integration for the current tenant. Unset defaults are filled in.
func (r *IntegrationRepository) Create(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	integration.TenantID = tenantID

	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}
	if integration.EntityID == "" {
		integration.EntityID = models.DefaultEntityID
	}
	if integration.Status == "" {
		integration.Status = models.StatusDisconnected
	}
	if integration.SyncFrequency == "" {
		integration.SyncFrequency = models.FrequencyDaily
	}
	if integration.SyncStatus == "" {
		integration.SyncStatus = models.SyncStatusActive
	}
	if integration.Config.Data == nil {
		integration.Config.Data = map[string]any{}
	}
	if integration.FieldMappings.Data == nil {
		integration.FieldMappings.Data = []models.FieldMapping{}
	}
	integration.IsActive = true

	ib := database.NewInsertBuilder()
	ib.InsertInto(integrationsTable).
		Cols("id", "tenant_id", "entity_id", "name", "type", "provider", "status", "config", "field_mappings",
			"next_sync_at", "sync_frequency", "sync_status", "is_active", "created_at", "updated_at").
		Values(integration.ID, integration.TenantID, integration.EntityID, integration.Name, integration.Type,
			integration.Provider, integration.Status, integration.Config, integration.FieldMappings,
			integration.NextSyncAt, integration.SyncFrequency, integration.SyncStatus, integration.IsActive,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"integration_id": integration.ID}, "failed to create integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
		"provider":       integration.Provider,
	}).Debugf("Created %s", integrationsTable)
	return nil
}

// GetByID retrieves an active integration by ID (tenant-scoped)
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id), sb.Equal("is_active", true))

	query, args := sb.Build()
	var integration models.Integration
	err = r.DB().GetContext(ctx, &integration, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}
	if err != nil {
		return nil, r.internalError(ctx, err, map[string]any{"integration_id": id}, "failed to get integration by ID")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
	}).Debugf("Retrieved %s by ID: %s", integrationsTable, id)
	return &integration, nil
}

// List returns the tenant's active integrations, optionally narrowed by type, status and
// provider.
func (r *IntegrationRepository) List(ctx context.Context, filter models.IntegrationFilter) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("is_active", true))
	if filter.Type != "" {
		sb.Where(sb.Equal("type", filter.Type))
	}
	if filter.Status != "" {
		sb.Where(sb.Equal("status", filter.Status))
	}
	if filter.Provider != "" {
		sb.Where(sb.Equal("provider", filter.Provider))
	}
	sb.OrderBy("created_at").Desc()

	query, args := sb.Build()
	integrations := []models.Integration{}
	if err := r.DB().SelectContext(ctx, &integrations, query, args...); err != nil {
		return nil, r.internalError(ctx, err, map[string]any{"tenant_id": tenantID}, "failed to list integrations")
	}

	r.logger.WithContext(ctx).Debugf("Listed %d %s", len(integrations), integrationsTable)
	return integrations, nil
}

// Update writes the user-editable fields of an integration.
func (r *IntegrationRepository) Update(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Update")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("name", integration.Name),
			ub.Assign("entity_id", integration.EntityID),
			ub.Assign("config", integration.Config),
			ub.Assign("field_mappings", integration.FieldMappings),
			ub.Assign("sync_frequency", integration.SyncFrequency),
			ub.Assign("sync_status", integration.SyncStatus),
			ub.Assign("next_sync_at", integration.NextSyncAt),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", integration.ID), ub.Equal("is_active", true))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&integration.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", integration.ID)
	}
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"integration_id": integration.ID}, "failed to update integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
	}).Debugf("Updated %s", integrationsTable)
	return nil
}

// Delete deactivates an integration. The row and its synced transactions are kept.
func (r *IntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("is_active", false),
			ub.Assign("status", models.StatusDisconnected),
			ub.Assign("next_sync_at", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("is_active", true))

	return r.exec(ctx, ub, id, "failed to delete integration")
}

// SetStatus moves an integration to status.
func (r *IntegrationRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.ConnectionStatus) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.SetStatus")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	if err := r.exec(ctx, ub, id, "failed to update integration status"); err != nil {
		return err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
		"status":         status,
	}).Debug("Updated integration status")
	return nil
}

// RecordSyncSuccess marks the integration connected, clears any error and adds the
// outcome's counters to the running totals.
func (r *IntegrationRepository) RecordSyncSuccess(ctx context.Context, id uuid.UUID, outcome SyncOutcome) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.RecordSyncSuccess")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("status", models.StatusConnected),
			ub.Assign("last_sync_at", outcome.SyncedAt),
			ub.Assign("next_sync_at", outcome.NextSyncAt),
			ub.Add("records_processed", outcome.Processed),
			ub.Add("records_failed", outcome.Failed),
			ub.Assign("sync_status", models.SyncStatusActive),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	return r.exec(ctx, ub, id, "failed to record sync result")
}

// RecordSyncFailure marks the integration and its sync state errored with message. Sync
// timestamps and counters from the last success are left alone.
func (r *IntegrationRepository) RecordSyncFailure(ctx context.Context, id uuid.UUID, message string) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.RecordSyncFailure")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("status", models.StatusError),
			ub.Assign("sync_status", models.SyncStatusError),
			ub.Assign("error_message", message),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	return r.exec(ctx, ub, id, "failed to record sync failure")
}

func (r *IntegrationRepository) exec(ctx context.Context, ub *database.UpdateBuilder, id uuid.UUID, failure string) error {
	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"integration_id": id}, failure)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"integration_id": id}, failure)
	}
	if rowsAffected == 0 {
		return NotFound("integration %s does not exist", id)
	}
	return nil
}
