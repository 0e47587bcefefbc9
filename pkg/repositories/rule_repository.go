package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const rulesTable = "accounting_rules"

var ruleStruct = database.NewStruct(new(models.AccountingRule))

// recordApplicationsQuery bumps applied_count by the per-rule count and stamps
// last_applied_at for every rule in one statement.
const recordApplicationsQuery = `
UPDATE accounting_rules AS r
SET applied_count = r.applied_count + c.count,
    last_applied_at = $3
FROM unnest($1::uuid[], $2::bigint[]) AS c(id, count)
WHERE r.id = c.id AND r.tenant_id = $4
`

// RuleRepository handles database operations for accounting rules
type RuleRepository struct {
	*Repository
}

func NewRuleRepository(db database.DB, logger ectologger.Logger) *RuleRepository {
	return &RuleRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create stores a new rule for the current tenant
func (r *RuleRepository) Create(ctx context.Context, rule *models.AccountingRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	rule.TenantID = tenantID

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.Conditions.Data == nil {
		rule.Conditions.Data = []models.Condition{}
	}
	if rule.Actions.Data == nil {
		rule.Actions.Data = []models.Action{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(rulesTable).
		Cols("id", "tenant_id", "entity_id", "name", "description", "rule_type", "priority", "conditions",
			"actions", "is_active", "created_at", "updated_at").
		Values(rule.ID, rule.TenantID, rule.EntityID, rule.Name, rule.Description, rule.RuleType, rule.Priority,
			rule.Conditions, rule.Actions, rule.IsActive, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"rule_id": rule.ID}, "failed to create accounting rule")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":   rule.ID,
		"rule_type": rule.RuleType,
	}).Debugf("Created %s", rulesTable)
	return nil
}

// GetByID retrieves a rule by ID (tenant-scoped)
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AccountingRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var rule models.AccountingRule
	err = r.DB().GetContext(ctx, &rule, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "accounting rule %s does not exist", id)
	}
	if err != nil {
		return nil, r.internalError(ctx, err, map[string]any{"rule_id": id}, "failed to get accounting rule by ID")
	}
	return &rule, nil
}

// List returns the tenant's rules in evaluation order.
func (r *RuleRepository) List(ctx context.Context, filter models.RuleFilter) ([]models.AccountingRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	if filter.RuleType != "" {
		sb.Where(sb.Equal("rule_type", filter.RuleType))
	}
	if filter.Active != nil {
		sb.Where(sb.Equal("is_active", *filter.Active))
	}
	sb.OrderBy("priority DESC", "created_at ASC", "id ASC")

	query, args := sb.Build()
	rules := []models.AccountingRule{}
	if err := r.DB().SelectContext(ctx, &rules, query, args...); err != nil {
		return nil, r.internalError(ctx, err, map[string]any{"tenant_id": tenantID}, "failed to list accounting rules")
	}

	r.logger.WithContext(ctx).Debugf("Listed %d %s", len(rules), rulesTable)
	return rules, nil
}

// ListActive returns the rules a sync evaluates.
func (r *RuleRepository) ListActive(ctx context.Context) ([]models.AccountingRule, error) {
	active := true
	return r.List(ctx, models.RuleFilter{Active: &active})
}

// Update writes every editable field of a rule.
func (r *RuleRepository) Update(ctx context.Context, rule *models.AccountingRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Update")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("entity_id", rule.EntityID),
			ub.Assign("name", rule.Name),
			ub.Assign("description", rule.Description),
			ub.Assign("rule_type", rule.RuleType),
			ub.Assign("priority", rule.Priority),
			ub.Assign("conditions", rule.Conditions),
			ub.Assign("actions", rule.Actions),
			ub.Assign("is_active", rule.IsActive),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", rule.ID))
	ub.SQL("RETURNING created_at, updated_at, applied_count, last_applied_at")

	query, args := ub.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).
		Scan(&rule.CreatedAt, &rule.UpdatedAt, &rule.AppliedCount, &rule.LastAppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "accounting rule %s does not exist", rule.ID)
	}
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"rule_id": rule.ID}, "failed to update accounting rule")
	}

	rule.TenantID = tenantID
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": rule.ID,
	}).Debugf("Updated %s", rulesTable)
	return nil
}

// Delete removes a rule (tenant-scoped)
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(rulesTable).Where(db.Equal("tenant_id", tenantID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"rule_id": id}, "failed to delete accounting rule")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"rule_id": id}, "failed to delete accounting rule")
	}
	if rowsAffected == 0 {
		return NotFound("accounting rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
	}).Debugf("Deleted %s", rulesTable)
	return nil
}

// RecordApplications adds counts to each rule's applied_count and sets last_applied_at.
// Rules with a zero count are skipped.
func (r *RuleRepository) RecordApplications(ctx context.Context, counts map[uuid.UUID]int, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.RecordApplications")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(counts))
	increments := make([]int64, 0, len(counts))
	for id, count := range counts {
		if count <= 0 {
			continue
		}
		ids = append(ids, id.String())
		increments = append(increments, int64(count))
	}
	if len(ids) == 0 {
		return nil
	}

	_, err = r.DB().ExecContext(ctx, recordApplicationsQuery, pq.Array(ids), pq.Array(increments), at, tenantID)
	if err != nil {
		return r.internalError(ctx, err, map[string]any{"rules": len(ids)}, "failed to record rule applications")
	}

	r.logger.WithContext(ctx).Debugf("Recorded applications for %d accounting rules", len(ids))
	return nil
}
