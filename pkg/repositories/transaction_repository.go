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

const (
	transactionsTable   = "transactions"
	defaultListLimit    = 100
	maxTransactionLimit = 1000
)

var transactionStruct = database.NewStruct(new(models.Transaction))

// TransactionRepository handles database operations for synced transactions
type TransactionRepository struct {
	*Repository
}

func NewTransactionRepository(db database.DB, logger ectologger.Logger) *TransactionRepository {
	return &TransactionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert inserts the transaction or replaces the stored one with the same
// transaction_id. It reports false when an identical row was already stored, in which
// case nothing is written.
func (r *TransactionRepository) Upsert(ctx context.Context, txn *models.Transaction) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "TransactionRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}
	txn.TenantID = tenantID

	if txn.TransactionID == "" {
		return false, httperror.NewHTTPError(http.StatusBadRequest, "transaction_id is required")
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.EntityID == "" {
		txn.EntityID = models.DefaultEntityID
	}
	if txn.AppliedRules.Data == nil {
		txn.AppliedRules.Data = []string{}
	}
	if txn.Tags.Data == nil {
		txn.Tags.Data = []any{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(transactionsTable).
		Cols("id", "tenant_id", "transaction_id", "entity_id", "source_integration", "data", "applied_rules", "tags",
			"elimination_status", "consolidation_status", "is_intercompany", "created_at", "updated_at").
		Values(txn.ID, txn.TenantID, txn.TransactionID, txn.EntityID, txn.SourceIntegration, txn.Data,
			txn.AppliedRules, txn.Tags, txn.EliminationStatus, txn.ConsolidationStatus, txn.IsIntercompany,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))

	ub := ib.OnConflict("tenant_id", "transaction_id")
	ub.Set(
		ub.Assign("entity_id", database.Excluded("entity_id")),
		ub.Assign("source_integration", database.Excluded("source_integration")),
		ub.Assign("data", database.Excluded("data")),
		ub.Assign("applied_rules", database.Excluded("applied_rules")),
		ub.Assign("tags", database.Excluded("tags")),
		ub.Assign("elimination_status", database.Excluded("elimination_status")),
		ub.Assign("consolidation_status", database.Excluded("consolidation_status")),
		ub.Assign("is_intercompany", database.Excluded("is_intercompany")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where("transactions.data IS DISTINCT FROM EXCLUDED.data")
	ib.SQL("RETURNING id, created_at, updated_at, (xmax = 0) AS inserted")

	query, args := ib.Build()
	var inserted bool
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt, &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// the conflict update was filtered out, so the stored row already matches
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"transaction_id": txn.TransactionID,
		}).Debug("Transaction unchanged")
		return false, nil
	}
	if err != nil {
		return false, r.internalError(ctx, err, map[string]any{
			"transaction_id":     txn.TransactionID,
			"source_integration": txn.SourceIntegration,
		}, "failed to upsert transaction")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"transaction_id": txn.TransactionID,
		"inserted":       inserted,
	}).Debugf("Upserted %s", transactionsTable)
	return true, nil
}

// GetByTransactionID retrieves a transaction by its source transaction id (tenant-scoped)
func (r *TransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	ctx, span := tracing.StartSpan(ctx, "TransactionRepository.GetByTransactionID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := transactionStruct.SelectFrom(transactionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("transaction_id", transactionID))

	query, args := sb.Build()
	var txn models.Transaction
	err = r.DB().GetContext(ctx, &txn, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "transaction %s does not exist", transactionID)
	}
	if err != nil {
		return nil, r.internalError(ctx, err, map[string]any{"transaction_id": transactionID}, "failed to get transaction")
	}
	return &txn, nil
}

// List pages through the tenant's transactions, newest first.
func (r *TransactionRepository) List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	ctx, span := tracing.StartSpan(ctx, "TransactionRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	sb := transactionStruct.SelectFrom(transactionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	if filter.IntegrationID != nil {
		sb.Where(sb.Equal("source_integration", *filter.IntegrationID))
	}
	if filter.EntityID != "" {
		sb.Where(sb.Equal("entity_id", filter.EntityID))
	}
	sb.OrderBy("updated_at DESC", "transaction_id ASC")
	sb.Limit(limit)
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	transactions := []models.Transaction{}
	if err := r.DB().SelectContext(ctx, &transactions, query, args...); err != nil {
		return nil, r.internalError(ctx, err, map[string]any{"tenant_id": tenantID}, "failed to list transactions")
	}

	r.logger.WithContext(ctx).Debugf("Listed %d %s", len(transactions), transactionsTable)
	return transactions, nil
}
