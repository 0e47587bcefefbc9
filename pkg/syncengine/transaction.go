package syncengine

import (
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/rules"
)

// Record fields copied onto transaction columns.
const (
	FieldID                  = "id"
	FieldTransactionID       = "transactionId"
	FieldEliminationStatus   = "eliminationStatus"
	FieldConsolidationStatus = "consolidationStatus"
	FieldIsIntercompany      = "isIntercompany"
)

// TransactionID is the record's id, falling back to transactionId.
func TransactionID(rec record.Record) (string, bool) {
	for _, field := range []string{FieldID, FieldTransactionID} {
		v, ok := rec.Get(field)
		if !ok || v == nil || record.IsUndefined(v) {
			continue
		}
		if id := record.ToString(v); id != "" {
			return id, true
		}
	}
	return "", false
}

// NewTransaction builds the row persisted for a processed record. The integration
// supplies the tenant, entity and source.
func NewTransaction(integration *models.Integration, rec record.Record) (*models.Transaction, error) {
	transactionID, ok := TransactionID(rec)
	if !ok {
		return nil, ErrMissingTransactionID
	}

	data := rec.JSONSafe()
	tags, _ := data[rules.FieldTags].([]any)
	if tags == nil {
		tags = []any{}
	}

	entityID := integration.EntityID
	if entityID == "" {
		entityID = models.DefaultEntityID
	}

	txn := &models.Transaction{
		TenantID:            integration.TenantID,
		TransactionID:       transactionID,
		EntityID:            entityID,
		SourceIntegration:   integration.ID,
		Data:                database.NewJSONB(map[string]any(data)),
		AppliedRules:        database.NewJSONB(rules.AppliedRuleIDs(rec)),
		Tags:                database.NewJSONB(tags),
		EliminationStatus:   optionalString(rec, FieldEliminationStatus),
		ConsolidationStatus: optionalString(rec, FieldConsolidationStatus),
		IsIntercompany:      rec.Bool(FieldIsIntercompany),
	}
	return txn, nil
}

func optionalString(rec record.Record, field string) *string {
	v, ok := rec.Get(field)
	if !ok || v == nil || record.IsUndefined(v) {
		return nil
	}
	s := record.ToString(v)
	return &s
}
