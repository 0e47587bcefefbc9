package syncengine

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
)

type harness struct {
	engine       *Engine
	integration  *models.Integration
	integrations *fakeIntegrations
	rules        *fakeRules
	transactions *fakeTransactions
	connector    *fakeConnector
	publisher    *fakePublisher
	locker       *LocalLocker
	now          time.Time
	ctx          context.Context
}

func invoice(id string, amount float64) record.Record {
	return record.Record{
		"id":      id,
		"type":    "Invoice",
		"Invoice": map[string]any{"Id": id, "TotalAmt": amount},
	}
}

func newHarness(t *testing.T, records ...record.Record) *harness {
	t.Helper()

	tenantID := uuid.New()
	integration := &models.Integration{
		ID:       uuid.New(),
		TenantID: tenantID,
		EntityID: "east",
		Name:     "Books",
		Type:     models.IntegrationTypeAccounting,
		Provider: models.ProviderCustom,
		Status:   models.StatusConnected,
		FieldMappings: database.NewJSONB([]models.FieldMapping{
			{SourceField: "Invoice.Id", TargetField: "id"},
			{SourceField: "type", TargetField: "type"},
			{SourceField: "Invoice.TotalAmt", TargetField: "revenue.amount", Transformation: "currency"},
			{SourceField: "Invoice.CurrencyRef.value", TargetField: "currency", DefaultValue: "USD"},
		}),
		DataSync: models.DataSync{
			SyncFrequency: models.FrequencyDaily,
			SyncStatus:    models.SyncStatusActive,
		},
		IsActive: true,
	}

	h := &harness{
		integration:  integration,
		integrations: newFakeIntegrations(integration),
		rules:        &fakeRules{},
		transactions: newFakeTransactions(),
		connector:    newFakeConnector(records...),
		publisher:    &fakePublisher{},
		locker:       NewLocalLocker(),
		now:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ctx:          appctx.SetTenantID(context.Background(), tenantID.String()),
	}

	registry := connectors.NewRegistry()
	registry.Register(models.ProviderCustom, func(*models.Integration) (connectors.Connector, error) {
		return h.connector, nil
	})

	h.engine = NewEngine(Options{
		Integrations: h.integrations,
		Rules:        h.rules,
		Transactions: h.transactions,
		Registry:     registry,
		Locker:       h.locker,
		Publisher:    h.publisher,
		Config:       Config{MaxRecords: 10},
		Logger:       logging.NewNop(),
		Now:          func() time.Time { return h.now },
	})
	return h
}

func (h *harness) sync(t *testing.T) *models.SyncResult {
	t.Helper()
	result, err := h.engine.SyncIntegration(h.ctx, h.integration.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func mrrRule() models.AccountingRule {
	return models.AccountingRule{
		ID:       uuid.New(),
		Name:     "Invoices are MRR",
		RuleType: models.RuleTypeRevenueRecognition,
		Priority: 10,
		Conditions: database.NewJSONB([]models.Condition{
			{Field: "type", Operator: models.OperatorEquals, Value: "Invoice"},
		}),
		Actions: database.NewJSONB([]models.Action{
			{Type: models.ActionCategorize, TargetField: "revenueType", TargetValue: "MRR"},
		}),
		IsActive: true,
	}
}

func TestSyncIntegration(t *testing.T) {
	t.Run("should map, categorize and persist invoices", func(t *testing.T) {
		h := newHarness(t, invoice("123", 5000))
		rule := mrrRule()
		h.rules.rules = []models.AccountingRule{rule}

		result := h.sync(t)

		assert.True(t, result.Success)
		assert.Equal(t, 1, result.RecordsProcessed)
		assert.Zero(t, result.RecordsFailed)
		assert.Empty(t, result.Errors)

		txn, err := h.transactions.GetByTransactionID(h.ctx, "123")
		require.NoError(t, err)
		data := record.Record(txn.Data.Data)
		assert.Equal(t, 5000.0, data.Lookup("revenue.amount"))
		assert.Equal(t, "MRR", data["revenueType"])
		assert.Equal(t, "USD", data["currency"])
		assert.Equal(t, []string{rule.ID.String()}, txn.AppliedRules.Data)
		assert.Equal(t, "east", txn.EntityID)
		assert.Equal(t, h.integration.ID, txn.SourceIntegration)
		assert.Equal(t, h.integration.TenantID, txn.TenantID)

		assert.Equal(t, 1, h.rules.counts[rule.ID])
		assert.Equal(t, []string{kafka.EventSyncStarted, kafka.EventSyncCompleted}, h.publisher.events)
		require.Len(t, h.publisher.transactions, 1)
		assert.Equal(t, "123", h.publisher.transactions[0].TransactionID)
		assert.True(t, h.connector.disconnected)
	})

	t.Run("should update sync metadata on success", func(t *testing.T) {
		h := newHarness(t, invoice("1", 10), invoice("2", 20))

		h.sync(t)

		stored := h.integrations.integrations[h.integration.ID]
		assert.Equal(t, []models.ConnectionStatus{models.StatusSyncing, models.StatusConnected}, h.integrations.statuses)
		require.NotNil(t, stored.LastSyncAt)
		assert.Equal(t, h.now, *stored.LastSyncAt)
		require.NotNil(t, stored.NextSyncAt)
		assert.Equal(t, h.now.Add(24*time.Hour), *stored.NextSyncAt)
		assert.EqualValues(t, 2, stored.RecordsProcessed)
		assert.Nil(t, stored.ErrorMessage)
	})

	t.Run("should count only changed rows on a repeated sync", func(t *testing.T) {
		h := newHarness(t, invoice("1", 10), invoice("2", 20))

		first := h.sync(t)
		second := h.sync(t)

		assert.Equal(t, 2, first.RecordsProcessed)
		assert.True(t, second.Success)
		assert.Zero(t, second.RecordsProcessed)

		h.connector.records[0] = invoice("1", 15)
		third := h.sync(t)
		assert.Equal(t, 1, third.RecordsProcessed)

		rows, err := h.transactions.List(h.ctx, models.TransactionFilter{})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("should fetch from the last sync or the lookback window", func(t *testing.T) {
		h := newHarness(t)

		h.sync(t)
		require.Len(t, h.connector.params, 1)
		params := h.connector.params[0]
		assert.Equal(t, connectors.DataTypeTransactions, params.DataType)
		assert.Equal(t, h.now.Add(-30*24*time.Hour), params.StartDate)
		assert.Equal(t, h.now, params.EndDate)
		assert.Equal(t, 11, params.Limit)

		previous := h.now
		h.now = h.now.Add(time.Hour)
		h.sync(t)
		require.Len(t, h.connector.params, 2)
		assert.Equal(t, previous, h.connector.params[1].StartDate)
	})

	t.Run("should exclude only rejected records", func(t *testing.T) {
		h := newHarness(t, invoice("keep", 10), invoice("drop", 20))
		h.rules.rules = []models.AccountingRule{{
			ID:       uuid.New(),
			Priority: 1,
			Conditions: database.NewJSONB([]models.Condition{
				{Field: "id", Operator: models.OperatorEquals, Value: "drop"},
			}),
			Actions:  database.NewJSONB([]models.Action{{Type: models.ActionReject, TargetValue: "test data"}}),
			IsActive: true,
		}}

		result := h.sync(t)

		assert.True(t, result.Success)
		assert.Equal(t, 1, result.RecordsProcessed)
		_, err := h.transactions.GetByTransactionID(h.ctx, "keep")
		assert.NoError(t, err)
		_, err = h.transactions.GetByTransactionID(h.ctx, "drop")
		assert.Error(t, err)
	})

	t.Run("should count records without an id or with a failed save", func(t *testing.T) {
		h := newHarness(t, invoice("ok", 10), record.Record{"type": "Invoice"}, invoice("bad", 1))
		h.transactions.failIDs["bad"] = true

		result := h.sync(t)

		assert.True(t, result.Success)
		assert.Equal(t, 1, result.RecordsProcessed)
		assert.Equal(t, 2, result.RecordsFailed)
		assert.EqualValues(t, 2, h.integrations.integrations[h.integration.ID].RecordsFailed)
	})

	t.Run("should record a fetch failure without writing transactions", func(t *testing.T) {
		h := newHarness(t)
		lastSync := h.now.Add(-time.Hour)
		h.integration.LastSyncAt = &lastSync
		h.connector.fetchErr = errors.New("upstream 500")

		result, err := h.engine.SyncIntegration(h.ctx, h.integration.ID)

		require.NoError(t, err)
		assert.False(t, result.Success)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "upstream 500")

		stored := h.integrations.integrations[h.integration.ID]
		assert.Equal(t, models.StatusError, stored.Status)
		assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
		require.NotNil(t, stored.ErrorMessage)
		assert.Contains(t, *stored.ErrorMessage, ErrFetchFailed.Error())
		assert.Equal(t, lastSync, *stored.LastSyncAt)
		assert.Empty(t, h.transactions.rows)
		assert.Equal(t, []string{kafka.EventSyncStarted, kafka.EventSyncFailed}, h.publisher.events)
		assert.True(t, h.connector.disconnected)
	})

	t.Run("should fail when the connector does not connect", func(t *testing.T) {
		h := newHarness(t, invoice("1", 1))
		h.connector.connectOK = false

		result := h.sync(t)

		assert.False(t, result.Success)
		assert.Contains(t, result.Errors[0], ErrConnectionFailed.Error())
		assert.Empty(t, h.connector.params)
	})

	t.Run("should fail when the record cap is exceeded", func(t *testing.T) {
		records := make([]record.Record, 11)
		for i := range records {
			records[i] = invoice(uuid.NewString(), 1)
		}
		h := newHarness(t, records...)

		result := h.sync(t)

		assert.False(t, result.Success)
		assert.Contains(t, result.Errors[0], "record limit exceeded")
		assert.Empty(t, h.transactions.rows)
	})

	t.Run("should return not found without touching the integration", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.engine.SyncIntegration(h.ctx, uuid.New())

		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
		assert.Empty(t, h.integrations.statuses)
	})

	t.Run("should reject an unregistered provider", func(t *testing.T) {
		h := newHarness(t)
		h.integration.Provider = models.ProviderXero

		_, err := h.engine.SyncIntegration(h.ctx, h.integration.ID)

		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
		assert.Empty(t, h.integrations.statuses)
	})

	t.Run("should refuse a concurrent sync of the same integration", func(t *testing.T) {
		h := newHarness(t)
		lock, err := h.locker.Acquire(context.Background(), LockKey(h.integration.ID), time.Minute)
		require.NoError(t, err)

		_, err = h.engine.SyncIntegration(h.ctx, h.integration.ID)
		assert.ErrorIs(t, err, ErrSyncInProgress)
		assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
		assert.Empty(t, h.integrations.statuses)

		require.NoError(t, lock.Release(context.Background()))
		assert.True(t, h.sync(t).Success)
	})
}

func TestNewTransaction(t *testing.T) {
	integration := &models.Integration{ID: uuid.New(), TenantID: uuid.New()}

	t.Run("should fall back to transactionId and the default entity", func(t *testing.T) {
		txn, err := NewTransaction(integration, record.Record{"transactionId": 42.0})
		require.NoError(t, err)
		assert.Equal(t, "42", txn.TransactionID)
		assert.Equal(t, models.DefaultEntityID, txn.EntityID)
		assert.Equal(t, []any{}, txn.Tags.Data)
	})

	t.Run("should copy consolidation columns from the record", func(t *testing.T) {
		txn, err := NewTransaction(integration, record.Record{
			"id":                "t-1",
			"tags":              []any{"recurring"},
			"eliminationStatus": "pending",
			"isIntercompany":    true,
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"recurring"}, txn.Tags.Data)
		require.NotNil(t, txn.EliminationStatus)
		assert.Equal(t, "pending", *txn.EliminationStatus)
		assert.Nil(t, txn.ConsolidationStatus)
		assert.True(t, txn.IsIntercompany)
	})

	t.Run("should require an id", func(t *testing.T) {
		_, err := NewTransaction(integration, record.Record{"id": nil})
		assert.ErrorIs(t, err, ErrMissingTransactionID)
	})
}

func TestLocalLocker(t *testing.T) {
	t.Run("should exclude a second holder until release", func(t *testing.T) {
		locker := NewLocalLocker()
		lock, err := locker.Acquire(context.Background(), "k", time.Minute)
		require.NoError(t, err)

		_, err = locker.Acquire(context.Background(), "k", time.Minute)
		assert.ErrorIs(t, err, ErrLocked)

		require.NoError(t, lock.Release(context.Background()))
		_, err = locker.Acquire(context.Background(), "k", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("should let an expired lock be taken over", func(t *testing.T) {
		locker := NewLocalLocker()
		now := time.Now()
		locker.clock = func() time.Time { return now }

		stale, err := locker.Acquire(context.Background(), "k", time.Second)
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		_, err = locker.Acquire(context.Background(), "k", time.Second)
		require.NoError(t, err)

		assert.Error(t, stale.Release(context.Background()))
	})

	t.Run("should keep an extended lock past its first ttl", func(t *testing.T) {
		locker := NewLocalLocker()
		now := time.Now()
		locker.clock = func() time.Time { return now }

		lock, err := locker.Acquire(context.Background(), "k", time.Second)
		require.NoError(t, err)

		now = now.Add(500 * time.Millisecond)
		require.NoError(t, lock.Extend(context.Background(), time.Second))

		now = now.Add(800 * time.Millisecond)
		_, err = locker.Acquire(context.Background(), "k", time.Second)
		assert.ErrorIs(t, err, ErrLocked)
	})

	t.Run("should refuse to extend a lapsed lock", func(t *testing.T) {
		locker := NewLocalLocker()
		now := time.Now()
		locker.clock = func() time.Time { return now }

		lock, err := locker.Acquire(context.Background(), "k", time.Second)
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		assert.Error(t, lock.Extend(context.Background(), time.Second))
	})
}
