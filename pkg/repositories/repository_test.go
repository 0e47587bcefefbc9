package repositories_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func getTestContext(tenantID uuid.UUID) context.Context {
	return appctx.SetTenantID(context.Background(), tenantID.String())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

// assertUnauthorized asserts that err is an HTTP 401 error
func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))
}

func TestGetTenantID(t *testing.T) {
	t.Run("should require a tenant", func(t *testing.T) {
		_, err := repositories.GetTenantID(context.Background())
		assertUnauthorized(t, err)
	})

	t.Run("should reject a malformed tenant", func(t *testing.T) {
		_, err := repositories.GetTenantID(appctx.SetTenantID(context.Background(), "tenant-1"))
		assertUnauthorized(t, err)
	})

	t.Run("should parse the tenant", func(t *testing.T) {
		tenantID := uuid.New()
		got, err := repositories.GetTenantID(getTestContext(tenantID))
		require.NoError(t, err)
		assert.Equal(t, tenantID, got)
	})
}

func newIntegration() *models.Integration {
	return &models.Integration{
		Name:     "QuickBooks",
		Type:     models.IntegrationTypeAccounting,
		Provider: models.ProviderQuickBooks,
		Config:   database.NewJSONB(map[string]any{"realm_id": "123"}),
		FieldMappings: database.NewJSONB([]models.FieldMapping{
			{SourceField: "Invoice.Id", TargetField: "id"},
		}),
	}
}

func TestIntegrationRepository(t *testing.T) {
	db := testinfra.Postgres(t)
	repo := repositories.NewIntegrationRepository(db, testinfra.Logger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Run("should create with defaults and read back", func(t *testing.T) {
		integration := newIntegration()
		require.NoError(t, repo.Create(ctx, integration))

		got, err := repo.GetByID(ctx, integration.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantID, got.TenantID)
		assert.Equal(t, models.DefaultEntityID, got.EntityID)
		assert.Equal(t, models.StatusDisconnected, got.Status)
		assert.Equal(t, models.FrequencyDaily, got.SyncFrequency)
		assert.Equal(t, "123", got.ConfigValues()["realm_id"])
		assert.Equal(t, integration.Mappings(), got.Mappings())
		assert.True(t, got.IsActive)
	})

	t.Run("should isolate tenants", func(t *testing.T) {
		integration := newIntegration()
		require.NoError(t, repo.Create(ctx, integration))

		_, err := repo.GetByID(getTestContext(uuid.New()), integration.ID)
		assertNotFound(t, err)
	})

	t.Run("should require a tenant", func(t *testing.T) {
		_, err := repo.List(context.Background(), models.IntegrationFilter{})
		assertUnauthorized(t, err)
	})

	t.Run("should filter listings and hide deleted integrations", func(t *testing.T) {
		otherCtx := getTestContext(uuid.New())
		bigquery := newIntegration()
		bigquery.Provider = models.ProviderBigQuery
		bigquery.Type = models.IntegrationTypeDataWarehouse
		require.NoError(t, repo.Create(otherCtx, bigquery))
		qbo := newIntegration()
		require.NoError(t, repo.Create(otherCtx, qbo))

		list, err := repo.List(otherCtx, models.IntegrationFilter{Provider: models.ProviderBigQuery})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, bigquery.ID, list[0].ID)

		require.NoError(t, repo.Delete(otherCtx, bigquery.ID))
		list, err = repo.List(otherCtx, models.IntegrationFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, qbo.ID, list[0].ID)

		assertNotFound(t, repo.Delete(otherCtx, bigquery.ID))
	})

	t.Run("should not find a deleted integration", func(t *testing.T) {
		integration := newIntegration()
		require.NoError(t, repo.Create(ctx, integration))
		require.NoError(t, repo.Delete(ctx, integration.ID))

		_, err := repo.GetByID(ctx, integration.ID)
		assertNotFound(t, err)
	})

	t.Run("should record sync outcomes", func(t *testing.T) {
		integration := newIntegration()
		require.NoError(t, repo.Create(ctx, integration))
		require.NoError(t, repo.SetStatus(ctx, integration.ID, models.StatusSyncing))

		require.NoError(t, repo.RecordSyncFailure(ctx, integration.ID, "boom"))
		got, err := repo.GetByID(ctx, integration.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, got.Status)
		assert.Equal(t, models.SyncStatusError, got.SyncStatus)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "boom", *got.ErrorMessage)
		assert.Nil(t, got.LastSyncAt)

		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.RecordSyncSuccess(ctx, integration.ID, repositories.SyncOutcome{
			SyncedAt:   now,
			NextSyncAt: models.NextSyncAt(now, models.FrequencyDaily),
			Processed:  7,
			Failed:     1,
		}))
		got, err = repo.GetByID(ctx, integration.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConnected, got.Status)
		assert.Equal(t, models.SyncStatusActive, got.SyncStatus)
		assert.Nil(t, got.ErrorMessage)
		assert.EqualValues(t, 7, got.RecordsProcessed)
		assert.EqualValues(t, 1, got.RecordsFailed)

		require.NoError(t, repo.RecordSyncSuccess(ctx, integration.ID, repositories.SyncOutcome{
			SyncedAt:   now,
			NextSyncAt: now,
			Processed:  3,
		}))
		got, err = repo.GetByID(ctx, integration.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 10, got.RecordsProcessed)
		assert.EqualValues(t, 1, got.RecordsFailed)
		require.NotNil(t, got.LastSyncAt)
		assert.True(t, now.Equal(*got.LastSyncAt))
		require.NotNil(t, got.NextSyncAt)
	})

	t.Run("should update editable fields", func(t *testing.T) {
		integration := newIntegration()
		require.NoError(t, repo.Create(ctx, integration))

		integration.Name = "Renamed"
		integration.SyncFrequency = models.FrequencyHourly
		require.NoError(t, repo.Update(ctx, integration))

		got, err := repo.GetByID(ctx, integration.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, models.FrequencyHourly, got.SyncFrequency)

		missing := newIntegration()
		missing.ID = uuid.New()
		assertNotFound(t, repo.Update(ctx, missing))
	})
}

func newRule(priority int) *models.AccountingRule {
	return &models.AccountingRule{
		Name:     "Invoices are MRR",
		RuleType: models.RuleTypeRevenueRecognition,
		Priority: priority,
		Conditions: database.NewJSONB([]models.Condition{
			{Field: "type", Operator: models.OperatorEquals, Value: "Invoice"},
		}),
		Actions: database.NewJSONB([]models.Action{
			{Type: models.ActionCategorize, TargetField: "revenueType", TargetValue: "MRR"},
		}),
		IsActive: true,
	}
}

func TestRuleRepository(t *testing.T) {
	db := testinfra.Postgres(t)
	repo := repositories.NewRuleRepository(db, testinfra.Logger())

	t.Run("should list active rules by priority", func(t *testing.T) {
		ctx := getTestContext(uuid.New())
		low, high, inactive := newRule(1), newRule(10), newRule(50)
		inactive.IsActive = false
		for _, rule := range []*models.AccountingRule{low, high, inactive} {
			require.NoError(t, repo.Create(ctx, rule))
		}

		rules, err := repo.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, high.ID, rules[0].ID)
		assert.Equal(t, low.ID, rules[1].ID)
		assert.Equal(t, "revenueType", rules[0].Actions.Data[0].TargetField)

		all, err := repo.List(ctx, models.RuleFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("should record applications in one batch", func(t *testing.T) {
		ctx := getTestContext(uuid.New())
		a, b, untouched := newRule(1), newRule(2), newRule(3)
		for _, rule := range []*models.AccountingRule{a, b, untouched} {
			require.NoError(t, repo.Create(ctx, rule))
		}

		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.RecordApplications(ctx, map[uuid.UUID]int{a.ID: 3, b.ID: 1, untouched.ID: 0}, at))
		require.NoError(t, repo.RecordApplications(ctx, map[uuid.UUID]int{a.ID: 2}, at))

		got, err := repo.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 5, got.AppliedCount)
		require.NotNil(t, got.LastAppliedAt)
		assert.True(t, at.Equal(*got.LastAppliedAt))

		got, err = repo.GetByID(ctx, untouched.ID)
		require.NoError(t, err)
		assert.Zero(t, got.AppliedCount)
		assert.Nil(t, got.LastAppliedAt)
	})

	t.Run("should not count another tenant's rules", func(t *testing.T) {
		ctx := getTestContext(uuid.New())
		rule := newRule(1)
		require.NoError(t, repo.Create(ctx, rule))

		require.NoError(t, repo.RecordApplications(getTestContext(uuid.New()), map[uuid.UUID]int{rule.ID: 4}, time.Now()))

		got, err := repo.GetByID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Zero(t, got.AppliedCount)
	})

	t.Run("should update and delete", func(t *testing.T) {
		ctx := getTestContext(uuid.New())
		rule := newRule(1)
		require.NoError(t, repo.Create(ctx, rule))

		rule.Priority = 99
		rule.IsActive = false
		require.NoError(t, repo.Update(ctx, rule))
		got, err := repo.GetByID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, 99, got.Priority)
		assert.False(t, got.IsActive)

		require.NoError(t, repo.Delete(ctx, rule.ID))
		_, err = repo.GetByID(ctx, rule.ID)
		assertNotFound(t, err)
		assertNotFound(t, repo.Delete(ctx, rule.ID))
	})
}

func newTransaction(integrationID uuid.UUID, transactionID string, amount float64) *models.Transaction {
	return &models.Transaction{
		TransactionID:     transactionID,
		SourceIntegration: integrationID,
		Data:              database.NewJSONB(map[string]any{"id": transactionID, "amount": amount}),
		Tags:              database.NewJSONB([]any{"recurring"}),
	}
}

func TestTransactionRepository(t *testing.T) {
	db := testinfra.Postgres(t)
	repo := repositories.NewTransactionRepository(db, testinfra.Logger())

	t.Run("should insert, skip identical rows and update changed ones", func(t *testing.T) {
		ctx := getTestContext(uuid.New())
		integrationID := uuid.New()

		changed, err := repo.Upsert(ctx, newTransaction(integrationID, "inv-1", 100))
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = repo.Upsert(ctx, newTransaction(integrationID, "inv-1", 100))
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = repo.Upsert(ctx, newTransaction(integrationID, "inv-1", 250))
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := repo.GetByTransactionID(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, 250.0, got.Data.Data["amount"])
		assert.Equal(t, []any{"recurring"}, got.Tags.Data)
		assert.Equal(t, models.DefaultEntityID, got.EntityID)

		list, err := repo.List(ctx, models.TransactionFilter{})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("should scope transaction ids per tenant", func(t *testing.T) {
		a, b := getTestContext(uuid.New()), getTestContext(uuid.New())

		changed, err := repo.Upsert(a, newTransaction(uuid.New(), "shared", 1))
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = repo.Upsert(b, newTransaction(uuid.New(), "shared", 1))
		require.NoError(t, err)
		assert.True(t, changed)

		_, err = repo.GetByTransactionID(getTestContext(uuid.New()), "shared")
		assertNotFound(t, err)
	})

	t.Run("should filter by integration and page", func(t *testing.T) {
		ctx := getTestContext(uuid.New())
		first, second := uuid.New(), uuid.New()
		for i, id := range []string{"a", "b", "c"} {
			_, err := repo.Upsert(ctx, newTransaction(first, id, float64(i)))
			require.NoError(t, err)
		}
		_, err := repo.Upsert(ctx, newTransaction(second, "d", 1))
		require.NoError(t, err)

		list, err := repo.List(ctx, models.TransactionFilter{IntegrationID: &first})
		require.NoError(t, err)
		assert.Len(t, list, 3)

		page, err := repo.List(ctx, models.TransactionFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page, 2)
	})

	t.Run("should require a transaction id", func(t *testing.T) {
		_, err := repo.Upsert(getTestContext(uuid.New()), newTransaction(uuid.New(), "", 1))
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	})
}
