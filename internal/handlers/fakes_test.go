package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func tenantOf(ctx context.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(appctx.GetTenantID(ctx))
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func notFound(what string) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "%s not found", what)
}

type fakeIntegrations struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*models.Integration
	statuses []models.ConnectionStatus
}

func newFakeIntegrations() *fakeIntegrations {
	return &fakeIntegrations{rows: map[uuid.UUID]*models.Integration{}}
}

func (f *fakeIntegrations) Create(ctx context.Context, integration *models.Integration) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	integration.TenantID = tenantID
	integration.IsActive = true
	if integration.SyncFrequency == "" {
		integration.SyncFrequency = models.FrequencyDaily
	}
	if integration.SyncStatus == "" {
		integration.SyncStatus = models.SyncStatusActive
	}
	copied := *integration
	f.rows[integration.ID] = &copied
	return nil
}

func (f *fakeIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.TenantID != tenantID || !row.IsActive {
		return nil, notFound("integration")
	}
	copied := *row
	return &copied, nil
}

func (f *fakeIntegrations) List(ctx context.Context, filter models.IntegrationFilter) ([]models.Integration, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Integration{}
	for _, row := range f.rows {
		if row.TenantID != tenantID || !row.IsActive {
			continue
		}
		if filter.Provider != "" && row.Provider != filter.Provider {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Type != "" && row.Type != filter.Type {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeIntegrations) Update(ctx context.Context, integration *models.Integration) error {
	if _, err := f.GetByID(ctx, integration.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *integration
	f.rows[integration.ID] = &copied
	return nil
}

func (f *fakeIntegrations) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := f.GetByID(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].IsActive = false
	return nil
}

func (f *fakeIntegrations) SetStatus(ctx context.Context, id uuid.UUID, status models.ConnectionStatus) error {
	if _, err := f.GetByID(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Status = status
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeIntegrations) RecordSyncSuccess(context.Context, uuid.UUID, repositories.SyncOutcome) error {
	return nil
}

func (f *fakeIntegrations) RecordSyncFailure(context.Context, uuid.UUID, string) error {
	return nil
}

type fakeRules struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.AccountingRule
}

func newFakeRules() *fakeRules {
	return &fakeRules{rows: map[uuid.UUID]*models.AccountingRule{}}
}

func (f *fakeRules) Create(ctx context.Context, rule *models.AccountingRule) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rule.TenantID = tenantID
	rule.CreatedAt = time.Now()
	copied := *rule
	f.rows[rule.ID] = &copied
	return nil
}

func (f *fakeRules) GetByID(ctx context.Context, id uuid.UUID) (*models.AccountingRule, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.TenantID != tenantID {
		return nil, notFound("rule")
	}
	copied := *row
	return &copied, nil
}

func (f *fakeRules) List(ctx context.Context, filter models.RuleFilter) ([]models.AccountingRule, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.AccountingRule{}
	for _, row := range f.rows {
		if row.TenantID != tenantID {
			continue
		}
		if filter.RuleType != "" && row.RuleType != filter.RuleType {
			continue
		}
		if filter.Active != nil && row.IsActive != *filter.Active {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeRules) ListActive(ctx context.Context) ([]models.AccountingRule, error) {
	active := true
	return f.List(ctx, models.RuleFilter{Active: &active})
}

func (f *fakeRules) Update(ctx context.Context, rule *models.AccountingRule) error {
	if _, err := f.GetByID(ctx, rule.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *rule
	f.rows[rule.ID] = &copied
	return nil
}

func (f *fakeRules) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := f.GetByID(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeRules) RecordApplications(context.Context, map[uuid.UUID]int, time.Time) error {
	return nil
}

type fakeTransactions struct {
	rows   []models.Transaction
	filter models.TransactionFilter
}

func (f *fakeTransactions) Upsert(context.Context, *models.Transaction) (bool, error) {
	return false, errors.New("not used")
}

func (f *fakeTransactions) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range f.rows {
		if row.TenantID == tenantID && row.TransactionID == transactionID {
			copied := row
			return &copied, nil
		}
	}
	return nil, notFound("transaction")
}

func (f *fakeTransactions) List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	f.filter = filter
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Transaction
	for _, row := range f.rows {
		if row.TenantID == tenantID {
			out = append(out, row)
		}
	}
	return out, nil
}

// probeConnector answers Connect and TestConnection as configured.
type probeConnector struct {
	connectors.Base
	connects     bool
	testPasses   bool
	disconnected *bool
}

func (p *probeConnector) Connect(context.Context, map[string]any) (bool, error) {
	return p.connects, nil
}

func (p *probeConnector) Disconnect(context.Context) {
	*p.disconnected = true
}

func (p *probeConnector) TestConnection(context.Context) bool {
	return p.testPasses
}

func (p *probeConnector) FetchData(context.Context, connectors.FetchParams) ([]record.Record, error) {
	return nil, nil
}

type fakeSyncer struct {
	result *models.SyncResult
	err    error
	calls  []uuid.UUID
}

func (f *fakeSyncer) SyncIntegration(_ context.Context, integrationID uuid.UUID) (*models.SyncResult, error) {
	f.calls = append(f.calls, integrationID)
	return f.result, f.err
}

type fakePublisher struct {
	jobs []*redis.JobMessage
}

func (f *fakePublisher) Publish(_ context.Context, _ string, job *redis.JobMessage) (string, error) {
	f.jobs = append(f.jobs, job)
	return "5-0", nil
}

type fakeDLQ struct {
	entries map[string]*redis.DLQEntry
	retried []string
	deleted []string
}

func (f *fakeDLQ) ListByTenant(_ context.Context, tenantID string, _ int64) ([]redis.DLQEntry, error) {
	out := []redis.DLQEntry{}
	for _, entry := range f.entries {
		if entry.TenantID == tenantID {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (f *fakeDLQ) Get(_ context.Context, messageID string) (*redis.DLQEntry, error) {
	entry, ok := f.entries[messageID]
	if !ok {
		return nil, redis.ErrDLQEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (f *fakeDLQ) Delete(_ context.Context, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	delete(f.entries, messageID)
	return nil
}

func (f *fakeDLQ) Retry(ctx context.Context, messageID string, jobQueue redis.JobPublisher, queueName string) (*redis.DLQEntry, error) {
	entry, err := f.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	f.retried = append(f.retried, messageID)
	if _, err := jobQueue.Publish(ctx, queueName, entry.OriginalJob); err != nil {
		return nil, err
	}
	delete(f.entries, messageID)
	return entry, nil
}
