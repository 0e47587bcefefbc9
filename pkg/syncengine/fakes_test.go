package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

type fakeIntegrations struct {
	mu           sync.Mutex
	integrations map[uuid.UUID]*models.Integration
	statuses     []models.ConnectionStatus
}

func newFakeIntegrations(integrations ...*models.Integration) *fakeIntegrations {
	f := &fakeIntegrations{integrations: map[uuid.UUID]*models.Integration{}}
	for _, i := range integrations {
		f.integrations[i.ID] = i
	}
	return f
}

func (f *fakeIntegrations) get(id uuid.UUID) (*models.Integration, error) {
	i, ok := f.integrations[id]
	if !ok {
		return nil, repositories.NotFound("integration %s does not exist", id)
	}
	return i, nil
}

func (f *fakeIntegrations) Create(context.Context, *models.Integration) error {
	return errors.New("not implemented")
}

func (f *fakeIntegrations) GetByID(_ context.Context, id uuid.UUID) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.get(id)
	if err != nil {
		return nil, err
	}
	clone := *i
	return &clone, nil
}

func (f *fakeIntegrations) List(context.Context, models.IntegrationFilter) ([]models.Integration, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeIntegrations) Update(context.Context, *models.Integration) error {
	return errors.New("not implemented")
}

func (f *fakeIntegrations) Delete(context.Context, uuid.UUID) error {
	return errors.New("not implemented")
}

func (f *fakeIntegrations) SetStatus(_ context.Context, id uuid.UUID, status models.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.get(id)
	if err != nil {
		return err
	}
	i.Status = status
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeIntegrations) RecordSyncSuccess(_ context.Context, id uuid.UUID, outcome repositories.SyncOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.get(id)
	if err != nil {
		return err
	}
	i.Status = models.StatusConnected
	i.SyncStatus = models.SyncStatusActive
	i.LastSyncAt = &outcome.SyncedAt
	i.NextSyncAt = &outcome.NextSyncAt
	i.RecordsProcessed += int64(outcome.Processed)
	i.RecordsFailed += int64(outcome.Failed)
	i.ErrorMessage = nil
	f.statuses = append(f.statuses, models.StatusConnected)
	return nil
}

func (f *fakeIntegrations) RecordSyncFailure(_ context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.get(id)
	if err != nil {
		return err
	}
	i.Status = models.StatusError
	i.SyncStatus = models.SyncStatusError
	i.ErrorMessage = &message
	f.statuses = append(f.statuses, models.StatusError)
	return nil
}

type fakeRules struct {
	rules   []models.AccountingRule
	counts  map[uuid.UUID]int
	listErr error
}

func (f *fakeRules) Create(context.Context, *models.AccountingRule) error {
	return errors.New("not implemented")
}

func (f *fakeRules) GetByID(context.Context, uuid.UUID) (*models.AccountingRule, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRules) List(context.Context, models.RuleFilter) ([]models.AccountingRule, error) {
	return f.rules, f.listErr
}

func (f *fakeRules) ListActive(ctx context.Context) ([]models.AccountingRule, error) {
	return f.List(ctx, models.RuleFilter{})
}

func (f *fakeRules) Update(context.Context, *models.AccountingRule) error {
	return errors.New("not implemented")
}

func (f *fakeRules) Delete(context.Context, uuid.UUID) error {
	return errors.New("not implemented")
}

func (f *fakeRules) RecordApplications(_ context.Context, counts map[uuid.UUID]int, _ time.Time) error {
	if f.counts == nil {
		f.counts = map[uuid.UUID]int{}
	}
	for id, n := range counts {
		f.counts[id] += n
	}
	return nil
}

type fakeTransactions struct {
	mu      sync.Mutex
	rows    map[string]*models.Transaction
	failIDs map[string]bool
}

func newFakeTransactions() *fakeTransactions {
	return &fakeTransactions{rows: map[string]*models.Transaction{}, failIDs: map[string]bool{}}
}

func (f *fakeTransactions) Upsert(_ context.Context, txn *models.Transaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[txn.TransactionID] {
		return false, errors.New("constraint violation")
	}

	key := txn.TenantID.String() + ":" + txn.TransactionID
	if existing, ok := f.rows[key]; ok {
		before, _ := json.Marshal(existing.Data)
		after, _ := json.Marshal(txn.Data)
		if string(before) == string(after) {
			return false, nil
		}
	}
	clone := *txn
	f.rows[key] = &clone
	return true, nil
}

func (f *fakeTransactions) GetByTransactionID(_ context.Context, transactionID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.TransactionID == transactionID {
			return row, nil
		}
	}
	return nil, repositories.NotFound("transaction %s does not exist", transactionID)
}

func (f *fakeTransactions) List(context.Context, models.TransactionFilter) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Transaction, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, *row)
	}
	return out, nil
}

// fakeConnector returns records from memory.
type fakeConnector struct {
	connectors.Base
	records      []record.Record
	connectOK    bool
	connectErr   error
	fetchErr     error
	params       []connectors.FetchParams
	disconnected bool
}

func (c *fakeConnector) Connect(context.Context, map[string]any) (bool, error) {
	return c.connectOK, c.connectErr
}

func (c *fakeConnector) Disconnect(context.Context) {
	c.disconnected = true
}

func (c *fakeConnector) TestConnection(context.Context) bool {
	return c.connectOK
}

func (c *fakeConnector) FetchData(_ context.Context, params connectors.FetchParams) ([]record.Record, error) {
	c.params = append(c.params, params)
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	out := make([]record.Record, len(c.records))
	for i, rec := range c.records {
		out[i] = rec.Clone()
	}
	return out, nil
}

type fakePublisher struct {
	mu           sync.Mutex
	events       []string
	transactions []*kafka.TransactionEvent
}

func (p *fakePublisher) PublishSyncEvent(_ context.Context, evt *kafka.SyncEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt.Type)
	return nil
}

func (p *fakePublisher) PublishTransactions(_ context.Context, events []*kafka.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactions = append(p.transactions, events...)
	return nil
}

func newFakeConnector(records ...record.Record) *fakeConnector {
	return &fakeConnector{
		Base: connectors.Base{
			Name:     "fake",
			Provider: models.ProviderCustom,
			Mapper:   mapping.NewMapper(nil, logging.NewNop()),
		},
		records:   records,
		connectOK: true,
	}
}
