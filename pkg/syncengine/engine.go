// Package syncengine runs one integration's sync: connect, fetch, map, apply rules,
// persist, and record the outcome on the integration.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config bounds a single sync. MaxRecords <= 0 disables the cap.
type Config struct {
	FetchTimeout time.Duration
	MaxRecords   int
	LockTTL      time.Duration
	Lookback     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	return c
}

// Options are the collaborators of an Engine. Locker and Publisher are optional.
type Options struct {
	Integrations repositories.IntegrationRepo
	Rules        repositories.RuleRepo
	Transactions repositories.TransactionRepo
	Registry     *connectors.Registry
	RuleEngine   *rules.Engine
	Locker       Locker
	Publisher    Publisher
	Config       Config
	Logger       ectologger.Logger
	Now          func() time.Time
}

type Engine struct {
	integrations repositories.IntegrationRepo
	rules        repositories.RuleRepo
	transactions repositories.TransactionRepo
	registry     *connectors.Registry
	ruleEngine   *rules.Engine
	locker       Locker
	publisher    Publisher
	cfg          Config
	logger       ectologger.Logger
	now          func() time.Time
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		integrations: opts.Integrations,
		rules:        opts.Rules,
		transactions: opts.Transactions,
		registry:     opts.Registry,
		ruleEngine:   opts.RuleEngine,
		locker:       opts.Locker,
		publisher:    opts.Publisher,
		cfg:          opts.Config.withDefaults(),
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if e.ruleEngine == nil {
		e.ruleEngine = rules.NewEngine(nil, opts.Logger)
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.publisher == nil {
		e.publisher = NopPublisher{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// persisted is what the persistence step did with the processed records.
type persisted struct {
	saved     int
	unchanged int
	failed    int
	rejected  int
	events    []*kafka.TransactionEvent
}

// SyncIntegration runs one sync of the integration for the tenant in ctx.
//
// Lookup, registry and lock failures are returned as errors and leave the integration
// untouched. Once the integration is marked syncing, failures are recorded on it and
// reported through an unsuccessful result with a nil error.
func (e *Engine) SyncIntegration(ctx context.Context, integrationID uuid.UUID) (*models.SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncEngine.SyncIntegration")
	defer span.End()

	ctx = appctx.SetIntegrationID(ctx, integrationID.String())

	integration, err := e.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	connector, err := e.registry.New(integration)
	if err != nil {
		return nil, err
	}

	lock, err := e.locker.Acquire(ctx, LockKey(integrationID), e.cfg.LockTTL)
	if errors.Is(err, ErrLocked) {
		e.logger.WithContext(ctx).Infof("Sync of integration %s already in progress", integrationID)
		return nil, ErrSyncInProgress
	}
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to acquire sync lock")
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	stopRenewing := e.keepAlive(context.WithoutCancel(ctx), lock, e.cfg.LockTTL)
	defer func() {
		stopRenewing()
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to release sync lock")
		}
	}()

	started := time.Now()
	if err := e.integrations.SetStatus(ctx, integrationID, models.StatusSyncing); err != nil {
		return nil, err
	}
	e.publishSyncEvent(ctx, kafka.EventSyncStarted, integration, nil, "")

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"provider": integration.Provider,
	}).Infof("Starting sync of integration %s", integrationID)

	defer connector.Disconnect(context.WithoutCancel(ctx))

	syncedAt := e.now()
	out, err := e.run(ctx, integration, connector, syncedAt)
	if err != nil {
		return e.fail(ctx, integration, err, started)
	}

	outcome := repositories.SyncOutcome{
		SyncedAt:   syncedAt,
		NextSyncAt: models.NextSyncAt(syncedAt, integration.SyncFrequency),
		Processed:  out.saved,
		Failed:     out.failed,
	}
	if err := e.integrations.RecordSyncSuccess(ctx, integrationID, outcome); err != nil {
		return e.fail(ctx, integration, err, started)
	}

	result := &models.SyncResult{
		Success:          true,
		RecordsProcessed: out.saved,
		RecordsFailed:    out.failed,
	}

	provider := string(integration.Provider)
	metrics.RecordSync(provider, "success", time.Since(started).Seconds())
	metrics.RecordSyncRecords(provider, "saved", out.saved)
	metrics.RecordSyncRecords(provider, "unchanged", out.unchanged)
	metrics.RecordSyncRecords(provider, "failed", out.failed)
	metrics.RecordSyncRecords(provider, "rejected", out.rejected)

	e.publishSyncEvent(ctx, kafka.EventSyncCompleted, integration, result, "")
	if err := e.publisher.PublishTransactions(ctx, out.events); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to publish synced transactions")
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"saved":     out.saved,
		"unchanged": out.unchanged,
		"failed":    out.failed,
		"rejected":  out.rejected,
		"duration":  time.Since(started).String(),
	}).Infof("Completed sync of integration %s", integrationID)
	return result, nil
}

func (e *Engine) run(ctx context.Context, integration *models.Integration, connector connectors.Connector, now time.Time) (*persisted, error) {
	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	ok, err := connector.Connect(connectCtx, integration.ConfigValues())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s connector could not connect", ErrConnectionFailed, integration.Provider)
	}

	start := now.Add(-e.cfg.Lookback)
	if integration.LastSyncAt != nil {
		start = *integration.LastSyncAt
	}
	params := connectors.FetchParams{
		DataType:  connectors.DataTypeTransactions,
		StartDate: start,
		EndDate:   now,
	}
	if e.cfg.MaxRecords > 0 {
		// one extra record tells an exact fit from an overflow
		params.Limit = e.cfg.MaxRecords + 1
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	raw, err := connector.FetchData(fetchCtx, params)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if e.cfg.MaxRecords > 0 && len(raw) > e.cfg.MaxRecords {
		return nil, fmt.Errorf("%w: record limit exceeded (more than %d records)", ErrFetchFailed, e.cfg.MaxRecords)
	}

	mapped := connector.TransformData(ctx, raw, integration.Mappings())

	activeRules, err := e.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounting rules: %w", err)
	}
	applied := e.ruleEngine.Apply(ctx, mapped, activeRules)
	e.recordApplications(ctx, activeRules, applied.Applications, now)

	return e.persist(ctx, integration, applied.Records), nil
}

// recordApplications stores the per-rule counts. Failures only lose counter updates.
func (e *Engine) recordApplications(ctx context.Context, activeRules []models.AccountingRule, counts map[uuid.UUID]int, at time.Time) {
	if len(counts) == 0 {
		return
	}
	for _, rule := range activeRules {
		if n := counts[rule.ID]; n > 0 {
			metrics.RuleApplications.WithLabelValues(string(rule.RuleType)).Add(float64(n))
		}
	}
	if err := e.rules.RecordApplications(ctx, counts, at); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to record rule applications")
	}
}

func (e *Engine) persist(ctx context.Context, integration *models.Integration, processed []record.Record) *persisted {
	out := &persisted{}
	for _, rec := range processed {
		if rules.IsRejected(rec) {
			out.rejected++
			continue
		}

		txn, err := NewTransaction(integration, rec)
		if err != nil {
			out.failed++
			e.logger.WithContext(ctx).WithError(err).Warn("Skipping record")
			continue
		}

		changed, err := e.transactions.Upsert(ctx, txn)
		if err != nil {
			out.failed++
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"transaction_id": txn.TransactionID,
			}).Warn("Failed to save transaction")
			continue
		}
		if !changed {
			out.unchanged++
			continue
		}

		out.saved++
		out.events = append(out.events, &kafka.TransactionEvent{
			TenantID:      txn.TenantID.String(),
			IntegrationID: integration.ID.String(),
			TransactionID: txn.TransactionID,
			EntityID:      txn.EntityID,
			AppliedRules:  txn.AppliedRules.Data,
			Data:          txn.Data.Data,
		})
	}
	return out
}

func (e *Engine) fail(ctx context.Context, integration *models.Integration, cause error, started time.Time) (*models.SyncResult, error) {
	message := cause.Error()
	e.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"provider": integration.Provider,
	}).Errorf("Sync of integration %s failed", integration.ID)

	if err := e.integrations.RecordSyncFailure(context.WithoutCancel(ctx), integration.ID, message); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to record sync failure")
	}

	metrics.RecordSync(string(integration.Provider), "failed", time.Since(started).Seconds())
	e.publishSyncEvent(ctx, kafka.EventSyncFailed, integration, nil, message)

	return &models.SyncResult{
		Success: false,
		Errors:  []string{message},
	}, nil
}

func (e *Engine) publishSyncEvent(ctx context.Context, eventType string, integration *models.Integration, result *models.SyncResult, message string) {
	evt := &kafka.SyncEvent{
		Type:          eventType,
		TenantID:      integration.TenantID.String(),
		IntegrationID: integration.ID.String(),
		Provider:      string(integration.Provider),
		Error:         message,
		Timestamp:     e.now().UTC(),
	}
	if result != nil {
		evt.RecordsProcessed = result.RecordsProcessed
		evt.RecordsFailed = result.RecordsFailed
	}
	if err := e.publisher.PublishSyncEvent(ctx, evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish %s event", eventType)
	}
}
