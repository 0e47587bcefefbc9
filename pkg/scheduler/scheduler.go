// Package scheduler enqueues sync jobs for integrations whose next sync is due.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/syncengine"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultPollInterval = 30 * time.Second
	DefaultLockTTL      = 60 * time.Second
	DefaultBatchSize    = 100
	DefaultJobQueue     = "fern:jobs"

	LockKeyPrefix = "scheduler:integration:"
)

// DueLister finds integrations due for a sync across all tenants.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]DueIntegration, error)
}

// JobPublisher appends a job to a stream. *redis.Streams satisfies it.
type JobPublisher interface {
	Publish(ctx context.Context, stream string, job *redis.JobMessage) (string, error)
}

type Config struct {
	PollInterval time.Duration
	// LockTTL is how long an integration stays claimed after it is enqueued.
	LockTTL   time.Duration
	BatchSize int
	JobQueue  string
}

func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		BatchSize:    DefaultBatchSize,
		JobQueue:     DefaultJobQueue,
	}
}

type Scheduler struct {
	repo      DueLister
	publisher JobPublisher
	locker    syncengine.Locker
	config    Config
	logger    ectologger.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewScheduler(repo DueLister, publisher JobPublisher, locker syncengine.Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.JobQueue == "" {
		config.JobQueue = DefaultJobQueue
	}

	return &Scheduler{
		repo:      repo,
		publisher: publisher,
		locker:    locker,
		config:    config,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s batch_size=%d",
		s.config.PollInterval, s.config.BatchSize)

	go s.pollLoop(ctx)
	return nil
}

// Stop waits for the current cycle to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")
	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle enqueues one batch of due integrations and returns how many were enqueued.
func (s *Scheduler) RunCycle(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunCycle")
	defer span.End()

	start := time.Now()
	due, err := s.repo.ListDue(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list due integrations")
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	scheduled, skipped := 0, 0
	for _, integration := range due {
		if err := s.schedule(ctx, integration); err != nil {
			if errors.Is(err, syncengine.ErrLocked) {
				skipped++
				continue
			}
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to schedule integration %s", integration.IntegrationID)
			continue
		}
		scheduled++
	}

	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: scheduled=%d skipped=%d duration=%s",
		scheduled, skipped, time.Since(start))
	return scheduled
}

// schedule claims the integration for LockTTL and publishes its job. The claim is left to
// expire so a job still waiting in the stream is not enqueued again on the next poll.
func (s *Scheduler) schedule(ctx context.Context, integration DueIntegration) error {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.schedule")
	defer span.End()

	lock, err := s.locker.Acquire(ctx, s.lockKey(integration.IntegrationID), s.config.LockTTL)
	if err != nil {
		return err
	}

	ctx = appctx.SetTenantID(ctx, integration.TenantID.String())
	ctx = appctx.SetIntegrationID(ctx, integration.IntegrationID.String())

	job := &redis.JobMessage{
		TenantID:      integration.TenantID.String(),
		Type:          redis.JobTypeSync,
		IntegrationID: integration.IntegrationID.String(),
		CreatedAt:     s.now().UTC(),
		TraceParent:   tracing.GetTraceParent(ctx),
	}

	messageID, err := s.publisher.Publish(ctx, s.config.JobQueue, job)
	if err != nil {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			s.logger.WithContext(ctx).WithError(releaseErr).Warn("Failed to release scheduler lock")
		}
		return err
	}

	metrics.SchedulerSyncsScheduled.Inc()
	s.logger.WithContext(ctx).Debugf("Scheduled sync of %s integration %s (message_id=%s)",
		integration.Provider, integration.IntegrationID, messageID)
	return nil
}

func (s *Scheduler) lockKey(integrationID uuid.UUID) string {
	return LockKeyPrefix + integrationID.String()
}
