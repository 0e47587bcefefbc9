// Package queue runs sync jobs from a Redis stream on a pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/syncengine"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	ErrProcessorAlreadyRunning = errors.New("processor already running")
	ErrInvalidJobMessage       = errors.New("invalid job message")
)

const (
	DefaultBatchSize     = 10
	DefaultBlockTimeout  = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultClaimInterval = 30 * time.Second
	// DefaultClaimMinIdle must outlast a sync so a running job is not claimed twice.
	DefaultClaimMinIdle = 20 * time.Minute
)

// Publisher appends jobs to a stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, job *redis.JobMessage) (string, error)
}

// Stream is the job stream. *redis.Streams satisfies it.
type Stream interface {
	Publisher
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]goredis.XPendingExt, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.StreamMessage, error)
}

// DeadLetters receives jobs that will not be retried. *redis.DeadLetterQueue satisfies it.
type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// Syncer runs one sync for the tenant in ctx. *syncengine.Engine satisfies it.
type Syncer interface {
	SyncIntegration(ctx context.Context, integrationID uuid.UUID) (*models.SyncResult, error)
}

type ProcessorConfig struct {
	Stream        string
	ConsumerGroup string
	// ConsumerName must be unique per instance.
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
	MaxRetries    int
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	WorkerCount   int
}

func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "fern:jobs",
		ConsumerGroup: "fern-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// Outcome is what happened to one job.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeRetried    Outcome = "retried"
	OutcomeDeadLetter Outcome = "dead_lettered"
)

type Processor struct {
	stream Stream
	dlq    DeadLetters
	syncer Syncer
	config ProcessorConfig
	logger ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

func NewProcessor(stream Stream, dlq DeadLetters, syncer Syncer, config ProcessorConfig, logger ectologger.Logger) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		stream:   stream,
		dlq:      dlq,
		syncer:   syncer,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProcessorAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.stream.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var workers sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workers.Add(1)
		go p.worker(ctx, &workers, i)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go p.consumeLoop(ctx, &producers)
	go p.claimLoop(ctx, &producers)

	go func() {
		<-p.stopCh
		producers.Wait()
		close(p.jobsCh)
		workers.Wait()
		close(p.stoppedC)
	}()

	return nil
}

// Stop stops consuming and waits for in-flight jobs or ctx to expire.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.stream.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, msg := range p.ClaimStale(ctx) {
				select {
				case p.jobsCh <- msg:
				case <-p.stopCh:
					return
				}
			}
		}
	}
}

// ClaimStale takes over entries left unacknowledged by crashed consumers. Entries
// delivered more than MaxRetries times are dead-lettered instead of returned.
func (p *Processor) ClaimStale(ctx context.Context) []redis.StreamMessage {
	ctx, span := tracing.StartSpan(ctx, "Processor.ClaimStale")
	defer span.End()

	pending, err := p.stream.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return nil
	}

	deliveries := map[string]int64{}
	var staleIDs []string
	for _, entry := range pending {
		if entry.Idle >= p.config.ClaimMinIdle {
			staleIDs = append(staleIDs, entry.ID)
			deliveries[entry.ID] = entry.RetryCount
		}
	}
	if len(staleIDs) == 0 {
		return nil
	}

	claimed, err := p.stream.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
		p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return nil
	}

	p.logger.WithContext(ctx).Infof("Claimed %d stale pending messages", len(claimed))

	var retry []redis.StreamMessage
	for _, msg := range claimed {
		if deliveries[msg.ID] > int64(p.config.MaxRetries) {
			job := msg.Job
			p.deadLetter(ctx, msg, &job, redis.DLQReasonMaxRetries,
				fmt.Sprintf("delivered %d times without acknowledgement", deliveries[msg.ID]))
			continue
		}
		retry = append(retry, msg)
	}
	return retry
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for msg := range p.jobsCh {
		p.Handle(ctx, msg)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// Handle runs one job and settles its stream entry: acked when done, re-enqueued with one
// more attempt on a transient error, or dead-lettered.
func (p *Processor) Handle(ctx context.Context, msg redis.StreamMessage) (outcome Outcome) {
	job := msg.Job

	ctx = tracing.WithTraceParent(ctx, job.TraceParent)
	ctx, span := tracing.StartSpan(ctx, "Processor.Handle")
	defer span.End()

	ctx = appctx.SetTenantID(ctx, job.TenantID)
	ctx = appctx.SetRequestID(ctx, job.ID)

	metrics.QueueJobsInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.QueueJobsInFlight.Dec()
		metrics.RecordQueueJob(string(outcome))
		p.logger.WithContext(ctx).Infof("Job %s %s in %s", job.ID, outcome, time.Since(start))
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).Errorf("Job %s panicked: %v", job.ID, r)
			p.deadLetter(ctx, msg, &job, redis.DLQReasonPanic, fmt.Sprint(r))
			outcome = OutcomeDeadLetter
		}
	}()

	integrationID, err := parseJob(&job)
	if err != nil {
		p.deadLetter(ctx, msg, &job, redis.DLQReasonInvalidJob, err.Error())
		return OutcomeDeadLetter
	}

	result, err := p.syncer.SyncIntegration(ctx, integrationID)
	switch {
	case err == nil && result != nil && result.Success:
		p.ack(ctx, msg)
		return OutcomeCompleted
	case err == nil:
		// failed syncs are recorded on the integration and not retried
		p.ack(ctx, msg)
		return OutcomeFailed
	case errors.Is(err, syncengine.ErrSyncInProgress):
		p.logger.WithContext(ctx).Infof("Integration %s is already syncing, dropping job %s", integrationID, job.ID)
		p.ack(ctx, msg)
		return OutcomeSkipped
	case httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound:
		p.deadLetter(ctx, msg, &job, redis.DLQReasonNotFound, err.Error())
		return OutcomeDeadLetter
	}

	p.logger.WithContext(ctx).WithError(err).Warnf("Job %s failed on attempt %d", job.ID, job.Attempts+1)
	return p.retry(ctx, msg, &job, err)
}

func (p *Processor) retry(ctx context.Context, msg redis.StreamMessage, job *redis.JobMessage, cause error) Outcome {
	if job.Attempts+1 >= p.config.MaxRetries {
		p.deadLetter(ctx, msg, job, redis.DLQReasonMaxRetries, cause.Error())
		return OutcomeDeadLetter
	}

	next := *job
	next.Attempts++
	if _, err := p.stream.Publish(ctx, p.config.Stream, &next); err != nil {
		// leave the entry pending so the claim loop redelivers it
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to re-enqueue job %s", job.ID)
		return OutcomeFailed
	}
	p.ack(ctx, msg)
	return OutcomeRetried
}

func (p *Processor) deadLetter(ctx context.Context, msg redis.StreamMessage, job *redis.JobMessage, reason redis.DeadLetterReason, errorMsg string) {
	ctx, span := tracing.StartSpan(ctx, "Processor.deadLetter")
	defer span.End()

	if p.dlq != nil {
		entry := &redis.DLQEntry{
			TenantID:      job.TenantID,
			IntegrationID: job.IntegrationID,
			OriginalJob:   job,
			Reason:        reason,
			ErrorMessage:  errorMsg,
			RetryCount:    job.Attempts,
		}
		if _, err := p.dlq.Add(ctx, entry); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to add job %s to DLQ", job.ID)
		} else {
			metrics.RecordDLQJob(job.TenantID, string(reason))
		}
	}
	p.ack(ctx, msg)
}

func (p *Processor) ack(ctx context.Context, msg redis.StreamMessage) {
	if err := p.stream.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", msg.ID)
	}
}

func parseJob(job *redis.JobMessage) (uuid.UUID, error) {
	if job.Type != redis.JobTypeSync {
		return uuid.Nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidJobMessage, job.Type)
	}
	if _, err := uuid.Parse(job.TenantID); err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid tenant_id %q", ErrInvalidJobMessage, job.TenantID)
	}
	integrationID, err := uuid.Parse(job.IntegrationID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid integration_id %q", ErrInvalidJobMessage, job.IntegrationID)
	}
	return integrationID, nil
}

// EnqueueSync publishes a sync job for one integration.
func EnqueueSync(ctx context.Context, stream Publisher, streamName string, tenantID, integrationID uuid.UUID) (string, error) {
	job := &redis.JobMessage{
		TenantID:      tenantID.String(),
		Type:          redis.JobTypeSync,
		IntegrationID: integrationID.String(),
		TraceParent:   tracing.GetTraceParent(ctx),
	}
	return stream.Publish(ctx, streamName, job)
}
