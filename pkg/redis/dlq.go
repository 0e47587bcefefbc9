package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultDLQStream = "fern:sync:dlq"
	// DLQMaxLen bounds the stream; the oldest entries are trimmed.
	DLQMaxLen = 10000
)

var ErrDLQEntryNotFound = errors.New("dead letter entry not found")

type DeadLetterReason string

const (
	DLQReasonMaxRetries DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidJob DeadLetterReason = "invalid_job"
	DLQReasonNotFound   DeadLetterReason = "integration_not_found"
	DLQReasonPanic      DeadLetterReason = "panic"
)

// DLQEntry is a sync job that exhausted its retries.
type DLQEntry struct {
	ID            string           `json:"id"`
	MessageID     string           `json:"message_id,omitempty"`
	TenantID      string           `json:"tenant_id"`
	IntegrationID string           `json:"integration_id"`
	OriginalJob   *JobMessage      `json:"original_job"`
	Reason        DeadLetterReason `json:"reason"`
	ErrorMessage  string           `json:"error_message"`
	RetryCount    int              `json:"retry_count"`
	CreatedAt     time.Time        `json:"created_at"`
	TraceID       string           `json:"trace_id,omitempty"`
}

type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":           string(data),
			"tenant_id":      entry.TenantID,
			"integration_id": entry.IntegrationID,
			"reason":         string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add job to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": entry.IntegrationID,
		"reason":         entry.Reason,
	}).Warnf("Moved sync job %s to DLQ", entry.ID)
	return messageID, nil
}

// List returns the newest count entries.
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := d.client.rdb.XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal DLQ entry: %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// ListByTenant filters List to one tenant.
func (d *DeadLetterQueue) ListByTenant(ctx context.Context, tenantID string, count int64) ([]DLQEntry, error) {
	if count <= 0 {
		count = 100
	}
	entries, err := d.List(ctx, count*5)
	if err != nil {
		return nil, err
	}

	filtered := make([]DLQEntry, 0)
	for _, entry := range entries {
		if entry.TenantID != tenantID {
			continue
		}
		filtered = append(filtered, entry)
		if int64(len(filtered)) >= count {
			break
		}
	}
	return filtered, nil
}

// Get returns the entry stored under messageID or ErrDLQEntryNotFound.
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Get")
	defer span.End()

	messages, err := d.client.rdb.XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	if len(messages) == 0 {
		return nil, ErrDLQEntryNotFound
	}
	return decodeEntry(messages[0])
}

func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Delete")
	defer span.End()

	count, err := d.client.rdb.XDel(ctx, d.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	if count == 0 {
		return ErrDLQEntryNotFound
	}
	return nil
}

// JobPublisher re-enqueues jobs. *Streams satisfies it.
type JobPublisher interface {
	Publish(ctx context.Context, stream string, job *JobMessage) (string, error)
}

// Retry puts the original job back on queueName with its attempts reset and removes the entry.
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, jobQueue JobPublisher, queueName string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if entry.OriginalJob == nil {
		return nil, fmt.Errorf("DLQ entry has no original job: %s", messageID)
	}

	entry.OriginalJob.Attempts = 0
	if _, err := jobQueue.Publish(ctx, queueName, entry.OriginalJob); err != nil {
		return nil, fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}

	d.logger.WithContext(ctx).Infof("Retried DLQ entry %s for integration %s", messageID, entry.IntegrationID)
	return entry, nil
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid DLQ entry format")
	}

	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}
