package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const JobTypeSync = "sync_integration"

// JobMessage is one queued unit of work. Sync jobs carry the integration id.
type JobMessage struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Type          string    `json:"type"`
	IntegrationID string    `json:"integration_id"`
	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	TraceParent   string    `json:"trace_parent,omitempty"`
}

// StreamMessage is a decoded stream entry.
type StreamMessage struct {
	ID     string
	Stream string
	Job    JobMessage
}

type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish appends job to stream under the "data" field.
func (s *Streams) Publish(ctx context.Context, stream string, job *JobMessage) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	id, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(payload)},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":         job.ID,
		"integration_id": job.IntegrationID,
		"message_id":     id,
	}).Infof("Published job to stream %s", stream)
	return id, nil
}

// CreateConsumerGroup creates group on stream, creating the stream if needed.
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new messages for consumer. An empty read returns nil, nil.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, s.decode(ctx, result.Stream, result.Messages)...)
	}
	return messages, nil
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending lists delivered but unacknowledged entries.
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim takes over entries idle for at least minIdle.
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

func (s *Streams) decode(ctx context.Context, stream string, entries []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(entries))
	for _, msg := range entries {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}

		var job JobMessage
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal message %s", msg.ID)
			continue
		}

		messages = append(messages, StreamMessage{ID: msg.ID, Stream: stream, Job: job})
	}
	return messages
}
