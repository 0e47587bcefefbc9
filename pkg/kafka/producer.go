package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Sync lifecycle event types
const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Config holds Kafka configuration
type Config struct {
	Brokers          []string
	SyncTopic        string
	TransactionTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, syncTopic string, transactionTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:          brokerList,
		SyncTopic:        syncTopic,
		TransactionTopic: transactionTopic,
	}
}

// Writer is the part of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes sync lifecycle events and synced transactions
type Producer struct {
	syncWriter        Writer
	transactionWriter Writer
	logger            ectologger.Logger
	syncTopic         string
	transactionTopic  string
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// topics may not exist yet in dev environments
		AllowAutoTopicCreation: true,
	}
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	return NewProducerWithWriters(
		newWriter(cfg.Brokers, cfg.SyncTopic), cfg.SyncTopic,
		newWriter(cfg.Brokers, cfg.TransactionTopic), cfg.TransactionTopic,
		logger,
	)
}

// NewProducerWithWriters builds a producer on existing writers.
func NewProducerWithWriters(syncWriter Writer, syncTopic string, transactionWriter Writer, transactionTopic string, logger ectologger.Logger) *Producer {
	return &Producer{
		syncWriter:        syncWriter,
		transactionWriter: transactionWriter,
		logger:            logger,
		syncTopic:         syncTopic,
		transactionTopic:  transactionTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	var firstErr error
	if err := p.syncWriter.Close(); err != nil {
		firstErr = err
	}
	if p.transactionWriter != nil {
		if err := p.transactionWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SyncEvent is a lifecycle event for one integration sync
type SyncEvent struct {
	Type             string    `json:"type"`
	TenantID         string    `json:"tenant_id"`
	IntegrationID    string    `json:"integration_id"`
	Provider         string    `json:"provider"`
	RecordsProcessed int       `json:"records_processed"`
	RecordsFailed    int       `json:"records_failed"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// TransactionEvent carries one saved transaction
type TransactionEvent struct {
	TenantID      string         `json:"tenant_id"`
	IntegrationID string         `json:"integration_id"`
	TransactionID string         `json:"transaction_id"`
	EntityID      string         `json:"entity_id"`
	AppliedRules  []string       `json:"applied_rules"`
	Data          map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

func traceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}
	return headers
}

// PublishSyncEvent publishes evt to the sync topic, keyed by tenant and integration.
func (p *Producer) PublishSyncEvent(ctx context.Context, evt *SyncEvent) error {
	if evt == nil {
		return fmt.Errorf("sync event is nil")
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishSyncEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.syncTopic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", evt.TenantID),
		attribute.String("integration_id", evt.IntegrationID),
		attribute.String("event_type", evt.Type),
	)

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)
	evt.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal sync event")
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	headers := traceHeaders(ctx, []kafka.Header{
		{Key: "tenant_id", Value: []byte(evt.TenantID)},
		{Key: "integration_id", Value: []byte(evt.IntegrationID)},
		{Key: "type", Value: []byte(evt.Type)},
	})

	start := time.Now()
	err = p.syncWriter.WriteMessages(ctx, kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s", evt.TenantID, evt.IntegrationID)),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.RecordKafkaPublish(p.syncTopic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish sync event")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish sync event to Kafka topic %s", p.syncTopic)
		return err
	}
	metrics.RecordKafkaPublish(p.syncTopic, "success", time.Since(start).Seconds())

	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published %s for integration %s", evt.Type, evt.IntegrationID)
	return nil
}

// PublishTransactions publishes a batch of saved transactions keyed by
// tenant:transaction_id.
func (p *Producer) PublishTransactions(ctx context.Context, events []*TransactionEvent) error {
	if len(events) == 0 || p.transactionWriter == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishTransactions")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.transactionTopic),
		attribute.String("messaging.operation", "publish"),
		attribute.Int("messaging.batch_size", len(events)),
	)

	traceID := tracing.GetTraceID(ctx)
	spanID := tracing.GetSpanID(ctx)

	messages := make([]kafka.Message, len(events))
	for i, evt := range events {
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		evt.TraceID = traceID
		evt.SpanID = spanID

		data, err := json.Marshal(evt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("failed to marshal transaction %d", i))
			return fmt.Errorf("failed to marshal transaction %s: %w", evt.TransactionID, err)
		}

		messages[i] = kafka.Message{
			Key:   []byte(fmt.Sprintf("%s:%s", evt.TenantID, evt.TransactionID)),
			Value: data,
			Headers: traceHeaders(ctx, []kafka.Header{
				{Key: "tenant_id", Value: []byte(evt.TenantID)},
				{Key: "integration_id", Value: []byte(evt.IntegrationID)},
			}),
		}
	}

	start := time.Now()
	if err := p.transactionWriter.WriteMessages(ctx, messages...); err != nil {
		metrics.RecordKafkaPublish(p.transactionTopic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish batch")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish batch to Kafka topic %s", p.transactionTopic)
		return err
	}
	metrics.RecordKafkaPublish(p.transactionTopic, "success", time.Since(start).Seconds())

	span.SetStatus(codes.Ok, "batch published")
	p.logger.WithContext(ctx).Infof("Published %d transactions to Kafka", len(events))
	return nil
}
