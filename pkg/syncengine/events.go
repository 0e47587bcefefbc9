package syncengine

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/kafka"
)

// Publisher receives sync lifecycle events and saved transactions. *kafka.Producer
// implements it.
type Publisher interface {
	PublishSyncEvent(ctx context.Context, evt *kafka.SyncEvent) error
	PublishTransactions(ctx context.Context, events []*kafka.TransactionEvent) error
}

// NopPublisher drops everything. It is used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishSyncEvent(context.Context, *kafka.SyncEvent) error { return nil }

func (NopPublisher) PublishTransactions(context.Context, []*kafka.TransactionEvent) error {
	return nil
}
