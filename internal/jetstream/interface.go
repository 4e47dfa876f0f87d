package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the JetStream surface used by the consumer, the DLQ worker and the publisher.
type ClientInterface interface {
	EnsureStream(ctx context.Context, cfg *nats.StreamConfig) error
	EnsureConsumer(ctx context.Context, stream string, cfg *nats.ConsumerConfig) error

	// SubscribePush binds to an existing push consumer with a queue group.
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)
	// SubscribePull binds to an existing pull consumer.
	SubscribePull(stream, subject, consumer string) (*nats.Subscription, error)

	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error

	IsConnected() bool
	NatsConn() *nats.Conn
	Close()
}
