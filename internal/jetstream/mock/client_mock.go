package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
)

// ClientMock is a testify mock of jetstream.ClientInterface.
type ClientMock struct {
	mock.Mock
}

var _ jetstream.ClientInterface = (*ClientMock)(nil)

func (m *ClientMock) EnsureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *ClientMock) EnsureConsumer(ctx context.Context, stream string, cfg *nats.ConsumerConfig) error {
	args := m.Called(ctx, stream, cfg)
	return args.Error(0)
}

func (m *ClientMock) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	args := m.Called(subject, consumer, group, stream, handler)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) SubscribePull(stream, subject, consumer string) (*nats.Subscription, error) {
	args := m.Called(stream, subject, consumer)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	args := m.Called(ctx, subject, data, headers)
	return args.Error(0)
}

func (m *ClientMock) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *ClientMock) NatsConn() *nats.Conn {
	args := m.Called()
	nc, _ := args.Get(0).(*nats.Conn)
	return nc
}

func (m *ClientMock) Close() {
	m.Called()
}
