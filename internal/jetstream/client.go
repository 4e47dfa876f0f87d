package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

const reconnectWait = 2 * time.Second

// Client wraps a NATS connection and its legacy JetStream context.
type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
}

var _ ClientInterface = (*Client)(nil)

// NewClient connects to url and keeps reconnecting forever in the background.
func NewClient(url string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("crm-automation"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", apperrors.ErrNATS, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %w", apperrors.ErrNATS, err)
	}

	return &Client{nc: nc, js: js, log: log}, nil
}

// EnsureStream creates the stream, or updates it when its config drifted.
func (c *Client) EnsureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	log := logger.FromContextOr(ctx, c.log).With(zap.String("stream", cfg.Name))

	info, err := c.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: stream info %s: %w", apperrors.ErrNATS, cfg.Name, err)
	}

	if info == nil {
		if _, err := c.js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("%w: add stream %s: %w", apperrors.ErrNATS, cfg.Name, err)
		}
		log.Info("Created stream", zap.Strings("subjects", cfg.Subjects))
		return nil
	}

	if utils.StreamConfigEqual(info.Config, *cfg) {
		log.Debug("Stream up to date")
		return nil
	}
	if _, err := c.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: update stream %s: %w", apperrors.ErrNATS, cfg.Name, err)
	}
	log.Info("Updated stream", zap.Strings("subjects", cfg.Subjects))
	return nil
}

// EnsureConsumer creates the durable consumer. A drifted consumer is deleted and
// re-added, since most consumer fields cannot be updated in place.
func (c *Client) EnsureConsumer(ctx context.Context, stream string, cfg *nats.ConsumerConfig) error {
	log := logger.FromContextOr(ctx, c.log).With(zap.String("stream", stream), zap.String("consumer", cfg.Durable))

	info, err := c.js.ConsumerInfo(stream, cfg.Durable, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("%w: consumer info %s/%s: %w", apperrors.ErrNATS, stream, cfg.Durable, err)
	}

	if info != nil {
		if utils.ConsumerConfigEqual(info.Config, *cfg) {
			log.Debug("Consumer up to date")
			return nil
		}
		log.Warn("Consumer config drifted, recreating")
		if err := c.js.DeleteConsumer(stream, cfg.Durable, nats.Context(ctx)); err != nil {
			return fmt.Errorf("%w: delete consumer %s/%s: %w", apperrors.ErrNATS, stream, cfg.Durable, err)
		}
	}

	if _, err := c.js.AddConsumer(stream, cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: add consumer %s/%s: %w", apperrors.ErrNATS, stream, cfg.Durable, err)
	}
	log.Info("Consumer ready",
		zap.String("deliver_group", cfg.DeliverGroup),
		zap.Strings("filter_subjects", cfg.FilterSubjects))
	return nil
}

// SubscribePush binds a queue subscription to an existing push consumer.
func (c *Client) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(subject, group, handler,
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: push subscribe %s: %w", apperrors.ErrNATS, consumer, err)
	}
	return sub, nil
}

// SubscribePull binds a pull subscription to an existing durable consumer.
func (c *Client) SubscribePull(stream, subject, consumer string) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(subject, consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, fmt.Errorf("%w: pull subscribe %s/%s: %w", apperrors.ErrNATS, stream, consumer, err)
	}
	return sub, nil
}

// Publish sends data to subject and waits for the stream ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish %s: %w", apperrors.ErrNATS, subject, err)
	}
	return nil
}

// IsConnected reports the connection state for the readiness probe.
func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// NatsConn exposes the raw connection.
func (c *Client) NatsConn() *nats.Conn {
	return c.nc
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Warn("NATS drain failed, closing", zap.Error(err))
		c.nc.Close()
	}
}
