package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"taskpulse/pkg/backoff"
	"taskpulse/pkg/metrics"
	"taskpulse/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// Consumer consumes from one durable queue bound to one or more routing
// keys on the events exchange. Messages are manually acked; a handler
// error nacks with requeue so the bus redelivers.
type Consumer struct {
	url         string
	queueName   string
	bindingKeys []string
	handler     MessageHandler
	logger      *zap.Logger

	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewConsumer(url, queueName string, bindingKeys []string, logger *zap.Logger) *Consumer {
	return &Consumer{
		url:         url,
		queueName:   queueName,
		bindingKeys: bindingKeys,
		logger:      logger,
	}
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// IsConnected reports whether the consumer currently holds a live connection.
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Consumer) connect() error {
	conn, err := NewConnection(c.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		c.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range c.bindingKeys {
		if err := ch.QueueBind(q.Name, key, ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}

	c.conn = conn
	c.channel = ch

	c.logger.Info("Consumer initialized",
		zap.String("queue", c.queueName),
		zap.Strings("binding_keys", c.bindingKeys),
		zap.String("exchange", ExchangeName),
	)
	return nil
}

// Start consumes until ctx is cancelled. Connection failures are retried
// with backoff so the service stays up while the bus is unreachable;
// missed events are recovered only through queue retention.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	attempt := 0
	for {
		if err := c.connect(); err != nil {
			attempt++
			delay := backoff.ExponentialJitter(time.Second, 30*time.Second, attempt)
			c.logger.Warn("MQ unreachable, retrying",
				zap.String("queue", c.queueName),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				c.Close()
				return ctx.Err()
			}
			c.logger.Error("Consumer channel lost, reconnecting",
				zap.String("queue", c.queueName),
				zap.Error(err),
			)
			c.Close()
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	deliveries, err := c.channel.Consume(
		c.queue(),
		"worker",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("queue", c.queueName),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

func (c *Consumer) queue() string {
	return c.queueName
}

func (c *Consumer) handleDelivery(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()

	if traceID, ok := msg.Headers["x-trace-id"].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	} else {
		ctx = trace.Ensure(ctx)
	}

	// Panic recovery: a broken message must never take the consumer down.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("queue", c.queueName),
				zap.Any("panic", r),
			)
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("Handler error",
			zap.String("queue", c.queueName),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		// Transient failure: requeue and let the bus redeliver.
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("queue", c.queueName),
			zap.Error(err),
		)
		return
	}

	metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queueName, time.Since(start))
}
