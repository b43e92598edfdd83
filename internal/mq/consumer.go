package mq

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// RetryCounter tracks how many times a delivery has failed, so poison
// messages end up on the DLQ instead of requeueing forever.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
}

// Consumer delivers messages for one routing key to a handler, one at a
// time in delivery order, with manual acks. A handler error requeues the
// delivery until maxRetries is exceeded, then dead-letters it.
type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	retries    RetryCounter
	maxRetries int64
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	// Strictly sequential: one unacked delivery at a time.
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		maxRetries: 5,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// WithRetryCounter enables DLQ routing for deliveries that keep failing.
func (c *Consumer) WithRetryCounter(r RetryCounter, maxRetries int64) *Consumer {
	c.retries = r
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	return c
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until the delivery channel closes. There is no
// automatic resubscription; a feed-level failure returns to the caller,
// who owns the decision to restart the process.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
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
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for msg := range deliveries {
		if err := ctx.Err(); err != nil {
			_ = msg.Nack(false, true)
			return err
		}
		c.handleDelivery(ctx, msg)
	}
	return fmt.Errorf("delivery channel closed for %s", c.routingKey)
}

func (c *Consumer) handleDelivery(ctx context.Context, msg amqp091.Delivery) {
	err := c.handler(ctx, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack delivery",
				zap.String("routing_key", c.routingKey),
				zap.Error(ackErr),
			)
		}
		return
	}

	c.logger.Warn("handler failed, delivery will be retried",
		zap.String("routing_key", c.routingKey),
		zap.Error(err),
	)

	if c.retries != nil {
		key := retryKey(c.routingKey, msg.Body)
		count, cntErr := c.retries.IncrementAndGet(ctx, key)
		if cntErr == nil && count > c.maxRetries {
			c.deadLetter(msg, err)
			_ = msg.Ack(false)
			return
		}
	}
	_ = msg.Nack(false, true)
}

// retryKey identifies one poison delivery for retry counting. The body is
// hashed so the redis key stays bounded no matter how large the message is.
func retryKey(routingKey string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("mqretry:%s:%x", routingKey, sum[:16])
}

func (c *Consumer) deadLetter(msg amqp091.Delivery, cause error) {
	headers := amqp091.Table{
		"x-original-error": cause.Error(),
		"x-failed-at":      "leadsheet-worker",
	}
	err := c.channel.Publish(
		DLQExchangeName,
		c.routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
	if err != nil {
		c.logger.Error("failed to publish to DLQ",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		return
	}
	c.logger.Warn("delivery dead-lettered",
		zap.String("routing_key", c.routingKey),
		zap.String("cause", cause.Error()),
	)
}
