package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the queue operations the services depend on.
// It allows swapping the RabbitMQ client for a mock in tests.
type ClientInterface interface {
	// Push publishes data onto the queue and waits for confirmation.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes without waiting for confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume returns a channel of deliveries from the queue.
	Consume() (<-chan amqp.Delivery, error)

	// Close shuts down the channel and connection.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
