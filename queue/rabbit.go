// EmbeddingPublisher and its RabbitMQ implementation. The resolver worker
// publishes embedding-generate jobs onto a durable queue consumed by the
// separate embedding service, keeping that workload off the Redis queue
// the resolve/ingest pipeline uses.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// EmbeddingPublisher publishes embedding-generate jobs. Implementations:
// RabbitMQService (real), MockAMQP-backed service (tests).
type EmbeddingPublisher interface {
	// PublishEmbeddingJob publishes one embedding-generate job. Returns an
	// error if serialization or publishing fails.
	PublishEmbeddingJob(job EmbeddingJob) error

	// Close closes the connection to the message queue.
	Close() error
}

// RabbitMQService manages a connection and channel to a RabbitMQ server
// and publishes jobs to one durable queue.
type RabbitMQService struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     RabbitConfig
}

// RabbitConfig configures the RabbitMQ connection and target queue.
type RabbitConfig struct {
	RabbitMQURL string
	QueueName   string
}

// NewRabbitMQService connects to RabbitMQ, opens a channel, and declares
// the configured queue as durable.
func NewRabbitMQService(config RabbitConfig) (*RabbitMQService, error) {
	dialer := &RealAMQPDialer{}
	return NewRabbitMQServiceWithDialer(config, dialer)
}

// NewRabbitMQServiceWithDialer is NewRabbitMQService with an injectable
// dialer for testing.
func NewRabbitMQServiceWithDialer(config RabbitConfig, dialer AMQPDialer) (*RabbitMQService, error) {
	conn, err := dialer.Dial(config.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable: the queue survives broker restarts.
	_, err = ch.QueueDeclare(
		config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &RabbitMQService{
		connection: conn,
		channel:    ch,
		config:     config,
	}, nil
}

// PublishEmbeddingJob marshals job to JSON and publishes it on the default
// exchange with the queue name as routing key.
func (r *RabbitMQService) PublishEmbeddingJob(job EmbeddingJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding job: %w", err)
	}

	err = r.channel.Publish(
		"",
		r.config.QueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish embedding job: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ channel and connection. Safe on a partially
// constructed service.
func (r *RabbitMQService) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}
