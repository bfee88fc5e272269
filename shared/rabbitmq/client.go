// Package rabbitmq wraps the job queue connection.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and queue configuration.
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	QueueName         string
	QueueDurable      bool
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	PrefetchCount     int
}

// Client is a RabbitMQ client bound to a single job queue. Items are
// published to the default exchange with the queue name as routing key,
// which keeps FIFO delivery within one consumer.
type Client struct {
	cfg       *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	connected bool
}

// NewClient connects to RabbitMQ and declares the job queue.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{cfg: cfg, logger: logger}
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.cfg.User, c.cfg.Password, c.cfg.Host, c.cfg.Port, c.cfg.VHost)

	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqp.Config{
			Heartbeat: c.cfg.Heartbeat,
			Locale:    "en_US",
		})
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if _, err := c.channel.QueueDeclare(
		c.cfg.QueueName,
		c.cfg.QueueDurable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	c.connected = true
	c.logger.Info("RabbitMQ client initialized",
		slog.String("queue", c.cfg.QueueName),
	)
	return nil
}

// Publish pushes a persistent JSON message onto the job queue.
func (c *Client) Publish(ctx context.Context, body []byte) error {
	if !c.connected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(ctx,
		"",              // default exchange
		c.cfg.QueueName, // routing key = queue
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published",
		slog.String("queue", c.cfg.QueueName),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// Consume starts delivering queue items. Messages must be acked or nacked
// by the consumer.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.connected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	prefetch := c.cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := c.channel.Consume(
		c.cfg.QueueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	c.logger.Info("Started consuming",
		slog.String("queue", c.cfg.QueueName),
		slog.String("consumer_tag", consumerTag),
	)
	return deliveries, nil
}

// IsConnected reports whether the connection is usable.
func (c *Client) IsConnected() bool {
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	c.connected = false
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}
