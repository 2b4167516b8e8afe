package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and topology configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// ExchangeName is the direct work exchange; each queue is bound with a
	// routing key equal to its own name.
	ExchangeName string

	// Queues are the stage queues to declare. Each gets a companion
	// "<name>.wait" queue whose dead-letter target is the work exchange, so
	// a message published there with a TTL re-enters its queue after the
	// TTL elapses.
	Queues []string

	// MaxPriority is the queue priority ceiling (x-max-priority).
	MaxPriority int

	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Client wraps one AMQP connection/channel pair and the declared topology.
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient connects and declares the exchange and queues, retrying the
// initial connection per config.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.Int("queues", len(c.config.Queues)),
	)
	return nil
}

// setup declares the work exchange, the stage queues and their wait queues.
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	maxPriority := c.config.MaxPriority
	if maxPriority <= 0 {
		maxPriority = 10
	}

	for _, name := range c.config.Queues {
		_, err = c.channel.QueueDeclare(
			name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{"x-max-priority": int32(maxPriority)},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}

		if err = c.channel.QueueBind(name, name, c.config.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", name, err)
		}

		_, err = c.channel.QueueDeclare(
			name+".wait",
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-dead-letter-exchange":    c.config.ExchangeName,
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare wait queue for %s: %w", name, err)
		}
	}
	return nil
}

// Publish sends a persistent message to a stage queue with the given
// priority.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, priority uint8) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		c.logger.Error("Failed to publish message",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishDelayed places a message on the queue's wait queue with a TTL; it is
// dead-lettered back to the work queue once the delay elapses.
func (c *Client) PublishDelayed(ctx context.Context, queue string, body []byte, priority uint8, delay time.Duration) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if delay <= 0 {
		return c.Publish(ctx, queue, body, priority)
	}

	err := c.channel.PublishWithContext(
		ctx,
		"",            // default exchange
		queue+".wait", // routing key = wait queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now(),
			Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish delayed message: %w", err)
	}
	return nil
}

// Get polls a single message from a queue without blocking. The returned
// bool is false when the queue is empty.
func (c *Client) Get(queue string) (amqp.Delivery, bool, error) {
	if !c.isConnected {
		return amqp.Delivery{}, false, fmt.Errorf("not connected to RabbitMQ")
	}

	d, ok, err := c.channel.Get(queue, false) // manual ack
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get message from %s: %w", queue, err)
	}
	return d, ok, nil
}

// Close closes the RabbitMQ channel and connection.
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")
	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}
	return nil
}

// IsConnected reports whether the underlying connection is live.
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
