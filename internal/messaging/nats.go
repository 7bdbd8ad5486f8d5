// Package messaging provides a NATS client wrapper for pub/sub messaging
// between agora services. Out-of-process producers publish notification
// broadcast jobs; the live server consumes them and feeds its trigger queue.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/notify"
)

// NATS subjects used across agora services.
const (
	SubjectNotifyBroadcast = "notify.broadcast"

	// QueueNotifier is the queue group of live servers consuming broadcast
	// jobs, so each job is stored and delivered by exactly one instance.
	QueueNotifier = "agora-notifier"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "agora-live",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// QueueSubscribe registers a handler for subject within a queue group and
// stores the subscription internally for later cleanup.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishNotification publishes a broadcast job on notify.broadcast.
func (c *NATSClient) PublishNotification(job notify.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	return c.Publish(SubjectNotifyBroadcast, data)
}

// SubscribeNotifications delivers decoded broadcast jobs to handler.
// Undecodable payloads are logged and dropped.
func (c *NATSClient) SubscribeNotifications(handler func(job notify.Job)) error {
	return c.QueueSubscribe(SubjectNotifyBroadcast, QueueNotifier, func(msg *nats.Msg) {
		job, err := DecodeJob(msg.Data)
		if err != nil {
			c.logger.Warn("dropping malformed broadcast job", zap.Error(err))
			return
		}
		handler(job)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", zap.Error(err))
	}
}

// EncodeJob serializes a job as {notification_type, user_id, data}.
func EncodeJob(job notify.Job) ([]byte, error) {
	if job.Type == "" {
		return nil, fmt.Errorf("messaging: notification_type is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode job: %w", err)
	}
	return data, nil
}

// DecodeJob parses a job payload.
func DecodeJob(data []byte) (notify.Job, error) {
	var job notify.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return notify.Job{}, fmt.Errorf("messaging: decode job: %w", err)
	}
	if job.Type == "" {
		return notify.Job{}, fmt.Errorf("messaging: notification_type is required")
	}
	return job, nil
}
