// Package events publishes delivery lifecycle notifications for downstream
// consumers such as billing or the tenant dashboard.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types
const (
	JobSent          = "job.sent"
	JobFailed        = "job.failed"
	JobCancelled     = "job.cancelled"
	DeliverySent     = "delivery.sent"
	DeliveryFailed   = "delivery.failed"
	DeliveryBlocked  = "delivery.blocked"
	CampaignStarted  = "campaign.started"
	CampaignFinished = "campaign.finished"
	RecipientBlocked = "recipient.blocked"
)

// Event is one lifecycle notification
type Event struct {
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	EntityID    string    `json:"entity_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher emits events. Publishing is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards events
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// AMQPPublisher publishes JSON events to a durable queue
type AMQPPublisher struct {
	queue  string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher connects to the broker and declares the queue
func NewAMQPPublisher(url, queue string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if queue == "" {
		queue = "dripline_events"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	logger.Info("event publisher connected", "queue", queue)
	return &AMQPPublisher{
		queue:   queue,
		logger:  logger.With("component", "events"),
		conn:    conn,
		channel: ch,
	}, nil
}

// Publish sends e as a persistent JSON message
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	// Channels are not safe for concurrent use
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         e.Type,
			Timestamp:    e.At,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	p.logger.Debug("event published", "type", e.Type, "entity_id", e.EntityID)
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
