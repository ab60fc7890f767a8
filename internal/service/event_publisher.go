package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/utstyr/custody-service/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventPublisher forwards committed custody events to other systems.
// Publication happens after commit and never affects the transition.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Close() error
}

type NoopEventPublisher struct{}

func (NoopEventPublisher) Publish(context.Context, domain.Event) error { return nil }
func (NoopEventPublisher) Close() error                                { return nil }

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func(url, queue string) (amqpChannel, func() error, error)

// AMQPEventPublisher publishes persistent JSON messages to a durable queue
// on the default exchange. The connection is opened lazily and reopened
// after a failed publish.
type AMQPEventPublisher struct {
	url   string
	queue string
	dial  amqpDialer

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
}

func NewAMQPEventPublisher(url, queue string) *AMQPEventPublisher {
	return &AMQPEventPublisher{url: url, queue: queue, dial: dialAMQP}
}

func dialAMQP(url, queue string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return ch, conn.Close, nil
}

type custodyEventMessage struct {
	ID         uint            `json:"id"`
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	AssetTagID *string         `json:"asset_tag_id,omitempty"`
	UserTagID  *string         `json:"user_tag_id,omitempty"`
	Confidence float64         `json:"confidence"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (p *AMQPEventPublisher) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(custodyEventMessage{
		ID:         event.ID,
		Type:       string(event.Type),
		Timestamp:  event.Timestamp,
		AssetTagID: event.AssetTagID,
		UserTagID:  event.UserTagID,
		Confidence: event.Confidence,
		Details:    json.RawMessage(event.Details),
	})
	if err != nil {
		return fmt.Errorf("marshal custody event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		ch, closeConn, err := p.dial(p.url, p.queue)
		if err != nil {
			return err
		}
		p.ch, p.closeConn = ch, closeConn
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(event.Type),
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

func (p *AMQPEventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *AMQPEventPublisher) resetLocked() error {
	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.closeConn != nil {
		if cerr := p.closeConn(); err == nil {
			err = cerr
		}
	}
	p.ch, p.closeConn = nil, nil
	return err
}
