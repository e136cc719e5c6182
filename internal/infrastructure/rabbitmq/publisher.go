package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ticketing-backend/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	ExchangeName = "holds"
	ExchangeKind = "topic"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher writes every committed HoldEvent to the "holds" topic exchange
// with routing key hold.<eventType>, so order and analytics services can bind
// only to the transitions they care about.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel Channel
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	p, err := NewPublisherWithChannel(ch)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisherWithChannel declares the exchange on an already open channel.
func NewPublisherWithChannel(ch Channel) (*Publisher, error) {
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeKind, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	return &Publisher{channel: ch}, nil
}

func RoutingKey(t domain.HoldEventType) string {
	return "hold." + string(t)
}

// PublishHoldEvent implements holds.AuditSink.
func (p *Publisher) PublishHoldEvent(ctx context.Context, event domain.HoldEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal hold event: %w", err)
	}

	key := RoutingKey(event.EventType)
	p.mu.Lock()
	err = p.channel.PublishWithContext(ctx,
		ExchangeName,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID.String(),
			Type:         string(event.EventType),
			Timestamp:    event.CreatedAt.UTC(),
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish hold event: %w", err)
	}

	log.Debug().Str("routing_key", key).Str("hold_id", event.HoldID.String()).Msg("hold event published")
	return nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
