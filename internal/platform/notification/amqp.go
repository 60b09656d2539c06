package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"
)

// DeliverAtHeader carries the instant a scheduled message was due, in
// RFC 3339.
const DeliverAtHeader = "x-deliver-at"

// AMQPPublisher publishes JSON messages to a durable RabbitMQ queue.
type AMQPPublisher struct {
	mu      sync.Mutex
	channel *amqp091.Channel
	queue   string
}

func NewAMQPPublisher(conn *amqp091.Connection, queue string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPPublisher{channel: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	pub, err := buildPublishing(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}

func buildPublishing(msg Message) (amqp091.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal notification: %w", err)
	}
	headers := amqp091.Table{
		"event":          msg.Event,
		"recipient_kind": msg.RecipientKind,
	}
	if msg.DeliverAt != nil {
		headers[DeliverAtHeader] = msg.DeliverAt.UTC().Format(time.RFC3339)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         msg.Event,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
	}, nil
}
