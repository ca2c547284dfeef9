package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// envelope wraps every published event with identity and type metadata.
type envelope struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	SentTime  time.Time `json:"sentTime"`
	Payload   any       `json:"payload"`
}

// Publisher sends gateway events to RabbitMQ fanout exchanges.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewPublisher creates a Publisher connected to the given AMQP URL.
// If url is empty, returns a no-op publisher that logs events instead of
// sending them.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		logger.Info("RabbitMQ URL not configured, using no-op publisher")
		return &Publisher{logger: logger}, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	return &Publisher{
		conn:   conn,
		ch:     ch,
		logger: logger,
	}, nil
}

// Publish sends an event to the exchange derived from its type.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	eventType, exchangeName := eventMeta(event)

	body, err := json.Marshal(envelope{
		EventID:   generateID(),
		EventType: eventType,
		SentTime:  time.Now().UTC(),
		Payload:   event,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// No-op mode: just log.
	if p.ch == nil {
		p.logger.Info("event published (no-op)", "type", eventType)
		return nil
	}

	if err := p.ch.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchangeName, err)
	}

	return p.ch.PublishWithContext(ctx, exchangeName, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close cleanly shuts down the AMQP connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func eventMeta(event any) (eventType, exchangeName string) {
	switch event.(type) {
	case InstanceRegisteredEvent:
		return "InstanceRegistered", "gateway.instance.registered"
	case InstanceHealthChangedEvent:
		return "InstanceHealthChanged", "gateway.instance.health-changed"
	case BreakerStateChangedEvent:
		return "BreakerStateChanged", "gateway.breaker.state-changed"
	default:
		return "Unknown", "gateway.unknown"
	}
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
