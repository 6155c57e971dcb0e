/**
 * @description
 * This file provides the RabbitMQ event producer used for fire-and-forget
 * notification events. The ledger core publishes after a mutation commits and
 * never fails a request because a publish failed.
 *
 * @notes
 * - Publishing declares the durable topic exchange on first use and retries
 *   once on a reopened channel if the broker dropped the previous one.
 * - NoopProducer stands in when RabbitMQ is unreachable at startup, so the
 *   service can run degraded instead of failing hard.
 */

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer publishes events to a RabbitMQ topic exchange.
type EventProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NoopProducer is a no-op Publisher used when RabbitMQ is unavailable at
// startup. It logs events instead of delivering them.
type NoopProducer struct{}

func (p *NoopProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq msg=\"broker unavailable, dropping event\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *NoopProducer) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer establishes a connection and channel to RabbitMQ with a
// bounded dial timeout so startup does not hang indefinitely.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	return p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// Publish sends a JSON-encoded message to a topic exchange with a routing
// key. On channel failure it reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.declareExchange(exchange); err != nil {
		log.Printf("level=warn component=rabbitmq msg=\"exchange declare failed, reopening channel\" exchange=%s error=%q", exchange, err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err := p.declareExchange(exchange); err != nil {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq msg=\"publish failed, retrying on fresh channel\" exchange=%s routing_key=%s error=%q", exchange, routingKey, err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return err
		}
		p.channel = ch
		if exErr := p.declareExchange(exchange); exErr != nil {
			return err
		}
		if err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
			return err
		}
	}

	log.Printf("level=info component=rabbitmq msg=\"event published\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

// Close closes the RabbitMQ connection and channel.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
