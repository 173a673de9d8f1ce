package rmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to durable queues, declaring each one the first time it
// is used. Session queues are created on demand so the set is not known up front.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu       sync.Mutex
	declared map[string]bool
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, declared: map[string]bool{}}, nil
}

func (p *Publisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

func (p *Publisher) declare(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[queue] {
		return nil
	}
	if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	p.declared[queue] = true
	return nil
}

// PublishJSON sends body to queue. messageID, when set, travels as the AMQP
// message id so consumers can log and dedupe on it.
func (p *Publisher) PublishJSON(ctx context.Context, queue, messageID string, body []byte, headers amqp.Table) error {
	if err := p.declare(queue); err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx,
		"", queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		})
}

type Consumer struct {
	conn *amqp.Connection
	Ch   *amqp.Channel
}

// NewConsumer opens a channel with the given per-consumer prefetch. A prefetch
// of 1 keeps each queue strictly FIFO.
func NewConsumer(url string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, Ch: ch}, nil
}

func (c *Consumer) Consume(queue string) (<-chan amqp.Delivery, error) {
	if _, err := c.Ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	return c.Ch.Consume(queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	_ = c.Ch.Close()
	return c.conn.Close()
}

// Fanout is a publisher bound to a fanout exchange, used for broadcast events.
type Fanout struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewFanout(url, exchange string) (*Fanout, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Fanout{conn: conn, ch: ch, exchange: exchange}, nil
}

func (f *Fanout) PublishJSON(ctx context.Context, body []byte) error {
	return f.ch.PublishWithContext(ctx,
		f.exchange, "", false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		})
}

// Subscribe binds a private, auto-deleted queue to the exchange.
func (f *Fanout) Subscribe() (<-chan amqp.Delivery, error) {
	q, err := f.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}
	if err := f.ch.QueueBind(q.Name, "", f.exchange, false, nil); err != nil {
		return nil, err
	}
	return f.ch.Consume(q.Name, "", true, true, false, false, nil)
}

func (f *Fanout) Close() error {
	_ = f.ch.Close()
	return f.conn.Close()
}
