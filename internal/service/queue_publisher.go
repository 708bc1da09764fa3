// Package queue_publisher publishes settlement events to RabbitMQ for the
// notification and reporting services.  Errors are logged and returned;
// callers treat delivery as best effort.
package queue_publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	q "github.com/iliyamo/expert-settlement/internal/queue"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

const (
	dialTimeout = 3 * time.Second
	// redialAfter is how long Publish fails fast after a failed dial.
	redialAfter = 15 * time.Second
)

// ErrBrokerBackoff is returned while the publisher waits to redial.
var ErrBrokerBackoff = errors.New("broker unavailable, redial pending")

// Publisher implements settlement.Publisher over one lazily opened
// connection.  A failed publish drops the connection and the next call
// dials again, unless a dial failed within redialAfter.
type Publisher struct {
	url   string
	queue string
	log   *zap.Logger
	dial  func(url string) (*amqp.Connection, error)
	now   func() time.Time

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	dialFailed time.Time
}

var _ settlement.Publisher = (*Publisher)(nil)

// NewPublisher returns a Publisher for the given queue (default
// settlement.events).  Nothing is dialled until the first event.
func NewPublisher(url, queue string, log *zap.Logger) *Publisher {
	if queue == "" {
		queue = q.SettlementEventsQueue
	}
	if log == nil {
		log = zap.L()
	}
	return &Publisher{url: url, queue: queue, log: log.Named("rabbitmq"), dial: dialBroker, now: time.Now}
}

func dialBroker(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if !p.dialFailed.IsZero() && p.now().Sub(p.dialFailed) < redialAfter {
		return nil, ErrBrokerBackoff
	}
	conn, err := p.dial(p.url)
	if err != nil {
		p.dialFailed = p.now()
		return nil, fmt.Errorf("dial: %w", err)
	}
	p.dialFailed = time.Time{}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so events survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// publishing builds the persistent message for ev.
func publishing(ev settlement.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.Type + ":" + strconv.FormatUint(ev.TransferID, 10) + ":" + strconv.FormatInt(ev.OccurredAt.UnixNano(), 10),
		Type:         ev.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

// Publish sends ev to the events queue.
func (p *Publisher) Publish(ctx context.Context, ev settlement.Event) error {
	msg, err := publishing(ev)
	if err != nil {
		p.log.Warn("marshal event failed", zap.String("type", ev.Type), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		p.log.Warn("broker unavailable", zap.Error(err))
		return err
	}
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		msg,
	); err != nil {
		p.reset()
		p.log.Warn("publish failed", zap.String("type", ev.Type), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
