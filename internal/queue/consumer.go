package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/booking"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

// RecordCreator turns a booking context into a transfer record.  It must
// be idempotent per transaction reference; redelivered messages call it
// again.
type RecordCreator interface {
	CreateTransferRecord(ctx context.Context, bc model.BookingContext) (*model.TransferRecord, bool, error)
}

// Disposition is what happens to a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	// Reject drops a message that can never succeed.
	Reject
	// Requeue returns the message for another attempt.
	Requeue
)

// Consumer reads payment.completed messages and creates transfer records.
type Consumer struct {
	url      string
	queue    string
	creator  RecordCreator
	prefetch int
	log      *zap.Logger
}

// NewConsumer builds a Consumer.  An empty queue name uses
// PaymentCompletedQueue.
func NewConsumer(url, queue string, creator RecordCreator, log *zap.Logger) *Consumer {
	if queue == "" {
		queue = PaymentCompletedQueue
	}
	if log == nil {
		log = zap.L()
	}
	return &Consumer{url: url, queue: queue, creator: creator, prefetch: 50, log: log.Named("payment-consumer")}
}

// Run connects to the broker and consumes until ctx is cancelled.  Lost
// connections are re-dialled with exponential backoff capped at 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("failed to dial broker", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			switch c.Handle(ctx, d.Body) {
			case Ack:
				_ = d.Ack(false)
			case Reject:
				_ = d.Nack(false, false)
			case Requeue:
				// Give the database a moment before the redelivery.
				sleep(ctx, time.Second)
				_ = d.Nack(false, true)
			}
		}
	}
}

// Handle processes one message body.  Malformed or invalid bookings are
// rejected; storage failures are requeued.
func (c *Consumer) Handle(ctx context.Context, body []byte) Disposition {
	ev, err := DecodePaymentCompleted(body)
	if err != nil {
		c.log.Error("rejecting malformed payment.completed message", zap.Error(err))
		return Reject
	}
	rec, created, err := c.creator.CreateTransferRecord(ctx, ev.Booking)
	switch {
	case err == nil:
		if created {
			c.log.Info("transfer record created from queue",
				zap.String("event_id", ev.EventID), zap.Uint64("transfer_id", rec.ID))
		} else {
			c.log.Debug("duplicate payment.completed", zap.String("event_id", ev.EventID),
				zap.String("transaction_ref", ev.Booking.TransactionRef))
		}
		return Ack
	case errors.Is(err, booking.ErrInvalidRequest), errors.Is(err, settlement.ErrInvalidAmount):
		c.log.Error("rejecting invalid payment.completed message",
			zap.String("event_id", ev.EventID), zap.String("transaction_ref", ev.Booking.TransactionRef), zap.Error(err))
		return Reject
	default:
		c.log.Warn("payment.completed not processed, requeueing",
			zap.String("event_id", ev.EventID), zap.Error(err))
		return Requeue
	}
}
