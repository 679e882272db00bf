// Package notify queues counterparty and owner notifications. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/kafka"
	"github.com/google/uuid"
)

const (
	TypeOrder   = "ORDER"
	TypePayment = "PAYMENT"
	TypePayout  = "PAYOUT"
	TypeRefund  = "REFUND"
)

type Notification struct {
	UserID  uuid.UUID `json:"user_id"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Type    string    `json:"type"`
}

// Notifier must not block.
type Notifier interface {
	Queue(ctx context.Context, n Notification)
}

type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher delivers each notification on its own goroutine.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sink Sink, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		logger:  logger.With("component", "notify"),
		timeout: timeout,
	}
}

func (d *Dispatcher) Queue(ctx context.Context, n Notification) {
	if d == nil || d.sink == nil || n.UserID == uuid.Nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.sink.Deliver(deliverCtx, n); err != nil {
			d.logger.Warn("notification delivery failed", "user_id", n.UserID.String(), "type", n.Type, "error", err)
		}
	}()
}

// Wait blocks until queued deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type notificationEvent struct {
	kafka.Envelope
	Notification
}

// KafkaSink publishes notifications for the delivery service to pick up.
type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaSink(publisher kafka.Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic}
}

func (s *KafkaSink) Deliver(ctx context.Context, n Notification) error {
	env, err := kafka.NewEnvelope("notification.requested", 1, n.UserID.String())
	if err != nil {
		return err
	}
	_, _, err = s.publisher.PublishJSON(ctx, s.topic, n.UserID.String(), notificationEvent{Envelope: env, Notification: n})
	return err
}

// LogSink writes notifications to the log, for local runs without Kafka.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.logger.Info("notification", "user_id", n.UserID.String(), "type", n.Type, "title", n.Title)
	return nil
}
