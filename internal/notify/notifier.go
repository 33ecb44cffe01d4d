package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
	"github.com/schoolcare/medorder/internal/infrastructure/redpanda"
	"github.com/schoolcare/medorder/pkg/workerpool"
)

// HandlerName identifies the notifier in the inbox
const HandlerName = "order-notifier"

// Delivery outcomes reported to the observer
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
)

// Sender delivers one notification
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// Deduper runs fn at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn postgres.InboxFunc) (*postgres.InboxResult, error)
}

// Observer receives delivery outcomes
type Observer interface {
	MessageConsumed()
	NotificationDelivered(kind, outcome string)
}

type nopObserver struct{}

func (nopObserver) MessageConsumed()                     {}
func (nopObserver) NotificationDelivered(string, string) {}

// Notifier consumes order events and delivers notifications. Deliveries run
// on a bounded worker pool; each message waits for its own delivery so the
// events of one order stay in order.
type Notifier struct {
	inbox    Deduper
	sender   Sender
	pool     *workerpool.Pool
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

// NewNotifier creates a notifier delivering through workers goroutines
func NewNotifier(inbox Deduper, sender Sender, workers int, logger *zap.Logger) (*Notifier, error) {
	if inbox == nil || sender == nil {
		return nil, errors.New("inbox and sender are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		inbox:    inbox,
		sender:   sender,
		logger:   logger,
		tracer:   otel.Tracer("order-notifier"),
		observer: nopObserver{},
	}

	cfg := workerpool.DefaultConfig()
	if workers > 0 {
		cfg.Workers = workers
		cfg.QueueSize = workers * 4
	}
	pool, err := workerpool.New(cfg, n.deliver, logger)
	if err != nil {
		return nil, err
	}
	n.pool = pool
	return n, nil
}

// SetObserver replaces the outcome observer
func (n *Notifier) SetObserver(o Observer) {
	if o != nil {
		n.observer = o
	}
}

// Start launches the delivery workers
func (n *Notifier) Start() { n.pool.Start() }

// Stop waits for in-flight deliveries
func (n *Notifier) Stop() error { return n.pool.Stop() }

// Stats reports the delivery pool counters
func (n *Notifier) Stats() workerpool.Stats { return n.pool.Stats() }

// HandleMessage is the consumer callback. Malformed events are logged and
// skipped; a failed delivery is left RECOVERABLE in the inbox and returned.
func (n *Notifier) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	n.observer.MessageConsumed()

	var ev medorder.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.ID == "" {
		n.logger.Error("skipping malformed order event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	ctx, span := n.tracer.Start(ctx, "notify_event",
		trace.WithAttributes(
			attribute.String("event_id", ev.ID),
			attribute.String("event_type", string(ev.EventType)),
			attribute.String("order_id", ev.AggregateID),
		))
	defer span.End()

	note, ok, err := FromEvent(&ev)
	if err != nil {
		n.logger.Error("skipping undecodable order event", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	if !ok {
		n.observer.NotificationDelivered(string(ev.EventType), OutcomeSkipped)
		return nil
	}

	result, err := n.inbox.Process(ctx, ev.ID, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		res, err := n.pool.SubmitWait(ctx, &workerpool.Task{ID: note.ID, Payload: note, Context: ctx})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			if errors.Is(res.Error, ErrRejected) {
				return nil, fmt.Errorf("%w: %w", postgres.ErrPermanent, res.Error)
			}
			return nil, res.Error
		}
		return json.RawMessage(`{"delivered":true}`), nil
	})

	kind := string(note.Kind)
	switch {
	case err == nil && result != nil && !result.IsNew && !result.WasRecovered:
		n.observer.NotificationDelivered(kind, OutcomeDuplicate)
		return nil
	case err == nil:
		n.observer.NotificationDelivered(kind, OutcomeSent)
		n.logger.Info("notification sent",
			zap.String("event_id", ev.ID),
			zap.String("kind", kind),
			zap.String("order_id", note.OrderID))
		return nil
	case errors.Is(err, postgres.ErrDuplicateMessage), errors.Is(err, postgres.ErrMessageInProgress):
		n.observer.NotificationDelivered(kind, OutcomeDuplicate)
		return nil
	case errors.Is(err, postgres.ErrPermanent):
		n.observer.NotificationDelivered(kind, OutcomeRejected)
		n.logger.Error("notification rejected", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	default:
		n.observer.NotificationDelivered(kind, OutcomeFailed)
		span.RecordError(err)
		return err
	}
}

func (n *Notifier) deliver(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	note, ok := task.Payload.(*Notification)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: fmt.Errorf("%w: unexpected payload %T", ErrRejected, task.Payload)}
	}
	if err := n.sender.Send(ctx, note); err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}
