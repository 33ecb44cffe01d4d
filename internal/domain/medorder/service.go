package medorder

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Observer receives domain outcomes after they are committed
type Observer interface {
	OrderCreated(lines int)
	StatusChanged(from, to Status)
	LineRefilled(quantity int)
	AdministrationRecorded(items, quantity int)
	DispenseRejected(reason string)
}

type nopObserver struct{}

func (nopObserver) OrderCreated(int)                {}
func (nopObserver) StatusChanged(Status, Status)    {}
func (nopObserver) LineRefilled(int)                {}
func (nopObserver) AdministrationRecorded(int, int) {}
func (nopObserver) DispenseRejected(string)         {}

// Service is the order façade. Every mutating call is one transaction that
// persists the order, its lines, any new administration record and the
// resulting outbox events together.
type Service struct {
	store    Store
	ledger   *Ledger
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

// NewService creates a new order service
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		ledger:   NewLedger(),
		logger:   logger,
		tracer:   otel.Tracer("medorder-service"),
		observer: nopObserver{},
	}
}

// SetObserver installs a metrics observer
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Ledger exposes the administration ledger
func (s *Service) Ledger() *Ledger { return s.ledger }

// CreateOrderInput holds the fields of a new order
type CreateOrderInput struct {
	SubjectID string
	CreatedBy string
	Period    DateRange
	Lines     []LineInput
}

// OrderDetail is an order with its medicine lines
type OrderDetail struct {
	Order *MedicalOrder   `json:"order"`
	Lines []*MedicineLine `json:"medicalOrderDetails"`
}

// DetailChange is one entry of a details update. An empty LineID appends
// Line; otherwise the line is refilled by Additional when set, or up to the
// absolute NewTotal.
type DetailChange struct {
	LineID     string
	Line       LineInput
	Additional int
	NewTotal   int
}

// unitOfWork carries the locked order state and pending events of one transaction
type unitOfWork struct {
	tx     Tx
	order  *MedicalOrder
	lines  []*MedicineLine
	events []*Event
	actor  string
	corr   string
}

func (u *unitOfWork) emit(eventType EventType, data interface{}) error {
	ev, err := NewEvent(u.order, eventType, u.actor, data)
	if err != nil {
		return err
	}
	u.events = append(u.events, ev.WithCorrelation(u.corr))
	return nil
}

func (u *unitOfWork) line(id string) (*MedicineLine, error) {
	for _, l := range u.lines {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, lineNotFound(id)
}

// CreateOrder persists a pending order with its initial lines
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*OrderDetail, error) {
	ctx, span := s.startSpan(ctx, "create_order")
	defer span.End()

	if len(in.Lines) == 0 {
		return nil, s.fail(span, invalid("medicalOrderDetails", "at least one medicine line is required"))
	}
	createdBy := strings.TrimSpace(in.CreatedBy)
	if createdBy == "" {
		createdBy = ActorFromContext(ctx)
	}
	order, err := NewMedicalOrder(in.SubjectID, createdBy, in.Period)
	if err != nil {
		return nil, s.fail(span, err)
	}
	lines := make([]*MedicineLine, 0, len(in.Lines))
	for _, li := range in.Lines {
		line, err := NewMedicineLine(order.ID, li)
		if err != nil {
			return nil, s.fail(span, err)
		}
		lines = append(lines, line)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, line := range lines {
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		u := &unitOfWork{tx: tx, order: order, lines: lines, actor: createdBy, corr: correlationFromContext(ctx)}
		if err := u.emit(EventOrderCreated, &OrderCreatedData{
			OrderID:   order.ID,
			SubjectID: order.SubjectID,
			CreatedBy: order.CreatedBy,
			StartDate: order.StartDate,
			EndDate:   order.EndDate,
			Lines:     len(lines),
		}); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, u.events)
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	span.SetAttributes(attribute.String("order_id", order.ID))
	s.observer.OrderCreated(len(lines))
	s.logger.Info("medical order created",
		zap.String("order_id", order.ID),
		zap.String("subject_id", order.SubjectID),
		zap.Int("lines", len(lines)),
	)
	return &OrderDetail{Order: order, Lines: lines}, nil
}

// Approve moves a pending order to approved
func (s *Service) Approve(ctx context.Context, orderID string) (*MedicalOrder, error) {
	return s.changeStatus(ctx, "approve_order", orderID, StatusApproved, func(u *unitOfWork) error {
		return u.order.Approve()
	})
}

// Reject cancels a pending order with a mandatory reason
func (s *Service) Reject(ctx context.Context, orderID, reason string) (*MedicalOrder, error) {
	return s.changeStatus(ctx, "reject_order", orderID, StatusCanceled, func(u *unitOfWork) error {
		return u.order.Reject(reason)
	})
}

// SetStatus applies an operator-requested status through the state machine
func (s *Service) SetStatus(ctx context.Context, orderID string, target Status, note string) (*MedicalOrder, error) {
	return s.changeStatus(ctx, "set_status", orderID, target, func(u *unitOfWork) error {
		return u.order.SetStatus(target, note, u.lines)
	})
}

func (s *Service) changeStatus(ctx context.Context, name, orderID string, target Status, apply func(u *unitOfWork) error) (*MedicalOrder, error) {
	ctx, span := s.startSpan(ctx, name,
		attribute.String("order_id", orderID),
		attribute.String("target", string(target)))
	defer span.End()

	var from Status
	order, err := s.mutate(ctx, orderID, func(ctx context.Context, u *unitOfWork) error {
		from = u.order.Status
		if err := apply(u); err != nil {
			return err
		}
		if err := u.tx.UpdateOrder(ctx, u.order); err != nil {
			return err
		}
		return u.emit(statusEvent(target), &StatusChangedData{
			OrderID: u.order.ID,
			From:    from,
			To:      target,
			Note:    u.order.RejectionNote,
		})
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.observer.StatusChanged(from, target)
	s.logger.Info("medical order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return order, nil
}

// AddMedicineLine appends a line to a non-terminal order
func (s *Service) AddMedicineLine(ctx context.Context, orderID string, in LineInput) (*MedicineLine, error) {
	ctx, span := s.startSpan(ctx, "add_medicine_line", attribute.String("order_id", orderID))
	defer span.End()

	var added *MedicineLine
	_, err := s.mutate(ctx, orderID, func(ctx context.Context, u *unitOfWork) error {
		var err error
		added, err = s.addLine(ctx, u, in)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.logger.Info("medicine line added",
		zap.String("order_id", orderID),
		zap.String("line_id", added.ID),
		zap.Int("quantity", added.RemainingQuantity),
	)
	return added, nil
}

// Refill increases a line's remaining quantity by additional. Refills are
// accepted whatever the order status and never complete an order.
func (s *Service) Refill(ctx context.Context, orderID, lineID string, additional int) (*MedicineLine, error) {
	if additional <= 0 {
		return nil, invalid("additionalQuantity", "must be positive")
	}
	return s.refill(ctx, orderID, lineID, func(line *MedicineLine) (int, error) {
		return additional, nil
	})
}

// RefillTo raises a line to the absolute newTotal. The delta is computed
// against the locked row, so a concurrent dispense cannot be double-counted.
func (s *Service) RefillTo(ctx context.Context, orderID, lineID string, newTotal int) (*MedicineLine, error) {
	return s.refill(ctx, orderID, lineID, func(line *MedicineLine) (int, error) {
		return refillDelta(line, newTotal)
	})
}

func (s *Service) refill(ctx context.Context, orderID, lineID string, delta func(*MedicineLine) (int, error)) (*MedicineLine, error) {
	ctx, span := s.startSpan(ctx, "refill_medicine_line",
		attribute.String("order_id", orderID),
		attribute.String("line_id", lineID))
	defer span.End()

	var refilled *MedicineLine
	var added int
	_, err := s.mutate(ctx, orderID, func(ctx context.Context, u *unitOfWork) error {
		line, err := u.line(lineID)
		if err != nil {
			return err
		}
		if added, err = delta(line); err != nil {
			return err
		}
		if err := s.refillLine(ctx, u, line, added); err != nil {
			return err
		}
		refilled = line.Clone()
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.observer.LineRefilled(added)
	s.logger.Info("medicine line refilled",
		zap.String("order_id", orderID),
		zap.String("line_id", lineID),
		zap.Int("added", added),
		zap.Int("remaining", refilled.RemainingQuantity),
	)
	return refilled, nil
}

// UpdateDetails applies a mixed list of additions and refills atomically
func (s *Service) UpdateDetails(ctx context.Context, orderID string, changes []DetailChange) (*OrderDetail, error) {
	ctx, span := s.startSpan(ctx, "update_details",
		attribute.String("order_id", orderID),
		attribute.Int("changes", len(changes)))
	defer span.End()

	if len(changes) == 0 {
		return nil, s.fail(span, invalid("medicalOrderDetails", "at least one entry is required"))
	}

	var detail *OrderDetail
	refilled := 0
	_, err := s.mutate(ctx, orderID, func(ctx context.Context, u *unitOfWork) error {
		for _, ch := range changes {
			if ch.LineID == "" {
				if _, err := s.addLine(ctx, u, ch.Line); err != nil {
					return err
				}
				continue
			}
			line, err := u.line(ch.LineID)
			if err != nil {
				return err
			}
			added := ch.Additional
			switch {
			case added < 0:
				return invalid("additionalQuantity", "must be positive")
			case added == 0:
				if added, err = refillDelta(line, ch.NewTotal); err != nil {
					return err
				}
			}
			if err := s.refillLine(ctx, u, line, added); err != nil {
				return err
			}
			refilled += added
		}
		detail = &OrderDetail{Order: u.order.Clone(), Lines: cloneLines(u.lines)}
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	if refilled > 0 {
		s.observer.LineRefilled(refilled)
	}
	s.logger.Info("medical order details updated",
		zap.String("order_id", orderID),
		zap.Int("changes", len(changes)),
	)
	return detail, nil
}

// RecordAdministration dispenses a batch against an approved order and
// completes the order when every line reaches zero.
func (s *Service) RecordAdministration(ctx context.Context, orderID, performedBy string, items []BatchItem) (*AdministrationRecord, error) {
	ctx, span := s.startSpan(ctx, "record_administration",
		attribute.String("order_id", orderID),
		attribute.Int("items", len(items)))
	defer span.End()

	var record *AdministrationRecord
	completed := false
	_, err := s.mutate(ctx, orderID, func(ctx context.Context, u *unitOfWork) error {
		if u.order.Status != StatusApproved {
			return &StateError{Status: u.order.Status, Operation: "record administration"}
		}
		var err error
		record, err = s.ledger.AppendBatch(ctx, u.tx, u.order.ID, performedBy, u.lines, items)
		if err != nil {
			return err
		}
		completed = u.order.RecomputeAfterDispense(u.lines)
		if !completed {
			u.order.touch()
		}
		if err := u.tx.UpdateOrder(ctx, u.order); err != nil {
			return err
		}
		if err := u.emit(EventAdministrationRecorded, &AdministrationRecordedData{
			OrderID:     u.order.ID,
			RecordID:    record.ID,
			PerformedBy: record.PerformedBy,
			PerformedAt: record.PerformedAt,
			Items:       record.Items,
		}); err != nil {
			return err
		}
		if completed {
			return u.emit(EventOrderCompleted, &StatusChangedData{
				OrderID: u.order.ID,
				From:    StatusApproved,
				To:      StatusCompleted,
			})
		}
		return nil
	})
	if err != nil {
		s.observeRejection(err)
		if isDomainError(err) {
			s.logger.Warn("administration rejected",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
		return nil, s.fail(span, err)
	}

	s.observer.AdministrationRecorded(len(record.Items), record.Quantity())
	s.logger.Info("administration recorded",
		zap.String("order_id", orderID),
		zap.String("record_id", record.ID),
		zap.String("performed_by", record.PerformedBy),
		zap.Int("quantity", record.Quantity()),
	)
	if completed {
		s.observer.StatusChanged(StatusApproved, StatusCompleted)
		s.logger.Info("medical order completed", zap.String("order_id", orderID))
	}
	return record, nil
}

// mutate locks the order and its lines, runs fn and appends emitted events in
// the same transaction. It returns a copy of the order as committed.
func (s *Service) mutate(ctx context.Context, orderID string, fn func(ctx context.Context, u *unitOfWork) error) (*MedicalOrder, error) {
	var committed *MedicalOrder
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		lines, err := tx.LockLines(ctx, orderID)
		if err != nil {
			return err
		}
		u := &unitOfWork{
			tx:    tx,
			order: order,
			lines: lines,
			actor: ActorFromContext(ctx),
			corr:  correlationFromContext(ctx),
		}
		if err := fn(ctx, u); err != nil {
			return err
		}
		if len(u.events) > 0 {
			if err := tx.AppendEvents(ctx, u.events); err != nil {
				return err
			}
		}
		committed = u.order.Clone()
		return nil
	})
	return committed, err
}

func (s *Service) addLine(ctx context.Context, u *unitOfWork, in LineInput) (*MedicineLine, error) {
	if !u.order.AcceptsNewLines() {
		return nil, &StateError{Status: u.order.Status, Operation: "add medicine line"}
	}
	line, err := NewMedicineLine(u.order.ID, in)
	if err != nil {
		return nil, err
	}
	if err := u.tx.InsertLine(ctx, line); err != nil {
		return nil, err
	}
	u.lines = append(u.lines, line)
	u.order.touch()
	if err := u.tx.UpdateOrder(ctx, u.order); err != nil {
		return nil, err
	}
	return line, u.emit(EventLineAdded, &LineChangedData{
		OrderID:      u.order.ID,
		LineID:       line.ID,
		MedicineName: line.MedicineName,
		Added:        line.RemainingQuantity,
		Remaining:    line.RemainingQuantity,
	})
}

func (s *Service) refillLine(ctx context.Context, u *unitOfWork, line *MedicineLine, added int) error {
	if _, err := line.Increment(added); err != nil {
		return err
	}
	if err := u.tx.UpdateLine(ctx, line); err != nil {
		return err
	}
	u.order.touch()
	if err := u.tx.UpdateOrder(ctx, u.order); err != nil {
		return err
	}
	return u.emit(EventLineRefilled, &LineChangedData{
		OrderID:      u.order.ID,
		LineID:       line.ID,
		MedicineName: line.MedicineName,
		Added:        added,
		Remaining:    line.RemainingQuantity,
	})
}

func (s *Service) observeRejection(err error) {
	switch {
	case isKind(err, ErrInsufficientQuantity):
		s.observer.DispenseRejected("insufficient_quantity")
	case isKind(err, ErrIllegalTransition):
		s.observer.DispenseRejected("illegal_state")
	case isKind(err, ErrInvalidInput):
		s.observer.DispenseRejected("invalid_input")
	case isKind(err, ErrNotFound):
		s.observer.DispenseRejected("not_found")
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	if !isDomainError(err) {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func refillDelta(line *MedicineLine, newTotal int) (int, error) {
	if newTotal > MaxQuantity {
		return 0, invalid("quantity", tooLarge)
	}
	delta := newTotal - line.RemainingQuantity
	if delta <= 0 {
		return 0, invalid("quantity", "new total must exceed the remaining quantity")
	}
	return delta, nil
}

func statusEvent(target Status) EventType {
	switch target {
	case StatusApproved:
		return EventOrderApproved
	case StatusCanceled:
		return EventOrderRejected
	default:
		return EventOrderCompleted
	}
}

func cloneLines(lines []*MedicineLine) []*MedicineLine {
	out := make([]*MedicineLine, len(lines))
	for i, l := range lines {
		out[i] = l.Clone()
	}
	return out
}
