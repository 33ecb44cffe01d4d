package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

var _ medorder.Store = (*OrderStore)(nil)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OrderStoreConfig tunes the order store
type OrderStoreConfig struct {
	// LockTimeout bounds how long a transaction waits for a row lock
	LockTimeout time.Duration
	// Topic is stamped on outbox entries
	Topic string
}

// OrderStore persists orders, lines, administration records and outbox
// entries in PostgreSQL.
type OrderStore struct {
	pool   *pgxpool.Pool
	config OrderStoreConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewOrderStore creates a PostgreSQL order store
func NewOrderStore(pool *pgxpool.Pool, cfg OrderStoreConfig, logger *zap.Logger) *OrderStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderStore{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-order-store"),
	}
}

// Ping checks database connectivity
func (s *OrderStore) Ping(ctx context.Context) error {
	return mapError(s.pool.Ping(ctx))
}

// WithinTx runs fn in a read-committed transaction with a bounded lock wait
func (s *OrderStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx medorder.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "order_store_tx")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if s.config.LockTimeout > 0 {
		ms := strconv.FormatInt(s.config.LockTimeout.Milliseconds(), 10) + "ms"
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", ms); err != nil {
			return mapError(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &orderTx{tx: tx, topic: s.config.Topic}); err != nil {
		span.RecordError(err)
		return mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

const orderColumns = `id, subject_id, created_by, start_date, end_date, status, rejection_note, version, created_at, updated_at`

const lineColumns = `id, order_id, medicine_name, dosage, type, scheduled_times, note, remaining_quantity, created_at, updated_at`

func scanOrder(row pgx.Row) (*medorder.MedicalOrder, error) {
	o := &medorder.MedicalOrder{}
	var status string
	err := row.Scan(&o.ID, &o.SubjectID, &o.CreatedBy, &o.StartDate, &o.EndDate,
		&status, &o.RejectionNote, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = medorder.Status(status)
	return o, nil
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (*medorder.MedicalOrder, error) {
	if !validUUID(id) {
		return nil, &medorder.NotFoundError{Entity: "medical order", ID: id}
	}
	query := `SELECT ` + orderColumns + ` FROM medical_orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &medorder.NotFoundError{Entity: "medical order", ID: id}
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get medical order: %w", err))
	}
	return o, nil
}

func listLines(ctx context.Context, q querier, orderID string, lock bool) ([]*medorder.MedicineLine, error) {
	lines := []*medorder.MedicineLine{}
	if !validUUID(orderID) {
		return lines, nil
	}
	query := `SELECT ` + lineColumns + ` FROM medicine_lines WHERE order_id = $1 ORDER BY seq`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, mapError(fmt.Errorf("list medicine lines: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		l := &medorder.MedicineLine{}
		if err := rows.Scan(&l.ID, &l.OrderID, &l.MedicineName, &l.Dosage, &l.Type,
			&l.ScheduledTimes, &l.Note, &l.RemainingQuantity, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan medicine line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return lines, nil
}

// GetOrder returns the order or a NotFound error
func (s *OrderStore) GetOrder(ctx context.Context, id string) (*medorder.MedicalOrder, error) {
	return getOrder(ctx, s.pool, id, false)
}

// ListLines returns the order's lines in insertion order
func (s *OrderStore) ListLines(ctx context.Context, orderID string) ([]*medorder.MedicineLine, error) {
	return listLines(ctx, s.pool, orderID, false)
}

// ListRecords returns the order's administration records oldest first
func (s *OrderStore) ListRecords(ctx context.Context, orderID string) ([]*medorder.AdministrationRecord, error) {
	records := []*medorder.AdministrationRecord{}
	if !validUUID(orderID) {
		return records, nil
	}

	query := `
		SELECT r.id, r.order_id, r.performed_by, r.performed_at,
		       i.medicine_line_id, i.quantity, i.medicine_name
		FROM administration_records r
		JOIN administration_items i ON i.record_id = r.id
		WHERE r.order_id = $1
		ORDER BY r.seq, i.position
	`
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, mapError(fmt.Errorf("list administration records: %w", err))
	}
	defer rows.Close()

	var current *medorder.AdministrationRecord
	for rows.Next() {
		var rec medorder.AdministrationRecord
		var item medorder.AdministeredItem
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.PerformedBy, &rec.PerformedAt,
			&item.MedicineLineID, &item.QuantityGiven, &item.MedicineName); err != nil {
			return nil, fmt.Errorf("scan administration record: %w", err)
		}
		if current == nil || current.ID != rec.ID {
			current = &rec
			records = append(records, current)
		}
		current.Items = append(current.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return records, nil
}

// ListOrders filters and pages orders, most recently updated first
func (s *OrderStore) ListOrders(ctx context.Context, f medorder.ListFilter) ([]*medorder.MedicalOrder, int, error) {
	var where []string
	var args []any
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM medical_orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, mapError(fmt.Errorf("count medical orders: %w", err))
	}

	query := `SELECT ` + orderColumns + ` FROM medical_orders` + clause + ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(fmt.Errorf("list medical orders: %w", err))
	}
	defer rows.Close()

	orders := []*medorder.MedicalOrder{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan medical order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, total, mapError(rows.Err())
}

// orderTx implements medorder.Tx on a pgx transaction
type orderTx struct {
	tx    pgx.Tx
	topic string
}

func (t *orderTx) InsertOrder(ctx context.Context, o *medorder.MedicalOrder) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO medical_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.SubjectID, o.CreatedBy, o.StartDate, o.EndDate,
		string(o.Status), o.RejectionNote, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert medical order: %w", err)
	}
	return nil
}

func (t *orderTx) LockOrder(ctx context.Context, id string) (*medorder.MedicalOrder, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *orderTx) UpdateOrder(ctx context.Context, o *medorder.MedicalOrder) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE medical_orders
		SET status = $2, rejection_note = $3, version = $4, updated_at = $5
		WHERE id = $1`,
		o.ID, string(o.Status), o.RejectionNote, o.Version, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update medical order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &medorder.NotFoundError{Entity: "medical order", ID: o.ID}
	}
	return nil
}

func (t *orderTx) LockLines(ctx context.Context, orderID string) ([]*medorder.MedicineLine, error) {
	return listLines(ctx, t.tx, orderID, true)
}

func (t *orderTx) InsertLine(ctx context.Context, l *medorder.MedicineLine) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO medicine_lines (`+lineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.OrderID, l.MedicineName, l.Dosage, l.Type, l.ScheduledTimes,
		l.Note, l.RemainingQuantity, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert medicine line: %w", err)
	}
	return nil
}

func (t *orderTx) UpdateLine(ctx context.Context, l *medorder.MedicineLine) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE medicine_lines
		SET remaining_quantity = $2, updated_at = $3
		WHERE id = $1`,
		l.ID, l.RemainingQuantity, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update medicine line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &medorder.NotFoundError{Entity: "medicine line", ID: l.ID}
	}
	return nil
}

func (t *orderTx) InsertRecord(ctx context.Context, r *medorder.AdministrationRecord) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO administration_records (id, order_id, performed_by, performed_at)
		VALUES ($1, $2, $3, $4)`,
		r.ID, r.OrderID, r.PerformedBy, r.PerformedAt)
	for i, it := range r.Items {
		batch.Queue(`
			INSERT INTO administration_items (record_id, position, medicine_line_id, medicine_name, quantity)
			VALUES ($1, $2, $3, $4, $5)`,
			r.ID, i, it.MedicineLineID, it.MedicineName, it.QuantityGiven)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert administration record: %w", err)
	}
	return nil
}

func (t *orderTx) AppendEvents(ctx context.Context, events []*medorder.Event) error {
	for _, ev := range events {
		entry, err := EntryFromEvent(ev, t.topic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, t.tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// validUUID avoids a driver error for ids that cannot exist
func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
