// Package memory provides an in-memory order store used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

var _ medorder.Store = (*Store)(nil)

type state struct {
	orders  map[string]*medorder.MedicalOrder
	lines   map[string]*medorder.MedicineLine
	byOrder map[string][]string
	records map[string][]*medorder.AdministrationRecord
	events  []*medorder.Event
}

func newState() *state {
	return &state{
		orders:  make(map[string]*medorder.MedicalOrder),
		lines:   make(map[string]*medorder.MedicineLine),
		byOrder: make(map[string][]string),
		records: make(map[string][]*medorder.AdministrationRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.lines {
		c.lines[k] = v.Clone()
	}
	for k, v := range s.byOrder {
		c.byOrder[k] = append([]string(nil), v...)
	}
	for k, v := range s.records {
		c.records[k] = append([]*medorder.AdministrationRecord(nil), v...)
	}
	c.events = append([]*medorder.Event(nil), s.events...)
	return c
}

// Store keeps orders in process memory. Transactions run one at a time
// against a copy of the state that replaces the live state on commit.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// NewStore constructs an empty store
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx runs fn exclusively, committing its changes only when it succeeds
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx medorder.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := &transaction{state: s.state.clone()}
	if err := fn(ctx, work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work.state
	return nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// GetOrder returns a copy of the order
func (s *Store) GetOrder(_ context.Context, id string) (*medorder.MedicalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, &medorder.NotFoundError{Entity: "medical order", ID: id}
	}
	return o.Clone(), nil
}

// ListLines returns the order's lines in insertion order
func (s *Store) ListLines(_ context.Context, orderID string) ([]*medorder.MedicineLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.linesOf(orderID), nil
}

// ListRecords returns the order's administration records oldest first
func (s *Store) ListRecords(_ context.Context, orderID string) ([]*medorder.AdministrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.state.records[orderID]
	out := make([]*medorder.AdministrationRecord, 0, len(src))
	for _, r := range src {
		c := *r
		c.Items = append([]medorder.AdministeredItem(nil), r.Items...)
		out = append(out, &c)
	}
	return out, nil
}

// ListOrders filters and pages orders, most recently updated first
func (s *Store) ListOrders(_ context.Context, f medorder.ListFilter) ([]*medorder.MedicalOrder, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*medorder.MedicalOrder, 0, len(s.state.orders))
	for _, o := range s.state.orders {
		if f.SubjectID != "" && o.SubjectID != f.SubjectID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !o.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		matched = append(matched, o.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < total {
		end = start + f.Limit
	}
	return matched[start:end], total, nil
}

// Events returns every event appended so far
func (s *Store) Events() []*medorder.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*medorder.Event(nil), s.state.events...)
}

func (s *state) linesOf(orderID string) []*medorder.MedicineLine {
	ids := s.byOrder[orderID]
	out := make([]*medorder.MedicineLine, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.lines[id].Clone())
	}
	return out
}

// transaction mutates a private copy of the store state
type transaction struct {
	state *state
}

func (t *transaction) InsertOrder(_ context.Context, order *medorder.MedicalOrder) error {
	t.state.orders[order.ID] = order.Clone()
	return nil
}

func (t *transaction) LockOrder(_ context.Context, id string) (*medorder.MedicalOrder, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, &medorder.NotFoundError{Entity: "medical order", ID: id}
	}
	return o.Clone(), nil
}

func (t *transaction) UpdateOrder(_ context.Context, order *medorder.MedicalOrder) error {
	if _, ok := t.state.orders[order.ID]; !ok {
		return &medorder.NotFoundError{Entity: "medical order", ID: order.ID}
	}
	t.state.orders[order.ID] = order.Clone()
	return nil
}

func (t *transaction) LockLines(_ context.Context, orderID string) ([]*medorder.MedicineLine, error) {
	return t.state.linesOf(orderID), nil
}

func (t *transaction) InsertLine(_ context.Context, line *medorder.MedicineLine) error {
	t.state.lines[line.ID] = line.Clone()
	t.state.byOrder[line.OrderID] = append(t.state.byOrder[line.OrderID], line.ID)
	return nil
}

func (t *transaction) UpdateLine(_ context.Context, line *medorder.MedicineLine) error {
	if _, ok := t.state.lines[line.ID]; !ok {
		return &medorder.NotFoundError{Entity: "medicine line", ID: line.ID}
	}
	t.state.lines[line.ID] = line.Clone()
	return nil
}

func (t *transaction) InsertRecord(_ context.Context, record *medorder.AdministrationRecord) error {
	c := *record
	c.Items = append([]medorder.AdministeredItem(nil), record.Items...)
	t.state.records[record.OrderID] = append(t.state.records[record.OrderID], &c)
	return nil
}

func (t *transaction) AppendEvents(_ context.Context, events []*medorder.Event) error {
	t.state.events = append(t.state.events, events...)
	return nil
}
