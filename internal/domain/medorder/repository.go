package medorder

import (
	"context"
	"time"
)

// Reader serves committed order state
type Reader interface {
	GetOrder(ctx context.Context, id string) (*MedicalOrder, error)
	ListLines(ctx context.Context, orderID string) ([]*MedicineLine, error)
	ListRecords(ctx context.Context, orderID string) ([]*AdministrationRecord, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]*MedicalOrder, int, error)
}

// Tx is a unit of work against one or more orders. Lock methods hold the
// rows until the transaction ends so concurrent batches on the same order
// are serialized.
type Tx interface {
	InsertOrder(ctx context.Context, order *MedicalOrder) error
	LockOrder(ctx context.Context, id string) (*MedicalOrder, error)
	UpdateOrder(ctx context.Context, order *MedicalOrder) error
	LockLines(ctx context.Context, orderID string) ([]*MedicineLine, error)
	InsertLine(ctx context.Context, line *MedicineLine) error
	UpdateLine(ctx context.Context, line *MedicineLine) error
	InsertRecord(ctx context.Context, record *AdministrationRecord) error
	AppendEvents(ctx context.Context, events []*Event) error
}

// Store is the persistence port of the order service
type Store interface {
	Reader
	// WithinTx runs fn in one transaction, committing only when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// ListFilter narrows ListOrders
type ListFilter struct {
	SubjectID     string
	Status        Status
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}
