package medorder

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Query serves read-only views. Reads never mutate state.
type Query struct {
	reader Reader
	ledger *Ledger
	tracer trace.Tracer
}

// NewQuery creates a query service over a reader
func NewQuery(reader Reader, ledger *Ledger) *Query {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Query{reader: reader, ledger: ledger, tracer: otel.Tracer("medorder-query")}
}

// ListQuery is a page request over orders
type ListQuery struct {
	SubjectID string
	Status    Status
	Page      int
	PageSize  int
}

// OrderPage is one page of orders
type OrderPage struct {
	Items    []*MedicalOrder `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// GetDetail returns the order with its current lines
func (q *Query) GetDetail(ctx context.Context, orderID string) (*OrderDetail, error) {
	ctx, span := q.tracer.Start(ctx, "get_detail", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	order, err := q.reader.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	lines, err := q.reader.ListLines(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []*MedicineLine{}
	}
	return &OrderDetail{Order: order, Lines: lines}, nil
}

// GetHistory returns the order's administration records oldest first
func (q *Query) GetHistory(ctx context.Context, orderID string) ([]*AdministrationRecord, error) {
	ctx, span := q.tracer.Start(ctx, "get_history", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	return q.ledger.History(ctx, q.reader, orderID)
}

// ListOrders pages through orders, most recently updated first
func (q *Query) ListOrders(ctx context.Context, lq ListQuery) (*OrderPage, error) {
	ctx, span := q.tracer.Start(ctx, "list_orders")
	defer span.End()

	if lq.Status != "" {
		if _, err := ParseStatus(string(lq.Status)); err != nil {
			return nil, err
		}
	}
	page := lq.Page
	if page < 1 {
		page = 1
	}
	size := lq.PageSize
	switch {
	case size < 1:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	items, total, err := q.reader.ListOrders(ctx, ListFilter{
		SubjectID: lq.SubjectID,
		Status:    lq.Status,
		Limit:     size,
		Offset:    (page - 1) * size,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*MedicalOrder{}
	}
	return &OrderPage{Items: items, Total: total, Page: page, PageSize: size}, nil
}
