package medorder

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AdministrationRecord is one immutable dispense batch
type AdministrationRecord struct {
	ID          string             `json:"id"`
	OrderID     string             `json:"medicalOrderId"`
	PerformedBy string             `json:"performedBy"`
	PerformedAt time.Time          `json:"performedAt"`
	Items       []AdministeredItem `json:"items"`
}

// AdministeredItem freezes the medicine name at recording time
type AdministeredItem struct {
	MedicineLineID string `json:"medicalOrderDetailId"`
	QuantityGiven  int    `json:"quantity"`
	MedicineName   string `json:"medicineName"`
}

// BatchItem is a requested dispense of one line
type BatchItem struct {
	MedicineLineID string
	Quantity       int
}

// Ledger appends dispense batches and serves their history.
// Every write runs inside the caller's transaction.
type Ledger struct {
	now func() time.Time
}

// NewLedger creates a ledger stamping records with the wall clock
func NewLedger() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// AppendBatch validates every item against the locked lines, then decrements
// them and appends one record. Nothing is mutated unless every item passes.
func (l *Ledger) AppendBatch(ctx context.Context, tx Tx, orderID, performedBy string, lines []*MedicineLine, items []BatchItem) (*AdministrationRecord, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	performedBy = strings.TrimSpace(performedBy)
	if performedBy == "" {
		return nil, invalid("performedBy", "is required")
	}

	byID := make(map[string]*MedicineLine, len(lines))
	for _, line := range lines {
		byID[line.ID] = line
	}

	// Sum per line first so a line named twice is checked on its total.
	requested := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		if it.Quantity < 1 {
			return nil, invalid("quantity", "must be at least 1")
		}
		if it.Quantity > MaxQuantity {
			return nil, invalid("quantity", tooLarge)
		}
		if _, ok := byID[it.MedicineLineID]; !ok {
			return nil, lineNotFound(it.MedicineLineID)
		}
		if _, seen := requested[it.MedicineLineID]; !seen {
			order = append(order, it.MedicineLineID)
		}
		requested[it.MedicineLineID] += it.Quantity
	}
	for _, id := range order {
		line := byID[id]
		if requested[id] > line.RemainingQuantity {
			return nil, &QuantityError{LineID: id, Requested: requested[id], Remaining: line.RemainingQuantity}
		}
	}

	record := &AdministrationRecord{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		PerformedBy: performedBy,
		PerformedAt: l.now(),
		Items:       make([]AdministeredItem, 0, len(items)),
	}
	for _, it := range items {
		record.Items = append(record.Items, AdministeredItem{
			MedicineLineID: it.MedicineLineID,
			QuantityGiven:  it.Quantity,
			MedicineName:   byID[it.MedicineLineID].MedicineName,
		})
	}

	for _, id := range order {
		line := byID[id]
		if _, err := line.Decrement(requested[id]); err != nil {
			return nil, err
		}
		if err := tx.UpdateLine(ctx, line); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// History returns the order's records oldest first
func (l *Ledger) History(ctx context.Context, r Reader, orderID string) ([]*AdministrationRecord, error) {
	if _, err := r.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	records, err := r.ListRecords(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*AdministrationRecord{}
	}
	return records, nil
}

// Quantity sums every item of the record
func (r *AdministrationRecord) Quantity() int {
	total := 0
	for _, it := range r.Items {
		total += it.QuantityGiven
	}
	return total
}
