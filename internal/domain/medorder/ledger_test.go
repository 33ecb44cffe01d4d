package medorder

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTx records the writes a ledger makes
type MockTx struct {
	mock.Mock
}

func (m *MockTx) InsertOrder(ctx context.Context, order *MedicalOrder) error {
	return m.Called(ctx, order).Error(0)
}

func (m *MockTx) LockOrder(ctx context.Context, id string) (*MedicalOrder, error) {
	args := m.Called(ctx, id)
	o, _ := args.Get(0).(*MedicalOrder)
	return o, args.Error(1)
}

func (m *MockTx) UpdateOrder(ctx context.Context, order *MedicalOrder) error {
	return m.Called(ctx, order).Error(0)
}

func (m *MockTx) LockLines(ctx context.Context, orderID string) ([]*MedicineLine, error) {
	args := m.Called(ctx, orderID)
	l, _ := args.Get(0).([]*MedicineLine)
	return l, args.Error(1)
}

func (m *MockTx) InsertLine(ctx context.Context, line *MedicineLine) error {
	return m.Called(ctx, line).Error(0)
}

func (m *MockTx) UpdateLine(ctx context.Context, line *MedicineLine) error {
	return m.Called(ctx, line).Error(0)
}

func (m *MockTx) InsertRecord(ctx context.Context, record *AdministrationRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockTx) AppendEvents(ctx context.Context, events []*Event) error {
	return m.Called(ctx, events).Error(0)
}

func fixedLedger() *Ledger {
	at := time.Date(2025, 3, 2, 8, 30, 0, 0, time.UTC)
	return &Ledger{now: func() time.Time { return at }}
}

func ledgerLines() []*MedicineLine {
	return []*MedicineLine{
		{ID: "a", OrderID: "o1", MedicineName: "Paracetamol", RemainingQuantity: 5},
		{ID: "b", OrderID: "o1", MedicineName: "Salbutamol", RemainingQuantity: 5},
	}
}

func TestLedger_AppendBatch(t *testing.T) {
	ctx := context.Background()
	tx := new(MockTx)
	tx.On("UpdateLine", ctx, mock.AnythingOfType("*medorder.MedicineLine")).Return(nil).Twice()
	tx.On("InsertRecord", ctx, mock.AnythingOfType("*medorder.AdministrationRecord")).Return(nil).Once()

	lines := ledgerLines()
	rec, err := fixedLedger().AppendBatch(ctx, tx, "o1", " nurse-1 ", lines, []BatchItem{
		{MedicineLineID: "a", Quantity: 2},
		{MedicineLineID: "b", Quantity: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, "nurse-1", rec.PerformedBy)
	assert.Equal(t, "o1", rec.OrderID)
	assert.Equal(t, 7, rec.Quantity())
	assert.Equal(t, "Paracetamol", rec.Items[0].MedicineName)
	assert.Equal(t, 3, lines[0].RemainingQuantity)
	assert.Equal(t, 0, lines[1].RemainingQuantity)
	tx.AssertExpectations(t)
}

func TestLedger_AppendBatchRejectsWithoutWrites(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		by    string
		items []BatchItem
		want  error
	}{
		{name: "empty batch", by: "nurse-1", want: ErrEmptyBatch},
		{name: "missing performer", by: " ", items: []BatchItem{{MedicineLineID: "a", Quantity: 1}}, want: ErrInvalidInput},
		{name: "zero quantity", by: "nurse-1", items: []BatchItem{{MedicineLineID: "a", Quantity: 0}}, want: ErrInvalidInput},
		{name: "unknown line", by: "nurse-1", items: []BatchItem{{MedicineLineID: "zz", Quantity: 1}}, want: ErrNotFound},
		{name: "overdraw", by: "nurse-1", items: []BatchItem{{MedicineLineID: "a", Quantity: 6}}, want: ErrInsufficientQuantity},
		{
			name:  "second item overdraws",
			by:    "nurse-1",
			items: []BatchItem{{MedicineLineID: "a", Quantity: 5}, {MedicineLineID: "b", Quantity: 6}},
			want:  ErrInsufficientQuantity,
		},
		{
			name:  "oversized quantities cannot wrap the sum",
			by:    "nurse-1",
			items: []BatchItem{{MedicineLineID: "a", Quantity: math.MaxInt}, {MedicineLineID: "a", Quantity: math.MaxInt}},
			want:  ErrInvalidInput,
		},
		{
			name:  "duplicate line summed",
			by:    "nurse-1",
			items: []BatchItem{{MedicineLineID: "a", Quantity: 3}, {MedicineLineID: "a", Quantity: 3}},
			want:  ErrInsufficientQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := new(MockTx)
			lines := ledgerLines()

			_, err := fixedLedger().AppendBatch(ctx, tx, "o1", tt.by, lines, tt.items)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			assert.Equal(t, 5, lines[0].RemainingQuantity)
			assert.Equal(t, 5, lines[1].RemainingQuantity)
			tx.AssertNotCalled(t, "UpdateLine", mock.Anything, mock.Anything)
			tx.AssertNotCalled(t, "InsertRecord", mock.Anything, mock.Anything)
		})
	}
}

func TestLedger_AppendBatchDuplicateLineWithinStock(t *testing.T) {
	ctx := context.Background()
	tx := new(MockTx)
	tx.On("UpdateLine", ctx, mock.Anything).Return(nil).Once()
	tx.On("InsertRecord", ctx, mock.Anything).Return(nil).Once()

	lines := ledgerLines()
	rec, err := fixedLedger().AppendBatch(ctx, tx, "o1", "nurse-1", lines, []BatchItem{
		{MedicineLineID: "a", Quantity: 2},
		{MedicineLineID: "a", Quantity: 3},
	})
	require.NoError(t, err)
	assert.Len(t, rec.Items, 2)
	assert.Equal(t, 0, lines[0].RemainingQuantity)
	tx.AssertExpectations(t)
}

func TestLedger_AppendBatchPropagatesStoreErrors(t *testing.T) {
	ctx := context.Background()
	tx := new(MockTx)
	tx.On("UpdateLine", ctx, mock.Anything).Return(ErrTransient)

	_, err := fixedLedger().AppendBatch(ctx, tx, "o1", "nurse-1", ledgerLines(), []BatchItem{{MedicineLineID: "a", Quantity: 1}})
	assert.ErrorIs(t, err, ErrTransient)
}
