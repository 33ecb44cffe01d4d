package postgres

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// These tests run against a disposable database named by TEST_DATABASE_URL.

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url, 8, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = NewMigrator(pool, nil).Up(ctx)
	require.NoError(t, err)
	return pool
}

type capturePublisher struct {
	mu       sync.Mutex
	messages []capturedMessage
}

type capturedMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (p *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, capturedMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func createApproved(t *testing.T, svc *medorder.Service, lines ...medorder.LineInput) *medorder.OrderDetail {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	detail, err := svc.CreateOrder(ctx, medorder.CreateOrderInput{
		SubjectID: "student-int",
		CreatedBy: "parent-int",
		Period:    medorder.DateRange{Start: start, End: start.AddDate(0, 0, 5)},
		Lines:     lines,
	})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, detail.Order.ID)
	require.NoError(t, err)
	return detail
}

func TestOrderStore_DispenseToCompletion(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewOrderStore(pool, OrderStoreConfig{LockTimeout: 2 * time.Second, Topic: "medical-order.events"}, nil)
	svc := medorder.NewService(store, nil)
	query := medorder.NewQuery(store, svc.Ledger())

	order := createApproved(t, svc, medorder.LineInput{
		MedicineName:    "Paracetamol",
		Dosage:          "500mg",
		ScheduledTimes:  []string{"morning", "evening"},
		InitialQuantity: 10,
	})

	_, err := svc.RecordAdministration(ctx, order.Order.ID, "nurse-1", []medorder.BatchItem{
		{MedicineLineID: order.Lines[0].ID, Quantity: 10},
	})
	require.NoError(t, err)

	detail, err := query.GetDetail(ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, medorder.StatusCompleted, detail.Order.Status)
	assert.Equal(t, 0, detail.Lines[0].RemainingQuantity)
	assert.Equal(t, []string{"morning", "evening"}, detail.Lines[0].ScheduledTimes)

	history, err := query.GetHistory(ctx, order.Order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Paracetamol", history[0].Items[0].MedicineName)

	_, err = svc.RecordAdministration(ctx, order.Order.ID, "nurse-1", []medorder.BatchItem{
		{MedicineLineID: order.Lines[0].ID, Quantity: 1},
	})
	assert.ErrorIs(t, err, medorder.ErrIllegalTransition)
}

func TestOrderStore_ConcurrentBatchesSerialize(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewOrderStore(pool, OrderStoreConfig{LockTimeout: 5 * time.Second, Topic: "medical-order.events"}, nil)
	svc := medorder.NewService(store, nil)

	order := createApproved(t, svc, medorder.LineInput{MedicineName: "A", Dosage: "1", InitialQuantity: 10})
	lineID := order.Lines[0].ID

	var wg sync.WaitGroup
	results := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordAdministration(ctx, order.Order.ID, "nurse-1", []medorder.BatchItem{{MedicineLineID: lineID, Quantity: 4}})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, medorder.ErrInsufficientQuantity)
	}
	assert.Equal(t, 2, ok)

	lines, err := store.ListLines(ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, lines[0].RemainingQuantity)
}

func TestOrderStore_UnknownIDs(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewOrderStore(pool, OrderStoreConfig{Topic: "medical-order.events"}, nil)

	_, err := store.GetOrder(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, medorder.ErrNotFound)
	_, err = store.GetOrder(ctx, "7f0c6a53-9a8e-4b8f-bf1c-5b2f0d8f3a11")
	assert.ErrorIs(t, err, medorder.ErrNotFound)
}

func TestOutbox_RelaysInOrder(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewOrderStore(pool, OrderStoreConfig{Topic: "medical-order.events"}, nil)
	svc := medorder.NewService(store, nil)
	order := createApproved(t, svc, medorder.LineInput{MedicineName: "A", Dosage: "1", InitialQuantity: 1})

	pub := &capturePublisher{}
	relay := NewOutbox(pool, pub, OutboxConfig{BatchSize: 1000}, nil)
	for {
		n, err := relay.ProcessBatch(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	var types []string
	for _, m := range pub.messages {
		if m.Key != order.Order.ID {
			continue
		}
		var ev medorder.Event
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		types = append(types, string(ev.EventType))
	}
	assert.Equal(t, []string{"MedicalOrderCreated", "MedicalOrderApproved"}, types)
}
