package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/infrastructure/memory"
)

type bucketStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (b *bucketStub) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.err != nil {
		return nil, b.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func seed(t *testing.T) (*memory.Store, *medorder.Service, []string) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	svc := medorder.NewService(store, nil)
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	create := func() *medorder.OrderDetail {
		d, err := svc.CreateOrder(ctx, medorder.CreateOrderInput{
			SubjectID: "student-1",
			CreatedBy: "parent-1",
			Period:    medorder.DateRange{Start: start, End: start.AddDate(0, 0, 7)},
			Lines:     []medorder.LineInput{{MedicineName: "Ibuprofen", Dosage: "200mg", InitialQuantity: 2}},
		})
		require.NoError(t, err)
		return d
	}

	completed := create()
	_, err := svc.Approve(ctx, completed.Order.ID)
	require.NoError(t, err)
	_, err = svc.RecordAdministration(ctx, completed.Order.ID, "nurse-1", []medorder.BatchItem{
		{MedicineLineID: completed.Lines[0].ID, Quantity: 2},
	})
	require.NoError(t, err)

	canceled := create()
	_, err = svc.Reject(ctx, canceled.Order.ID, "wrong dosage")
	require.NoError(t, err)

	pending := create()
	return store, svc, []string{completed.Order.ID, canceled.Order.ID, pending.Order.ID}
}

func TestArchiver_ExportsTerminalOrders(t *testing.T) {
	store, svc, ids := seed(t)
	bucket := &bucketStub{}
	a, err := NewArchiver(store, medorder.NewQuery(store, svc.Ledger()), bucket, "school-a", "ledger", nil)
	require.NoError(t, err)

	result, err := a.Run(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Archived)
	assert.ElementsMatch(t, []string{"ledger/" + ids[0] + ".json", "ledger/" + ids[1] + ".json"}, result.Keys)
	assert.NotContains(t, bucket.objects, "school-a/ledger/"+ids[2]+".json")

	var doc Document
	require.NoError(t, json.Unmarshal(bucket.objects["school-a/ledger/"+ids[0]+".json"], &doc))
	assert.Equal(t, medorder.StatusCompleted, doc.Order.Status)
	require.Len(t, doc.History, 1)
	assert.Equal(t, 2, doc.History[0].Items[0].QuantityGiven)
	assert.Equal(t, 0, doc.Lines[0].RemainingQuantity)

	// orders are kept after export
	_, err = store.GetOrder(context.Background(), ids[0])
	assert.NoError(t, err)
}

func TestArchiver_CutoffExcludesRecentOrders(t *testing.T) {
	store, svc, _ := seed(t)
	bucket := &bucketStub{}
	a, err := NewArchiver(store, medorder.NewQuery(store, svc.Ledger()), bucket, "b", "", nil)
	require.NoError(t, err)

	result, err := a.Run(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, result.Archived)
	assert.Empty(t, bucket.objects)
}

func TestArchiver_Errors(t *testing.T) {
	store, svc, _ := seed(t)
	query := medorder.NewQuery(store, svc.Ledger())

	_, err := NewArchiver(store, query, &bucketStub{}, "", "p", nil)
	assert.Error(t, err)

	a, err := NewArchiver(store, query, &bucketStub{err: errors.New("access denied")}, "b", "p", nil)
	require.NoError(t, err)
	_, err = a.Run(context.Background(), time.Time{})
	assert.Error(t, err)
	_, err = a.Run(context.Background(), time.Now().Add(time.Hour))
	assert.ErrorContains(t, err, "access denied")
}
