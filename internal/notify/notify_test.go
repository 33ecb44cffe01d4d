package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
	"github.com/schoolcare/medorder/internal/infrastructure/redpanda"
	"github.com/schoolcare/medorder/pkg/circuitbreaker"
)

func event(t *testing.T, typ medorder.EventType, data interface{}) *medorder.Event {
	t.Helper()
	order := &medorder.MedicalOrder{ID: "order-1", SubjectID: "student-7", Version: 2}
	ev, err := medorder.NewEvent(order, typ, "nurse-1", data)
	require.NoError(t, err)
	return ev.WithCorrelation("req-1")
}

func message(t *testing.T, ev *medorder.Event) *redpanda.ConsumedMessage {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicOrderEvents, Key: []byte(ev.AggregateID), Value: raw}
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name    string
		ev      *medorder.Event
		kind    Kind
		message string
	}{
		{"created", event(t, medorder.EventOrderCreated, medorder.OrderCreatedData{Lines: 2}),
			KindOrderSubmitted, "Medical order with 2 medicine(s) submitted for review"},
		{"rejected", event(t, medorder.EventOrderRejected, medorder.StatusChangedData{To: medorder.StatusCanceled, Note: "unsigned form"}),
			KindOrderRejected, "Medical order rejected: unsigned form"},
		{"completed", event(t, medorder.EventOrderCompleted, medorder.StatusChangedData{To: medorder.StatusCompleted}),
			KindOrderCompleted, "All prescribed medicine has been administered"},
		{"refilled", event(t, medorder.EventLineRefilled, medorder.LineChangedData{MedicineName: "Insulin", Added: 5, Remaining: 6}),
			KindMedicineRefilled, "Insulin refilled by 5, 6 remaining"},
		{"administered", event(t, medorder.EventAdministrationRecorded, medorder.AdministrationRecordedData{
			Items: []medorder.AdministeredItem{{QuantityGiven: 2, MedicineName: "Paracetamol"}, {QuantityGiven: 1, MedicineName: "Salbutamol"}},
		}), KindMedicationAdministered, "Administered 2 x Paracetamol, 1 x Salbutamol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok, err := FromEvent(tt.ev)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, n.Kind)
			assert.Equal(t, tt.message, n.Message)
			assert.Equal(t, tt.ev.ID, n.ID)
			assert.Equal(t, "order-1", n.OrderID)
			assert.Equal(t, "req-1", n.CorrelationID)
		})
	}

	_, ok, err := FromEvent(event(t, medorder.EventLineAdded, medorder.LineChangedData{}))
	require.NoError(t, err)
	assert.False(t, ok)

	bad := event(t, medorder.EventLineRefilled, nil)
	bad.EventData = json.RawMessage(`[`)
	_, _, err = FromEvent(bad)
	assert.Error(t, err)
}

func fastWebhook(t *testing.T, target string) *WebhookClient {
	t.Helper()
	cfg := DefaultWebhookConfig(target)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.MaxTries = 3
	c, err := NewWebhookClient(cfg, nil, circuitbreaker.DefaultConfig(""), nil)
	require.NoError(t, err)
	return c
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "n-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		assert.Equal(t, KindOrderApproved, n.Kind)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := fastWebhook(t, srv.URL).Send(context.Background(), &Notification{ID: "n-1", Kind: KindOrderApproved})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := fastWebhook(t, srv.URL).Send(context.Background(), &Notification{ID: "n-2"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := fastWebhook(t, srv.URL).Send(context.Background(), &Notification{ID: "n-3"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewWebhookClient_InvalidURL(t *testing.T) {
	_, err := NewWebhookClient(WebhookConfig{URL: "not a url"}, nil, circuitbreaker.DefaultConfig(""), nil)
	assert.Error(t, err)
}

// memoryInbox mimics the Postgres inbox: a finished key is never run again
type memoryInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn postgres.InboxFunc) (*postgres.InboxResult, error) {
	m.mu.Lock()
	if res, ok := m.finished[key]; ok {
		m.mu.Unlock()
		return &postgres.InboxResult{Result: res}, nil
	}
	if m.failed[key] {
		m.mu.Unlock()
		return nil, postgres.ErrPermanent
	}
	m.mu.Unlock()

	res, err := fn(ctx, payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if errors.Is(err, postgres.ErrPermanent) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = res
	return &postgres.InboxResult{IsNew: true, Result: res}, nil
}

type senderFunc func(ctx context.Context, n *Notification) error

func (f senderFunc) Send(ctx context.Context, n *Notification) error { return f(ctx, n) }

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) MessageConsumed() {}
func (o *outcomes) NotificationDelivered(kind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, kind+":"+outcome)
}

func TestNotifier_DeliversOncePerEvent(t *testing.T) {
	var sent atomic.Int32
	n, err := NewNotifier(newMemoryInbox(), senderFunc(func(context.Context, *Notification) error {
		sent.Add(1)
		return nil
	}), 2, nil)
	require.NoError(t, err)
	obs := &outcomes{}
	n.SetObserver(obs)
	n.Start()
	defer n.Stop()

	msg := message(t, event(t, medorder.EventOrderApproved, medorder.StatusChangedData{To: medorder.StatusApproved}))
	require.NoError(t, n.HandleMessage(context.Background(), msg))
	require.NoError(t, n.HandleMessage(context.Background(), msg))

	assert.Equal(t, int32(1), sent.Load())
	assert.Equal(t, []string{"order.approved:sent", "order.approved:duplicate"}, obs.seen)
}

func TestNotifier_Failures(t *testing.T) {
	var mode atomic.Value
	mode.Store("down")
	n, err := NewNotifier(newMemoryInbox(), senderFunc(func(context.Context, *Notification) error {
		switch mode.Load() {
		case "down":
			return errors.New("connection refused")
		case "reject":
			return ErrRejected
		}
		return nil
	}), 1, nil)
	require.NoError(t, err)
	n.Start()
	defer n.Stop()
	ctx := context.Background()

	transient := message(t, event(t, medorder.EventOrderCompleted, medorder.StatusChangedData{}))
	assert.Error(t, n.HandleMessage(ctx, transient))

	mode.Store("reject")
	rejected := message(t, event(t, medorder.EventOrderCompleted, medorder.StatusChangedData{}))
	assert.NoError(t, n.HandleMessage(ctx, rejected))

	// malformed and unmapped events never block the partition
	assert.NoError(t, n.HandleMessage(ctx, &redpanda.ConsumedMessage{Value: []byte("{")}))
	assert.NoError(t, n.HandleMessage(ctx, message(t, event(t, medorder.EventLineAdded, medorder.LineChangedData{}))))

	mode.Store("up")
	assert.NoError(t, n.HandleMessage(ctx, transient))
}
