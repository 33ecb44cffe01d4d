package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
)

var (
	_ medorder.Observer       = (*Metrics)(nil)
	_ postgres.OutboxObserver = (*Metrics)(nil)
)

func TestMetrics_Observers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OrderCreated(3)
	m.StatusChanged(medorder.StatusPending, medorder.StatusApproved)
	m.AdministrationRecorded(2, 5)
	m.DispenseRejected("insufficient_quantity")
	m.LineRefilled(4)
	m.OutboxPublished("MedicalOrderCreated")
	m.OutboxBacklog(7)
	m.BreakerStateChanged("webhook", "open")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LinesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusTransitions.WithLabelValues("pending", "approved")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QuantityAdministered))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QuantityRefilled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispensesRejected.WithLabelValues("insufficient_quantity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublishedTotal.WithLabelValues("MedicalOrderCreated")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("webhook")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveHTTP("GET", "/medical-orders/{id}", 200, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_request_duration_seconds_count{method="GET",route="/medical-orders/{id}",status="200"} 1`)
}
