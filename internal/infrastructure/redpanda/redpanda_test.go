package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
)

func TestHeaderCarrier(t *testing.T) {
	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "content-type", Value: []byte("application/json")}}}
	c := headerCarrier{record: record}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"content-type", "traceparent"}, c.Keys())
	assert.Len(t, record.Headers, 2)
}

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{}
	injectTraceHeaders(ctx, record)
	require.NotEmpty(t, record.Headers)

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestOrderTopics(t *testing.T) {
	topics := OrderTopics()
	require.Len(t, topics, 2)
	spec := topics[0]
	assert.Equal(t, TopicOrderEvents, spec.Name)
	assert.Positive(t, spec.Partitions)
	assert.Equal(t, TopicDeadLetter, topics[1].Name)
	// the relay dead-letters to the topic created here
	assert.Equal(t, postgres.DeadLetterTopic, TopicDeadLetter)

	cfg := spec.configs()
	require.NotNil(t, cfg["retention.ms"])
	assert.Equal(t, "604800000", *cfg["retention.ms"])
	assert.Equal(t, "delete", *cfg["cleanup.policy"])
}

func TestProducerOptions(t *testing.T) {
	base := len(ProducerOptions(ProducerConfig{Brokers: []string{"b:9092"}, RequiredAcks: -1}))
	withLeader := len(ProducerOptions(ProducerConfig{Brokers: []string{"b:9092"}, RequiredAcks: 1, Compression: "zstd"}))
	assert.Equal(t, base+2, withLeader)
}

func TestNewConsumerRequiresHandler(t *testing.T) {
	_, err := NewConsumer(DefaultConsumerConfig(), nil, nil)
	assert.Error(t, err)
}
