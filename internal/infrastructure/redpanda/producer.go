package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig tunes the outbox relay's producer
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression string
	// RequiredAcks is -1 (all in-sync replicas), 1 (leader) or 0 (none)
	RequiredAcks int16
	MaxRetries   int
	// RetryBackoff grows linearly with the attempt number
	RetryBackoff time.Duration
	// ProduceTimeout bounds a single synchronous publish
	ProduceTimeout time.Duration
}

// DefaultProducerConfig waits for every in-sync replica before an outbox
// row is marked processed.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		Linger:         5 * time.Millisecond,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		ProduceTimeout: 10 * time.Second,
	}
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
}

// ProducerOptions translates cfg into franz-go client options
func ProducerOptions(cfg ProducerConfig) []kgo.Opt {
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if codec, ok := codecs[cfg.Compression]; ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

// Producer publishes outbox entries and implements postgres.OutboxPublisher
type Producer struct {
	client  *kgo.Client
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

// NewProducer connects a producer to cfg.Brokers
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = DefaultProducerConfig().ProduceTimeout
	}

	client, err := kgo.NewClient(ProducerOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		timeout: timeout,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record keyed by order id and waits for the ack
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("order_id", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: "content-type", Value: []byte("application/json")}},
	}
	injectTraceHeaders(ctx, record)

	r, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(value)))
	p.logger.Debug("order event produced",
		zap.String("topic", r.Topic),
		zap.String("order_id", key),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// Close flushes buffered records for up to 30 seconds, then disconnects
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush producer: %w", err)
	}
	return nil
}

// ProducerStats counts publishes since start
type ProducerStats struct {
	Sent   int64 `json:"sent"`
	Bytes  int64 `json:"bytes"`
	Failed int64 `json:"failed"`
}

// Stats returns the publish counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Bytes: p.bytes.Load(), Failed: p.failed.Load()}
}
