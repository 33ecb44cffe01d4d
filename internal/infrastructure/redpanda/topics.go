// Package redpanda carries order events over Kafka-compatible brokers with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// TopicOrderEvents carries every medical order domain event, keyed by
	// order id so one order's events stay ordered on a partition.
	TopicOrderEvents = "medical-order.events"
	// TopicDeadLetter receives outbox entries that exhausted their retries
	TopicDeadLetter = "medical-order.events.dlq"
)

// TopicSpec describes a topic the services create on startup
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	Retention  time.Duration
}

func (s TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(s.Retention.Milliseconds(), 10)
	policy, compression := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &policy,
		"compression.type": &compression,
	}
}

// OrderTopics lists the topics the relay publishes to
func OrderTopics() []TopicSpec {
	return []TopicSpec{
		{Name: TopicOrderEvents, Partitions: 6, Replicas: 1, Retention: 7 * 24 * time.Hour},
		{Name: TopicDeadLetter, Partitions: 1, Replicas: 1, Retention: 30 * 24 * time.Hour},
	}
}

// Admin wraps kadm for topic setup and consumer lag
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates OrderTopics, leaving existing topics untouched
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, spec := range OrderTopics() {
		resps, err := a.client.CreateTopics(ctx, spec.Partitions, spec.Replicas, spec.configs(), spec.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		for _, r := range resps.Sorted() {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", spec.Partitions))
			}
		}
	}
	return nil
}

// GroupLag summarizes how far a consumer group trails the log
type GroupLag struct {
	Group      string                      `json:"group"`
	Total      int64                       `json:"total"`
	Partitions map[string]map[int32]int64 `json:"partitions"`
}

// GetConsumerGroupLag reports the lag of one consumer group
func (a *Admin) GetConsumerGroupLag(ctx context.Context, group string) (*GroupLag, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}
	out := &GroupLag{Group: group, Partitions: map[string]map[int32]int64{}}
	lags.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			byPartition := out.Partitions[topic]
			if byPartition == nil {
				byPartition = map[int32]int64{}
				out.Partitions[topic] = byPartition
			}
			for p, m := range partitions {
				byPartition[p] = m.Lag
				out.Total += m.Lag
			}
		}
	})
	return out, nil
}

// Close releases the admin connection
func (a *Admin) Close() { a.client.Close() }

// HealthCheck pings brokers within five seconds
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	return nil
}
