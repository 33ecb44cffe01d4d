// Package postgres provides the PostgreSQL order store, schema migrations
// and the transactional outbox and inbox used to publish and consume order
// events reliably.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// relayLockID serializes relays across processes
const relayLockID int64 = 0x6d65646f72646572

// DeadLetterTopic receives entries that exhausted their retries
const DeadLetterTopic = "medical-order.events.dlq"

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID            int64
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	PartitionKey  string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before dead-lettering
	MaxRetries int
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
	}
}

// OutboxPublisher delivers one outbox entry to a broker
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxObserver receives relay outcomes
type OutboxObserver interface {
	OutboxPublished(eventType string)
	OutboxFailed(eventType string)
	OutboxBacklog(pending int64)
}

type nopOutboxObserver struct{}

func (nopOutboxObserver) OutboxPublished(string) {}
func (nopOutboxObserver) OutboxFailed(string)    {}
func (nopOutboxObserver) OutboxBacklog(int64)    {}

// EntryFromEvent serializes a domain event into an outbox entry keyed by
// order id, so every event of one order lands on the same partition.
func EntryFromEvent(ev *medorder.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.EventType, err)
	}
	return &OutboxEntry{
		EventID:       ev.ID,
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		Topic:         topic,
		PartitionKey:  ev.AggregateID,
	}, nil
}

// WriteEntry writes an outbox entry within the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, topic, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.EventID,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.Topic,
		entry.PartitionKey,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Outbox relays committed entries to a publisher
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	observer  OutboxObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultOutboxConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultOutboxConfig().MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  nopOutboxObserver{},
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// SetObserver installs a metrics observer
func (o *Outbox) SetObserver(obs OutboxObserver) {
	if obs != nil {
		o.observer = obs
	}
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
			if _, err := o.MoveToDeadLetter(o.ctx); err != nil {
				o.logger.Error("outbox dead letter sweep failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch in creation order and returns how many
// entries were delivered. Entries stay locked until the batch commits, and a
// transaction-scoped advisory lock keeps a second relay from interleaving.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := lockEntries(ctx, tx, false, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, tx.Commit(ctx)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	delivered := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.String("aggregate_id", entry.AggregateID),
				zap.Error(err))
			// later events of the same order must not overtake this one
			break
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	o.refreshBacklog(ctx)
	return delivered, nil
}

const entryColumns = `id, event_id, aggregate_id, aggregate_type, event_type, payload,
	topic, partition_key, created_at, retry_count, last_error`

// lockEntries locks unprocessed entries oldest first, skipping rows another
// relay holds. exhausted selects entries that reached maxRetries instead of
// those still eligible. limit <= 0 means no limit.
func lockEntries(ctx context.Context, tx pgx.Tx, exhausted bool, maxRetries, limit int) ([]*OutboxEntry, error) {
	cond := "retry_count < $1"
	if exhausted {
		cond = "retry_count >= $1"
	}
	query := `SELECT ` + entryColumns + ` FROM outbox
		WHERE processed_at IS NULL AND ` + cond + `
		ORDER BY id`
	args := []interface{}{maxRetries}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := tx.Query(ctx, query+` FOR UPDATE SKIP LOCKED`, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.Topic, &e.PartitionKey,
			&e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.PartitionKey, entry.Payload); err != nil {
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := tx.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		o.observer.OutboxFailed(entry.EventType)
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.observer.OutboxPublished(entry.EventType)
	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("event_id", entry.EventID),
		zap.String("topic", entry.Topic))

	return nil
}

// DeadLetterMessage wraps an entry that could not be delivered
type DeadLetterMessage struct {
	OriginalTopic string          `json:"original_topic"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic
// and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dead letter sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := lockEntries(ctx, tx, true, o.config.MaxRetries, 0)
	if err != nil {
		return 0, fmt.Errorf("dead letter sweep: %w", err)
	}

	var count int64
	for _, entry := range entries {
		msg, _ := json.Marshal(DeadLetterMessage{
			OriginalTopic: entry.Topic,
			EventID:       entry.EventID,
			EventType:     entry.EventType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err := o.publisher.Publish(ctx, DeadLetterTopic, entry.PartitionKey, msg); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			return count, fmt.Errorf("mark dead letter %d: %w", entry.ID, err)
		}
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Int("retries", entry.RetryCount))
		count++
	}

	return count, tx.Commit(ctx)
}

// CleanupProcessed removes processed entries older than the given age
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarizes the outbox table
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed_24h"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

func (o *Outbox) refreshBacklog(ctx context.Context) {
	stats, err := o.GetStats(ctx)
	if err != nil {
		o.logger.Debug("outbox stats unavailable", zap.Error(err))
		return
	}
	o.observer.OutboxBacklog(stats.Pending)
}
