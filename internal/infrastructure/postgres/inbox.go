package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InboxStatus is the processing state of a consumed message
type InboxStatus string

const (
	InboxStarted     InboxStatus = "STARTED"
	InboxFinished    InboxStatus = "FINISHED"
	InboxRecoverable InboxStatus = "RECOVERABLE"
	InboxFailed      InboxStatus = "FAILED"
)

var (
	// ErrDuplicateMessage indicates the message was already handled
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another consumer holds the message
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPermanent marks handler failures that must not be retried
	ErrPermanent = errors.New("permanent handler failure")
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a handled key is remembered
	TTL time.Duration
	// CleanupInterval is how often expired keys are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// InboxResult describes how a message was handled
type InboxResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// InboxFunc handles one message payload
type InboxFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox de-duplicates consumed order events by event id
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

type inboxEntry struct {
	Status    InboxStatus
	Result    json.RawMessage
	UpdatedAt time.Time
}

// Process runs fn at most once per key. A finished key returns its stored
// result without calling fn again.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn InboxFunc) (*InboxResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case InboxFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &InboxResult{Result: entry.Result}, nil
		case InboxFailed:
			return nil, fmt.Errorf("%w: message %s previously failed", ErrPermanent, key)
		case InboxStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, InboxRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
		}
	}

	if err := i.start(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := InboxRecoverable
		if errors.Is(handlerErr, ErrPermanent) {
			status = InboxFailed
		}
		failure, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, failure); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, InboxFinished, result); err != nil {
		// the handler succeeded; a redelivery will run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &InboxResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*inboxEntry, error) {
	e := &inboxEntry{}
	err := i.pool.QueryRow(ctx, `
		SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1
	`, key).Scan(&e.Status, &e.Result, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) start(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handler, InboxStarted, payload, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("failed to start processing: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status InboxStatus, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup purges expired keys in the background
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("recovered stale inbox entries", zap.Int64("count", n))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
