// Package workerpool bounds how many notification deliveries run at once.
// Callers hand a task to SubmitWait and block until a worker has finished
// it, so a caller that submits sequentially keeps its own ordering.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned once Stop has been called
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work
type Task struct {
	ID      string
	Payload interface{}
	// Context is passed to the WorkerFunc; nil means context.Background
	Context context.Context

	done chan *Result
}

// Result is the outcome of a task
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one task. A nil result counts as success.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries re-runs a failed task; the delay grows by RetryDelay per attempt
	MaxRetries      int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification delivery
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       32,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of goroutines
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	wg      sync.WaitGroup
	quit    chan struct{}
	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates a pool; Start launches its workers
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		quit:   make(chan struct{}),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// SubmitWait queues task, blocking while the queue is full, and returns its
// result. It fails with ctx.Err() when ctx ends first and with
// ErrPoolStopped after Stop.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	case <-p.quit:
		p.mu.RUnlock()
		return nil, ErrPoolStopped
	}

	select {
	case res := <-task.done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop lets queued tasks finish and waits for the workers up to
// ShutdownTimeout. It is safe to call more than once.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		return fmt.Errorf("worker pool: shutdown exceeded %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.busy.Add(1)
		res := p.run(task)
		p.busy.Add(-1)

		if res.Success {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
		}
		task.done <- res
	}
}

func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	res := p.call(ctx, task)
	for attempt := 1; !res.Success && attempt <= p.cfg.MaxRetries; attempt++ {
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(res.Error))

		select {
		case <-ctx.Done():
			return &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
		}
		res = p.call(ctx, task)
	}
	if !res.Success && p.cfg.MaxRetries > 0 {
		res.Error = fmt.Errorf("after %d retries: %w", p.cfg.MaxRetries, res.Error)
	}
	return res
}

// call recovers a panicking WorkerFunc into a failed result
func (p *Pool) call(ctx context.Context, task *Task) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", zap.String("task_id", task.ID), zap.Any("panic", r))
			res = &Result{TaskID: task.ID, Error: fmt.Errorf("worker panic: %v", r)}
		}
	}()
	res = p.fn(ctx, task)
	if res == nil {
		res = &Result{Success: true}
	}
	if res.TaskID == "" {
		res.TaskID = task.ID
	}
	return res
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Workers   int   `json:"workers"`
	Busy      int64 `json:"busy"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Busy:      p.busy.Load(),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
	}
}
