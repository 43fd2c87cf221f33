// Package worker runs the background indexing loop: it drains the
// notification queue and drives each workspace's pipeline to a fixed point.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/pipeline"
)

// PipelineResolver returns the indexing pipeline for a workspace.
type PipelineResolver func(workspace string) (*pipeline.Pipeline, error)

// Config holds configuration for the worker.
type Config struct {
	Queue       driven.TaskQueue
	Resolve     PipelineResolver
	Logger      *slog.Logger
	Concurrency int
	// MaxWorkspaces bounds how many workspaces index at the same time
	// across all processor goroutines.
	MaxWorkspaces  int
	DequeueTimeout time.Duration
}

// Worker processes index notifications from the queue.
type Worker struct {
	queue   driven.TaskQueue
	resolve PipelineResolver
	logger  *slog.Logger

	concurrency    int
	dequeueTimeout time.Duration
	workspaces     *semaphore.Weighted

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxWorkspaces := cfg.MaxWorkspaces
	if maxWorkspaces <= 0 {
		maxWorkspaces = concurrency
	}
	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5 * time.Second
	}
	return &Worker{
		queue:          cfg.Queue,
		resolve:        cfg.Resolve,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
		workspaces:     semaphore.NewWeighted(int64(maxWorkspaces)),
	}
}

// Start begins the worker loop. It returns immediately; processing runs
// until Stop is called or the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}
	go func() {
		wg.Wait()
		close(w.doneCh)
	}()
	return nil
}

// Stop gracefully stops the worker, letting in-flight notifications finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Info("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Info("worker stop signal received")
			return
		default:
		}

		n, err := w.queue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue notification", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if n == nil {
			continue
		}
		w.process(ctx, n, logger)
	}
}

// process indexes one notification: queue the touched objects, then run
// passes until the workspace's pipeline reaches a fixed point.
func (w *Worker) process(ctx context.Context, n *driven.IndexNotification, logger *slog.Logger) {
	logger = logger.With("notification_id", n.ID, "workspace", n.Workspace)
	logger.Info("processing notification", "objects", len(n.Objects))

	if err := w.workspaces.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.workspaces.Release(1)

	start := time.Now()
	err := w.index(ctx, n)
	duration := time.Since(start)

	if err != nil {
		logger.Error("notification failed", "duration", duration, "error", err)
		if nackErr := w.queue.Nack(ctx, n.ID, err.Error()); nackErr != nil {
			logger.Error("failed to nack notification", "nack_error", nackErr)
		}
		return
	}

	logger.Info("notification processed", "duration", duration)
	if ackErr := w.queue.Ack(ctx, n.ID); ackErr != nil {
		logger.Error("failed to ack notification", "ack_error", ackErr)
	}
}

func (w *Worker) index(ctx context.Context, n *driven.IndexNotification) error {
	p, err := w.resolve(n.Workspace)
	if err != nil {
		return err
	}
	if err := p.Queue(ctx, n.Objects); err != nil {
		return err
	}
	for {
		processed, err := p.RunPass(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
	}
}

// Health reports worker and queue health.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{Running: running}
	if err := w.queue.Ping(ctx); err != nil {
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}
	return health
}
