package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/pipeline/stages"
	"github.com/yungbote/interception-backend/internal/platform/envutil"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

var (
	ErrQueueFull = errors.New("run queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

// Runner executes one run to completion.
type Runner interface {
	Execute(ctx context.Context, req stages.RunRequest) (*stages.RunResult, error)
}

type Options struct {
	Concurrency int
	QueueSize   int
	// OnDone is called after every run, from the worker goroutine.
	OnDone func(req stages.RunRequest, res *stages.RunResult, err error)
}

// OptionsFromEnv reads WORKER_CONCURRENCY and WORKER_QUEUE_SIZE.
func OptionsFromEnv() Options {
	return Options{
		Concurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		QueueSize:   envutil.Int("WORKER_QUEUE_SIZE", 64),
	}
}

// Pool runs submitted runs on a fixed number of workers.
type Pool struct {
	runner  Runner
	opts    Options
	log     *logger.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	queue   chan stages.RunRequest
	started bool
	stopped bool
	g       *errgroup.Group
	pending atomic.Int64
}

func NewPool(runner Runner, opts Options, metrics *observability.Metrics, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	return &Pool{
		runner:  runner,
		opts:    opts,
		log:     log.With("component", "RunWorker"),
		metrics: metrics,
		queue:   make(chan stages.RunRequest, opts.QueueSize),
	}
}

// Start launches the workers. Runs keep going when ctx is cancelled; use
// Stop to drain.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.g = &errgroup.Group{}
	runCtx := context.WithoutCancel(ctx)
	p.log.Info("Starting run worker pool", "concurrency", p.opts.Concurrency, "queue_size", p.opts.QueueSize)
	for i := 0; i < p.opts.Concurrency; i++ {
		workerID := i + 1
		p.g.Go(func() error {
			p.loop(runCtx, workerID)
			return nil
		})
	}
}

// Submit queues req and returns its run id without waiting.
func (p *Pool) Submit(req stages.RunRequest) (string, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return "", ErrStopped
	}
	n := p.pending.Add(1)
	select {
	case p.queue <- req:
		p.metrics.SetQueueDepth(int(n))
		return req.RunID, nil
	default:
		p.pending.Add(-1)
		return "", ErrQueueFull
	}
}

// Depth is the number of queued runs not yet picked up.
func (p *Pool) Depth() int { return int(p.pending.Load()) }

// Stop refuses new runs and waits for queued ones to finish or ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	g := p.g
	p.mu.Unlock()
	if g == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		p.log.Info("Run worker pool drained")
		return err
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	for req := range p.queue {
		p.metrics.SetQueueDepth(int(p.pending.Add(-1)))
		p.runOne(ctx, workerID, req)
	}
	p.log.Debug("Worker loop stopped", "worker_id", workerID)
}

func (p *Pool) runOne(ctx context.Context, workerID int, req stages.RunRequest) {
	p.metrics.WorkerBusy(1)
	defer p.metrics.WorkerBusy(-1)

	var (
		res *stages.RunResult
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Run panic", "worker_id", workerID, "run_id", req.RunID, "panic", r)
				err = &panicError{Val: r}
			}
		}()
		res, err = p.runner.Execute(ctx, req)
	}()

	switch {
	case err != nil:
		p.log.Warn("Queued run ended with error", "worker_id", workerID, "run_id", req.RunID, "config", req.ConfigName, "error", err)
	case res == nil:
		p.log.Warn("Queued run returned no result", "worker_id", workerID, "run_id", req.RunID, "config", req.ConfigName)
	default:
		p.log.Debug("Queued run finished", "worker_id", workerID, "run_id", req.RunID, "status", res.Status)
	}
	if p.opts.OnDone != nil {
		p.opts.OnDone(req, res, err)
	}
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
