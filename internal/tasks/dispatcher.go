package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"procodus.dev/fleet-control/pkg/metrics"
)

// OverflowPolicy decides what Enqueue does when the queue is full.
type OverflowPolicy string

// Overflow policies.
const (
	// OverflowReject fails immediately with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowBlock waits up to Config.EnqueueTimeout for room.
	OverflowBlock OverflowPolicy = "block"
)

// Defaults applied by NewDispatcher.
const (
	DefaultWorkers        = 8
	DefaultQueueSize      = 1024
	DefaultEnqueueTimeout = 5 * time.Second
	DefaultHardLimit      = 30 * time.Minute
	DefaultSoftLimit      = 60 * time.Second
)

// resultWriteTimeout bounds result persistence after a job finishes.
const resultWriteTimeout = 5 * time.Second

// Forwarder hands jobs to another process instead of running them here.
type Forwarder interface {
	Forward(ctx context.Context, job *Job) error
}

// Config holds the configuration for the Dispatcher.
type Config struct {
	Logger  *slog.Logger
	Results ResultStore
	// Forwarder, when set, receives every dequeued job; handlers still
	// have to be registered so names are validated at enqueue time.
	Forwarder Forwarder
	// Classify labels job errors for metrics and results.
	Classify       func(error) string
	Now            func() time.Time
	Overflow       OverflowPolicy
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	HardLimit      time.Duration
	SoftLimit      time.Duration
}

// Dispatcher is a bounded job queue with a fixed worker pool.
type Dispatcher struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.TaskMetrics
	queue    chan *Job
	handlers map[string]Handler
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	started  bool
	stopped  atomic.Bool
}

// NewDispatcher validates cfg, applies defaults and returns an idle dispatcher.
func NewDispatcher(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	c := *cfg
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.HardLimit <= 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = DefaultSoftLimit
	}
	if c.SoftLimit > c.HardLimit {
		return nil, fmt.Errorf("soft limit %s exceeds hard limit %s", c.SoftLimit, c.HardLimit)
	}
	switch c.Overflow {
	case "":
		c.Overflow = OverflowReject
	case OverflowReject, OverflowBlock:
	default:
		return nil, fmt.Errorf("unknown overflow policy %q", c.Overflow)
	}
	if c.Results == nil {
		c.Results = NewMemoryResults(DefaultResultTTL)
	}
	if c.Classify == nil {
		c.Classify = func(error) string { return "internal" }
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      c,
		logger:   c.Logger.With("component", "dispatcher"),
		queue:    make(chan *Job, c.QueueSize),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetMetrics sets the metrics collector. Call before Start.
func (d *Dispatcher) SetMetrics(m *metrics.TaskMetrics) {
	d.metrics = m
}

// Register binds a handler to a job name. Registering a name twice panics.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		panic(fmt.Sprintf("tasks: handler %q already registered", name))
	}
	d.handlers[name] = h
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.logger.Info("starting dispatcher",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"overflow", d.cfg.Overflow,
		"forwarding", d.cfg.Forwarder != nil,
	)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop refuses new jobs, cancels running ones and waits for workers to exit.
// Jobs still queued are discarded.
func (d *Dispatcher) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	d.logger.Info("stopping dispatcher", "queued", len(d.queue))
	close(d.done)
	d.cancel()
	d.wg.Wait()
	if n := len(d.queue); n > 0 {
		d.logger.Warn("discarded queued jobs on shutdown", "count", n)
	}
	d.logger.Info("dispatcher stopped")
}

// Depth returns the number of queued jobs.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Enqueue submits a job under the configured overflow policy.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, args any) (Handle, error) {
	job, err := d.newJob(name, args)
	if err != nil {
		return Handle{}, err
	}
	if d.cfg.Overflow == OverflowBlock {
		return d.put(ctx, job, d.cfg.EnqueueTimeout)
	}
	return d.offer(job)
}

// TryEnqueue submits a job without ever blocking.
func (d *Dispatcher) TryEnqueue(name string, args any) (Handle, error) {
	job, err := d.newJob(name, args)
	if err != nil {
		return Handle{}, err
	}
	return d.offer(job)
}

// Submit queues an already-built job, preserving its id. It blocks until
// there is room, ctx ends or the dispatcher stops.
func (d *Dispatcher) Submit(ctx context.Context, job *Job) error {
	if _, ok := d.handler(job.Name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}
	_, err := d.put(ctx, job, 0)
	return err
}

func (d *Dispatcher) newJob(name string, args any) (*Job, error) {
	if d.stopped.Load() {
		return nil, ErrDispatcherClosed
	}
	if _, ok := d.handler(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	var raw json.RawMessage
	switch a := args.(type) {
	case nil:
	case json.RawMessage:
		raw = a
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s arguments: %w", name, err)
		}
		raw = b
	}

	return &Job{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       raw,
		EnqueuedAt: d.cfg.Now(),
	}, nil
}

func (d *Dispatcher) offer(job *Job) (Handle, error) {
	select {
	case <-d.done:
		return Handle{}, ErrDispatcherClosed
	default:
	}

	select {
	case d.queue <- job:
		d.accepted(job)
		return Handle{ID: job.ID, Name: job.Name}, nil
	default:
		d.rejected(job, "queue_full")
		return Handle{}, fmt.Errorf("%w: %s", ErrQueueFull, job.Name)
	}
}

// put waits for room; timeout <= 0 waits until ctx ends.
func (d *Dispatcher) put(ctx context.Context, job *Job, timeout time.Duration) (Handle, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d.queue <- job:
		d.accepted(job)
		return Handle{ID: job.ID, Name: job.Name}, nil
	case <-d.done:
		return Handle{}, ErrDispatcherClosed
	case <-ctx.Done():
		d.rejected(job, "canceled")
		return Handle{}, ctx.Err()
	case <-expired:
		d.rejected(job, "queue_full")
		return Handle{}, fmt.Errorf("%w: %s", ErrQueueFull, job.Name)
	}
}

func (d *Dispatcher) accepted(job *Job) {
	if d.metrics != nil {
		d.metrics.JobsEnqueued.WithLabelValues(job.Name).Inc()
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
	}
}

func (d *Dispatcher) rejected(job *Job, reason string) {
	if d.metrics != nil {
		d.metrics.JobsRejected.WithLabelValues(job.Name, reason).Inc()
	}
}

// Result returns the stored outcome of a job, or a pending result when
// nothing has been recorded yet.
func (d *Dispatcher) Result(ctx context.Context, taskID string) (Result, error) {
	r, ok, err := d.cfg.Results.Get(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{TaskID: taskID, Status: StatusPending}, nil
	}
	return r, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case job := <-d.queue:
			if d.metrics != nil {
				d.metrics.QueueDepth.Set(float64(len(d.queue)))
			}
			if d.cfg.Forwarder != nil {
				d.forward(job)
				continue
			}
			d.execute(job)
		}
	}
}

func (d *Dispatcher) forward(job *Job) {
	if err := d.cfg.Forwarder.Forward(d.ctx, job); err != nil {
		d.logger.Error("failed to forward job", "job", job.Name, "task_id", job.ID, "error", err)
		now := d.cfg.Now()
		d.store(Result{
			TaskID:     job.ID,
			Name:       job.Name,
			Status:     StatusFailed,
			Error:      err.Error(),
			ErrorClass: "forward",
			FinishedAt: &now,
		})
		if d.metrics != nil {
			d.metrics.JobsCompleted.WithLabelValues(job.Name, string(StatusFailed), "forward").Inc()
		}
	}
}

type outcome struct {
	value any
	err   error
}

// execute runs one job to completion, hard deadline, or shutdown.
func (d *Dispatcher) execute(job *Job) Result {
	logger := d.logger.With("job", job.Name, "task_id", job.ID)
	started := d.cfg.Now()
	res := Result{TaskID: job.ID, Name: job.Name, StartedAt: &started}

	h, ok := d.handler(job.Name)
	if !ok {
		res.Status, res.Error, res.ErrorClass = StatusFailed, ErrUnknownJob.Error(), "internal"
		d.finish(logger, job, res, 0)
		return res
	}

	if d.metrics != nil {
		d.metrics.WorkersBusy.Inc()
		defer d.metrics.WorkersBusy.Dec()
	}
	d.store(Result{TaskID: job.ID, Name: job.Name, Status: StatusStarted, StartedAt: &started})

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.HardLimit)
	defer cancel()
	soft := make(chan struct{})
	ctx = context.WithValue(ctx, softDeadlineKey{}, soft)
	ctx = context.WithValue(ctx, jobIDKey{}, job.ID)

	var softExceeded atomic.Bool
	softTimer := time.AfterFunc(d.cfg.SoftLimit, func() {
		softExceeded.Store(true)
		close(soft)
		logger.Warn("job exceeded soft time limit", "soft_limit", d.cfg.SoftLimit)
		if d.metrics != nil {
			d.metrics.SoftLimitReached.WithLabelValues(job.Name).Inc()
		}
	})
	defer softTimer.Stop()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := h(ctx, job)
		done <- outcome{value: v, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		// The handler goroutine is abandoned; it observes ctx and exits on its own.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o.err = fmt.Errorf("%w after %s", ErrHardTimeLimit, d.cfg.HardLimit)
			if d.metrics != nil {
				d.metrics.HardLimitReached.WithLabelValues(job.Name).Inc()
			}
		} else {
			o.err = fmt.Errorf("job canceled: %w", ErrDispatcherClosed)
		}
	}

	res.SoftLimitExceeded = softExceeded.Load()
	if o.err != nil {
		res.Status = StatusFailed
		res.Error = o.err.Error()
		switch {
		case errors.Is(o.err, ErrHardTimeLimit):
			res.ErrorClass = "timeout"
		case errors.Is(o.err, ErrPanic):
			res.ErrorClass = "panic"
		default:
			res.ErrorClass = d.cfg.Classify(o.err)
		}
	} else {
		res.Status = StatusCompleted
		if o.value != nil {
			if b, err := json.Marshal(o.value); err == nil {
				res.Value = b
			} else {
				logger.Warn("failed to encode job result", "error", err)
			}
		}
	}

	d.finish(logger, job, res, time.Since(started))
	return res
}

func (d *Dispatcher) finish(logger *slog.Logger, job *Job, res Result, took time.Duration) {
	finished := d.cfg.Now()
	res.FinishedAt = &finished
	d.store(res)

	if d.metrics != nil {
		d.metrics.JobsCompleted.WithLabelValues(job.Name, string(res.Status), res.ErrorClass).Inc()
		d.metrics.JobDuration.WithLabelValues(job.Name).Observe(took.Seconds())
	}

	if res.Status == StatusFailed {
		logger.Error("job failed", "error", res.Error, "error_class", res.ErrorClass, "duration", took)
		return
	}
	logger.Debug("job completed", "duration", took)
}

func (d *Dispatcher) store(res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), resultWriteTimeout)
	defer cancel()
	if err := d.cfg.Results.Put(ctx, res); err != nil {
		d.logger.Error("failed to store job result", "task_id", res.TaskID, "error", err)
	}
}
