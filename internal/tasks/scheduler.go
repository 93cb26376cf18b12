package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Enqueuer accepts jobs without blocking.
type Enqueuer interface {
	TryEnqueue(name string, args any) (Handle, error)
}

// Schedule is one recurring job.
type Schedule struct {
	// Args builds the job arguments at each tick; nil sends no arguments.
	Args     func() any
	Name     string
	Interval time.Duration
}

// Scheduler enqueues recurring jobs on fixed intervals, independent of
// message arrival.
type Scheduler struct {
	logger    *slog.Logger
	enqueuer  Enqueuer
	schedules []Schedule
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// NewScheduler returns a scheduler feeding enqueuer.
func NewScheduler(logger *slog.Logger, enqueuer Enqueuer) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer cannot be nil")
	}
	return &Scheduler{
		logger:   logger.With("component", "scheduler"),
		enqueuer: enqueuer,
	}, nil
}

// Every adds a recurring job. Call before Start.
func (s *Scheduler) Every(name string, interval time.Duration, args func() any) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, Schedule{Name: name, Interval: interval, Args: args})
	return nil
}

// Start launches one ticker goroutine per schedule. The first run happens
// one interval after Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for _, sch := range s.schedules {
		s.wg.Add(1)
		go s.run(ctx, sch)
	}
}

// Stop halts all schedules and waits for their goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, sch Schedule) {
	defer s.wg.Done()

	s.logger.Info("schedule started", "job", sch.Name, "interval", sch.Interval)
	ticker := time.NewTicker(sch.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var args any
			if sch.Args != nil {
				args = sch.Args()
			}
			h, err := s.enqueuer.TryEnqueue(sch.Name, args)
			if err != nil {
				s.logger.Error("failed to enqueue scheduled job", "job", sch.Name, "error", err)
				continue
			}
			s.logger.Debug("scheduled job enqueued", "job", sch.Name, "task_id", h.ID)
		}
	}
}
