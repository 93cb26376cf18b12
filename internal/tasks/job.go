// Package tasks runs named jobs on a bounded queue drained by a fixed worker
// pool, with per-job soft and hard deadlines and single-attempt semantics.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueFull is returned when the queue cannot take another job.
	ErrQueueFull = errors.New("task queue full")
	// ErrUnknownJob is returned for a job name with no registered handler.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDispatcherClosed is returned after Stop.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrHardTimeLimit is recorded for jobs abandoned at the hard deadline.
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
	// ErrPanic is recorded for jobs whose handler panicked.
	ErrPanic = errors.New("job panicked")
	// ErrInvalidArgs is returned by Job.Decode.
	ErrInvalidArgs = errors.New("invalid job arguments")
)

// Status is the lifecycle state of a job result.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of work.
type Job struct {
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// Decode unmarshals the job arguments into v.
func (j *Job) Decode(v any) error {
	if len(j.Args) == 0 {
		return fmt.Errorf("%w: %s has no arguments", ErrInvalidArgs, j.Name)
	}
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidArgs, j.Name, err)
	}
	return nil
}

// Handle identifies an enqueued job.
type Handle struct {
	ID   string `json:"task_id"`
	Name string `json:"name"`
}

// Result is the stored outcome of a job.
type Result struct {
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	TaskID            string          `json:"task_id"`
	Name              string          `json:"name,omitempty"`
	Status            Status          `json:"status"`
	Error             string          `json:"error,omitempty"`
	ErrorClass        string          `json:"error_class,omitempty"`
	Value             json.RawMessage `json:"value,omitempty"`
	SoftLimitExceeded bool            `json:"soft_limit_exceeded,omitempty"`
}

// Handler executes a job. The returned value is stored as the result value.
type Handler func(ctx context.Context, job *Job) (any, error)

type softDeadlineKey struct{}

// SoftDeadline returns a channel closed once the job passes its soft
// deadline. Handlers may watch it to wind down; outside a job it is nil.
func SoftDeadline(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(softDeadlineKey{}).(chan struct{})
	return ch
}

type jobIDKey struct{}

// JobID returns the id of the job executing under ctx.
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
