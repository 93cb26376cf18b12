package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultResultTTL is how long job results are kept.
const DefaultResultTTL = 24 * time.Hour

// ResultStore keeps job outcomes for later lookup.
type ResultStore interface {
	Put(ctx context.Context, r Result) error
	// Get returns the stored result and whether one exists.
	Get(ctx context.Context, taskID string) (Result, bool, error)
}

// MemoryResults is a ResultStore held in process memory. Expiries are kept
// in insertion order, which is expiry order for a fixed ttl, so pruning only
// looks at the oldest entries.
type MemoryResults struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	expiry  []expiryMark
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	expires time.Time
	result  Result
}

type expiryMark struct {
	taskID  string
	expires time.Time
}

// NewMemoryResults returns a store that forgets results after ttl.
func NewMemoryResults(ttl time.Duration) *MemoryResults {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &MemoryResults{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores r and prunes expired entries.
func (m *MemoryResults) Put(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)
	expires := now.Add(m.ttl)
	m.entries[r.TaskID] = memoryEntry{result: r, expires: expires}
	m.expiry = append(m.expiry, expiryMark{taskID: r.TaskID, expires: expires})
	return nil
}

// prune drops expired entries from the front of the expiry queue. A mark
// whose task was stored again later no longer matches its entry and only
// leaves the queue.
func (m *MemoryResults) prune(now time.Time) {
	n := 0
	for n < len(m.expiry) && now.After(m.expiry[n].expires) {
		mark := m.expiry[n]
		if e, ok := m.entries[mark.taskID]; ok && e.expires.Equal(mark.expires) {
			delete(m.entries, mark.taskID)
		}
		n++
	}
	if n > 0 {
		clear(m.expiry[:n])
		m.expiry = m.expiry[n:]
	}
}

// Len returns the number of results held, expired or not.
func (m *MemoryResults) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Get returns an unexpired result.
func (m *MemoryResults) Get(_ context.Context, taskID string) (Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[taskID]
	if !ok || m.now().After(e.expires) {
		return Result{}, false, nil
	}
	return e.result, true, nil
}

const resultKeyPrefix = "task:result:"

// RedisResults stores results as JSON strings with an expiry.
type RedisResults struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResults returns a Redis-backed ResultStore.
func NewRedisResults(client *redis.Client, ttl time.Duration) (*RedisResults, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisResults{client: client, ttl: ttl}, nil
}

// Put stores r under task:result:{id}.
func (r *RedisResults) Put(ctx context.Context, res Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := r.client.Set(ctx, resultKeyPrefix+res.TaskID, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Get loads a result.
func (r *RedisResults) Get(ctx context.Context, taskID string) (Result, bool, error) {
	b, err := r.client.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to load result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(b, &res); err != nil {
		return Result{}, false, fmt.Errorf("failed to decode result: %w", err)
	}
	return res, true, nil
}
