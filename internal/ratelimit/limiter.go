// Package ratelimit enforces the per-user, per-action sliding quotas that
// gate every mutating endpoint. The counter storage is abstracted behind
// CounterStore so a single-process deployment can run on the in-memory
// store while production shares counters through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Action identifies a rate-limited operation.
type Action string

const (
	ActionCreateRequest    Action = "create_request"
	ActionRequestToDeliver Action = "request_to_deliver"
	ActionSendMessage      Action = "send_message"
	ActionReportUser       Action = "report_user"
	ActionAdminAction      Action = "admin_action"
)

// Quota is the per-window allowance for one action.
type Quota struct {
	Max    int64
	Window time.Duration
}

// DefaultQuotas is the static quota table. It is configuration, not code:
// callers may pass their own table to NewLimiter.
var DefaultQuotas = map[Action]Quota{
	ActionCreateRequest:    {Max: 5, Window: time.Hour},
	ActionRequestToDeliver: {Max: 10, Window: time.Hour},
	ActionSendMessage:      {Max: 50, Window: time.Hour},
	ActionReportUser:       {Max: 3, Window: 24 * time.Hour},
	ActionAdminAction:      {Max: 100, Window: time.Hour},
}

// Decision is the outcome of a quota check. Remaining and ResetAt are
// always populated so callers can surface a retry-after to users.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// CounterStore is the shared counter backend. Implementations only need
// per-key atomic increments; slight overshoot under simultaneous callers
// is acceptable, undershoot is not.
type CounterStore interface {
	// Get returns the current count and window reset time. ok is false when
	// the key is absent or its window has elapsed.
	Get(ctx context.Context, key string) (count int64, resetAt time.Time, ok bool, err error)
	// Reset starts a fresh window with count=1.
	Reset(ctx context.Context, key string, window time.Duration) (resetAt time.Time, err error)
	// Incr adds one to an existing counter and returns the new count.
	Incr(ctx context.Context, key string) (int64, error)
}

// Limiter applies a quota table on top of a CounterStore.
type Limiter struct {
	store  CounterStore
	quotas map[Action]Quota
}

// NewLimiter builds a Limiter. A nil quota table falls back to DefaultQuotas.
func NewLimiter(store CounterStore, quotas map[Action]Quota) *Limiter {
	if quotas == nil {
		quotas = DefaultQuotas
	}
	return &Limiter{store: store, quotas: quotas}
}

func counterKey(userID uint, action Action) string {
	return fmt.Sprintf("ratelimit:%d:%s", userID, action)
}

// CheckAndConsume consumes one unit of quota for (userID, action) if any
// remains. Denial never mutates the counter. Unknown actions are allowed
// with an unlimited decision rather than failing closed, so adding a new
// endpoint without a quota row does not brick it.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID uint, action Action) (Decision, error) {
	quota, ok := l.quotas[action]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := counterKey(userID, action)

	count, resetAt, active, err := l.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	if !active {
		resetAt, err = l.store.Reset(ctx, key, quota.Window)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Remaining: quota.Max - 1, ResetAt: resetAt}, nil
	}

	if count >= quota.Max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	newCount, err := l.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	remaining := quota.Max - newCount
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// MemoryStore is a process-local CounterStore used in tests and as a
// fallback when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (int64, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.resetAt) {
		return 0, time.Time{}, false, nil
	}
	return e.count, e.resetAt, true, nil
}

func (m *MemoryStore) Reset(_ context.Context, key string, window time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resetAt := time.Now().Add(window)
	m.entries[key] = &memoryEntry{count: 1, resetAt: resetAt}
	return resetAt, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{resetAt: time.Now().Add(time.Hour)}
		m.entries[key] = e
	}
	e.count++
	return e.count, nil
}
