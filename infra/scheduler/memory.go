// Package scheduler provides delayed job queues for account-level background
// work such as ERC20 approvals.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/service/approval"
	"github.com/google/uuid"
)

// DefaultRetryDelay is how long a failed job waits before it runs again.
const DefaultRetryDelay = time.Minute

// Memory is an in-process scheduler. Jobs are lost on restart.
type Memory struct {
	mu       sync.Mutex
	due      map[uuid.UUID]time.Time
	interval time.Duration
	retry    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewMemory creates a Memory scheduler polling every interval.
func NewMemory(interval time.Duration, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Memory{
		due:      make(map[uuid.UUID]time.Time),
		interval: interval,
		retry:    DefaultRetryDelay,
		logger:   logger.With("scheduler", "memory"),
		now:      time.Now,
	}
}

var _ approval.Scheduler = (*Memory)(nil)

func (m *Memory) Schedule(_ context.Context, accountID uuid.UUID, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due[accountID] = m.now().Add(delay)
	return nil
}

// Pending returns the number of queued jobs.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.due)
}

func (m *Memory) Run(ctx context.Context, fn approval.JobFunc) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.tick(ctx, fn)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Memory) tick(ctx context.Context, fn approval.JobFunc) {
	for _, id := range m.claim() {
		if err := fn(ctx, id); err != nil {
			m.logger.Warn("job failed, retrying later", "account_id", id, "retry_in", m.retry, "error", err)
			_ = m.Schedule(ctx, id, m.retry)
		}
	}
}

// claim removes and returns the due jobs, earliest first.
func (m *Memory) claim() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []uuid.UUID
	for id, at := range m.due {
		if !at.After(now) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.due[out[i]].Before(m.due[out[j]]) })
	for _, id := range out {
		delete(m.due, id)
	}
	return out
}
