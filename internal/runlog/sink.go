package runlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"laptoprag/internal/domain"
)

const lockRetryDelay = 10 * time.Millisecond

// Memory keeps records in memory. It backs tests and the HTTP server's view
// of recent runs.
type Memory struct {
	mu       sync.RWMutex
	attempts []domain.AttemptRecord
	runs     []domain.QueryRun
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LogAttempt(_ context.Context, rec domain.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, rec)
	return nil
}

func (m *Memory) LogRun(_ context.Context, run domain.QueryRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// Attempts returns a copy of the logged attempts in append order.
func (m *Memory) Attempts() []domain.AttemptRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.AttemptRecord(nil), m.attempts...)
}

// Runs returns a copy of the logged runs in append order.
func (m *Memory) Runs() []domain.QueryRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.QueryRun(nil), m.runs...)
}

// RecentRuns returns up to limit runs, newest first.
func (m *Memory) RecentRuns(_ context.Context, limit int) ([]domain.QueryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	out := make([]domain.QueryRun, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

// AttemptsForRun returns the attempts logged for runID in append order.
func (m *Memory) AttemptsForRun(_ context.Context, runID string) ([]domain.AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.AttemptRecord
	for _, rec := range m.attempts {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Multi fans every record out to all sinks and joins their errors.
type Multi struct {
	Attempts []domain.AttemptSink
	Runs     []domain.RunSink
}

func (m Multi) LogAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	var errs []error
	for _, s := range m.Attempts {
		errs = append(errs, s.LogAttempt(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) LogRun(ctx context.Context, run domain.QueryRun) error {
	var errs []error
	for _, s := range m.Runs {
		errs = append(errs, s.LogRun(ctx, run))
	}
	return errors.Join(errs...)
}
