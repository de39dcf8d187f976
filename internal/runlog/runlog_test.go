package runlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laptoprag/internal/domain"
)

func attempt(runID string, n int) domain.AttemptRecord {
	return domain.AttemptRecord{
		Timestamp:    float64(time.Now().Unix()),
		RunID:        runID,
		Query:        "laptop con pantalla táctil & <16GB>",
		Attempt:      n,
		TopK:         5,
		CriticOK:     n == 2,
		CriticIssues: []string{},
		CriticStats:  domain.CriticStats{Faithfulness: 0.5, TotalSentences: 2, UnsupportedSentences: 1},
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestJSONL_AppendsOneObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "critic_logs.jsonl")
	j, err := NewJSONL(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, j.LogAttempt(ctx, attempt("r1", 1)))
	require.NoError(t, j.LogAttempt(ctx, attempt("r1", 2)))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "táctil & <16GB>")
	var rec domain.AttemptRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, 2, rec.Attempt)
	assert.True(t, rec.CriticOK)

	// A second writer on the same file keeps appending.
	j2, err := NewJSONL(path)
	require.NoError(t, err)
	require.NoError(t, j2.LogRun(ctx, domain.QueryRun{RunID: "r1", Query: "q"}))
	assert.Len(t, readLines(t, path), 3)
}

func TestJSONL_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	j, err := NewJSONL(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.LogAttempt(context.Background(), attempt("r", i)))
		}()
	}
	wg.Wait()

	lines := readLines(t, path)
	require.Len(t, lines, 50)
	for _, l := range lines {
		var rec domain.AttemptRecord
		assert.NoError(t, json.Unmarshal([]byte(l), &rec))
	}
}

func TestJSONL_Truncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval_runs.jsonl")
	j, err := NewJSONL(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, j.LogAttempt(ctx, attempt("r", 1)))
	require.NoError(t, j.Truncate(ctx))
	assert.Empty(t, readLines(t, path))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.LogAttempt(ctx, attempt("r1", 1)))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.LogRun(ctx, domain.QueryRun{RunID: id}))
	}
	assert.Len(t, m.Attempts(), 1)
	recent, err := m.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].RunID)
	assert.Equal(t, "b", recent[1].RunID)

	require.NoError(t, m.LogAttempt(ctx, attempt("r2", 1)))
	require.NoError(t, m.LogAttempt(ctx, attempt("r1", 2)))
	got, err := m.AttemptsForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 2, got[1].Attempt)
	none, err := m.AttemptsForRun(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

type failingSink struct{}

func (failingSink) LogAttempt(context.Context, domain.AttemptRecord) error {
	return errors.New("disk full")
}
func (failingSink) LogRun(context.Context, domain.QueryRun) error { return errors.New("disk full") }

func TestMulti(t *testing.T) {
	m := NewMemory()
	multi := Multi{Attempts: []domain.AttemptSink{m, failingSink{}}, Runs: []domain.RunSink{m}}
	err := multi.LogAttempt(context.Background(), attempt("r", 1))
	require.Error(t, err)
	assert.Len(t, m.Attempts(), 1)
	require.NoError(t, multi.LogRun(context.Background(), domain.QueryRun{RunID: "r"}))
	assert.Len(t, m.Runs(), 1)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.LogAttempt(ctx, attempt("r1", 1)))
	require.NoError(t, s.LogAttempt(ctx, attempt("r1", 2)))
	require.NoError(t, s.LogAttempt(ctx, attempt("r2", 1)))

	got, err := s.AttemptsForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 2, got[1].Attempt)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.LogRun(ctx, domain.QueryRun{RunID: "r1", Query: "uno", CreatedAt: base, CriticOK: true}))
	require.NoError(t, s.LogRun(ctx, domain.QueryRun{RunID: "r2", Query: "dos", CreatedAt: base.Add(time.Second)}))
	assert.Error(t, s.LogRun(ctx, domain.QueryRun{RunID: "r1", CreatedAt: base}), "runs are never overwritten")

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)
	assert.Equal(t, "uno", runs[1].Query)
	assert.True(t, runs[1].CriticOK)
}
