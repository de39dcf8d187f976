package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"laptoprag/internal/domain"
)

// SQLiteStore persists attempts and runs in a SQLite database. Rows are only
// ever inserted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id        TEXT NOT NULL,
		ts            REAL NOT NULL,
		query         TEXT NOT NULL,
		attempt       INTEGER NOT NULL,
		top_k         INTEGER NOT NULL,
		latency_retrieval_s REAL NOT NULL,
		latency_llm_s REAL NOT NULL,
		critic_ok     INTEGER NOT NULL,
		faithfulness  REAL NOT NULL,
		record        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		created_at   TEXT NOT NULL,
		query        TEXT NOT NULL,
		critic_ok    INTEGER NOT NULL,
		faithfulness REAL NOT NULL,
		answer_final TEXT NOT NULL,
		record       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// LogAttempt implements domain.AttemptSink.
func (s *SQLiteStore) LogAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, ts, query, attempt, top_k, latency_retrieval_s, latency_llm_s, critic_ok, faithfulness, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Timestamp, rec.Query, rec.Attempt, rec.TopK,
		rec.LatencyRetrievalS, rec.LatencyLLMS, boolInt(rec.CriticOK), rec.CriticStats.Faithfulness, string(body))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// LogRun implements domain.RunSink. A run id can only be stored once.
func (s *SQLiteStore) LogRun(ctx context.Context, run domain.QueryRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, created_at, query, critic_ok, faithfulness, answer_final, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), run.Query,
		boolInt(run.CriticOK), run.CriticStats.Faithfulness, run.AnswerFinal, string(body))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]domain.QueryRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []domain.QueryRun
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run domain.QueryRun
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AttemptsForRun returns the attempts of one run in attempt order.
func (s *SQLiteStore) AttemptsForRun(ctx context.Context, runID string) ([]domain.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM attempts WHERE run_id = ? ORDER BY attempt, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	var out []domain.AttemptRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		var rec domain.AttemptRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
