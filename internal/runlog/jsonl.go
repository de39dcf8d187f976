// Package runlog persists attempt records and query runs append-only.
package runlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"laptoprag/internal/domain"
)

// JSONL appends one JSON object per line to a file. Appends are serialized
// within the process by a mutex and across processes by an advisory lock on
// a sibling ".lock" file.
type JSONL struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewJSONL prepares path for appending, creating parent directories.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create dir: %w", err)
	}
	return &JSONL{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the file being appended to.
func (j *JSONL) Path() string { return j.path }

// Append writes v as a single line.
func (j *JSONL) Append(ctx context.Context, v any) error {
	line, err := encodeLine(v)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.lockFile(ctx); err != nil {
		return err
	}
	defer func() { _ = j.lock.Unlock() }()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runlog: open %s: %w", j.path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("runlog: append %s: %w", j.path, err)
	}
	return f.Close()
}

// Truncate empties the file. Batch evaluation uses it to start a fresh log.
func (j *JSONL) Truncate(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.lockFile(ctx); err != nil {
		return err
	}
	defer func() { _ = j.lock.Unlock() }()
	if err := os.WriteFile(j.path, nil, 0o644); err != nil {
		return fmt.Errorf("runlog: truncate %s: %w", j.path, err)
	}
	return nil
}

// LogAttempt implements domain.AttemptSink.
func (j *JSONL) LogAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	return j.Append(ctx, rec)
}

// LogRun implements domain.RunSink.
func (j *JSONL) LogRun(ctx context.Context, run domain.QueryRun) error {
	return j.Append(ctx, run)
}

func (j *JSONL) lockFile(ctx context.Context) error {
	ok, err := j.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("runlog: lock %s: %w", j.path, err)
	}
	if !ok {
		return fmt.Errorf("runlog: lock %s: not acquired", j.path)
	}
	return nil
}

// encodeLine renders v as UTF-8 JSON without HTML escaping, newline terminated.
func encodeLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("runlog: encode: %w", err)
	}
	return buf.Bytes(), nil
}
