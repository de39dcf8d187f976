// Package catalog loads the laptop table into flat records and writes the
// index preview.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
)

var (
	ErrMissingID   = errors.New("catalog: record has empty id")
	ErrDuplicateID = errors.New("catalog: duplicate id")
	ErrEmpty       = errors.New("catalog: no header row")
	// ErrUncitable marks an id or column name that cannot appear in a
	// "[laptop_id:field]" citation.
	ErrUncitable = errors.New("catalog: name not usable in citations")
)

type Options struct {
	IDField string
	// SubsetN keeps a seeded random sample of at most SubsetN rows. Zero keeps all.
	SubsetN int
	Seed    uint64
}

func DefaultOptions() Options {
	return Options{IDField: "laptop_id", SubsetN: 300, Seed: 42}
}

// LoadCSV reads a catalog file.
func LoadCSV(path string, opts Options) ([]domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	defer f.Close()
	return Read(f, opts)
}

// Read parses a catalog table. When the id column is absent the first
// column takes its name. Empty cells are kept as empty values.
func Read(r io.Reader, opts Options) ([]domain.Record, error) {
	if opts.IDField == "" {
		opts.IDField = DefaultOptions().IDField
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: header: %w", err)
	}
	names := make([]string, len(header))
	hasID := false
	for i, h := range header {
		names[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if names[i] == opts.IDField {
			hasID = true
		}
	}
	if !hasID {
		names[0] = opts.IDField
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := citation.CheckComponent(name); err != nil {
			return nil, fmt.Errorf("%w: column: %w", ErrUncitable, err)
		}
	}

	var records []domain.Record
	seen := make(map[string]int)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: row %d: %w", line, err)
		}
		rec := domain.Record{Fields: make([]domain.Field, len(names))}
		for i, name := range names {
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			rec.Fields[i] = domain.Field{Name: name, Value: v}
		}
		id, _ := rec.Get(opts.IDField)
		if id == "" {
			return nil, fmt.Errorf("%w (row %d)", ErrMissingID, line)
		}
		if err := citation.CheckComponent(id); err != nil {
			return nil, fmt.Errorf("%w (row %d): %w", ErrUncitable, line, err)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w %q (rows %d and %d)", ErrDuplicateID, id, prev, line)
		}
		seen[id] = line
		records = append(records, rec)
	}
	return Subset(records, opts.SubsetN, opts.Seed), nil
}

// Subset returns a reproducible sample of n records, or all of them when
// there are not more than n.
func Subset(records []domain.Record, n int, seed uint64) []domain.Record {
	if n <= 0 || len(records) <= n {
		return records
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(len(records))
	out := make([]domain.Record, n)
	for i := range out {
		out[i] = records[perm[i]]
	}
	return out
}

// PreviewLimit is how many chunks the index preview shows.
const PreviewLimit = 200

// WritePreview writes the first limit chunks as CSV.
func WritePreview(path string, chunks []domain.Chunk, limit int) error {
	if limit <= 0 || limit > len(chunks) {
		limit = len(chunks)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("catalog: preview dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("catalog: preview: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"chunk_id", "laptop_id", "field", "text", "citations"})
	for _, ch := range chunks[:limit] {
		_ = w.Write([]string{ch.ChunkID, ch.LaptopID, ch.Field, ch.Text, strings.Join(ch.Citations, " ")})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("catalog: preview: %w", err)
	}
	return f.Close()
}
