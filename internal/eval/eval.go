// Package eval scores pipeline runs against a labelled query set.
package eval

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
	"laptoprag/internal/service"
)

// ErrBadQueries reports an unusable query file.
var ErrBadQueries = errors.New("eval: invalid queries file")

// Query is one labelled evaluation question.
type Query struct {
	ID                string   `json:"id"`
	Query             string   `json:"query"`
	RelevantLaptopIDs []string `json:"relevant_laptop_ids"`
}

type rawQuery struct {
	ID                any     `json:"id"`
	Query             *string `json:"query"`
	RelevantLaptopIDs []any   `json:"relevant_laptop_ids"`
	RelevantIDs       []any   `json:"relevant_ids"`
}

// LoadQueries reads either a JSON list of queries or an object holding
// them under "queries".
func LoadQueries(path string) ([]Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: read queries: %w", err)
	}
	return ParseQueries(data)
}

func ParseQueries(data []byte) ([]Query, error) {
	var list []rawQuery
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Queries *[]rawQuery `json:"queries"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil || wrapped.Queries == nil {
			return nil, fmt.Errorf("%w: expected a list or an object with \"queries\"", ErrBadQueries)
		}
		list = *wrapped.Queries
	}
	out := make([]Query, 0, len(list))
	for i, q := range list {
		if q.Query == nil {
			return nil, fmt.Errorf("%w: entry %d has no query", ErrBadQueries, i)
		}
		rel := q.RelevantLaptopIDs
		if rel == nil {
			rel = q.RelevantIDs
		}
		out = append(out, Query{ID: scalar(q.ID), Query: *q.Query, RelevantLaptopIDs: scalars(rel)})
	}
	return out, nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func scalars(vs []any) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, scalar(v))
	}
	return out
}

// PrecisionRecallAtK compares the distinct laptops among the first k
// retrieved chunks with the relevant set.
func PrecisionRecallAtK(run *domain.QueryRun, relevant []string, k int) (precision, recall float64) {
	want := make(map[string]struct{}, len(relevant))
	for _, id := range relevant {
		want[id] = struct{}{}
	}
	got := make(map[string]struct{})
	for i, r := range run.Retrieved {
		if i == k {
			break
		}
		got[r.LaptopID] = struct{}{}
	}
	hit := 0
	for id := range got {
		if _, ok := want[id]; ok {
			hit++
		}
	}
	return float64(hit) / float64(max(1, len(got))), float64(hit) / float64(max(1, len(want)))
}

func Faithfulness(run *domain.QueryRun) float64 {
	return run.CriticStats.Faithfulness
}

// AnswerCoverage is the share of distinct retrieved (laptop, field) pairs
// that the final answer cites in brackets.
func AnswerCoverage(run *domain.QueryRun) float64 {
	cited := citation.NewSet(citation.Extract(run.AnswerFinal)...)
	pairs := citation.NewSet()
	hits := 0
	for _, r := range run.Retrieved {
		ref := citation.Ref{LaptopID: r.LaptopID, Field: r.Field}
		if ref.LaptopID == "" || ref.Field == "" || pairs.Has(ref) {
			continue
		}
		pairs.Add(ref)
		if cited.Has(ref) {
			hits++
		}
	}
	return float64(hits) / float64(max(1, len(pairs)))
}

// Row is one line of the metrics table.
type Row struct {
	ID             string
	Query          string
	Precision      float64
	Recall         float64
	Faithfulness   float64
	AnswerCoverage float64
	// CriticOK is 0 or 1 for query rows and the accepted share for the mean.
	CriticOK   float64
	NRetrieved float64
	Run        *domain.QueryRun
	Err        error
}

// MeanID labels the summary row.
const MeanID = "MEAN"

// Runner answers queries; *service.Pipeline satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, queries []string, concurrency int) []service.Result
}

// Evaluate runs every query and scores it. Rows keep input order. A failed
// query yields a row carrying its error and zero metrics.
func Evaluate(ctx context.Context, r Runner, queries []Query, k, concurrency int) []Row {
	texts := make([]string, len(queries))
	for i, q := range queries {
		texts[i] = q.Query
	}
	results := r.RunBatch(ctx, texts, concurrency)
	rows := make([]Row, len(queries))
	for i, q := range queries {
		row := Row{ID: q.ID, Query: q.Query, Run: results[i].Run, Err: results[i].Err}
		if run := results[i].Run; run != nil {
			row.Precision, row.Recall = PrecisionRecallAtK(run, q.RelevantLaptopIDs, k)
			row.Faithfulness = Faithfulness(run)
			row.AnswerCoverage = AnswerCoverage(run)
			if run.CriticOK {
				row.CriticOK = 1
			}
			row.NRetrieved = float64(len(run.Retrieved))
		}
		rows[i] = row
	}
	return rows
}

// Mean averages the metric columns. It returns false for no rows.
func Mean(rows []Row) (Row, bool) {
	if len(rows) == 0 {
		return Row{}, false
	}
	m := Row{ID: MeanID}
	for _, r := range rows {
		m.Precision += r.Precision
		m.Recall += r.Recall
		m.Faithfulness += r.Faithfulness
		m.AnswerCoverage += r.AnswerCoverage
		m.CriticOK += r.CriticOK
		m.NRetrieved += r.NRetrieved
	}
	n := float64(len(rows))
	m.Precision /= n
	m.Recall /= n
	m.Faithfulness /= n
	m.AnswerCoverage /= n
	m.CriticOK /= n
	m.NRetrieved /= n
	return m, true
}

// Header returns the CSV column names for cut-off k.
func Header(k int) []string {
	return []string{
		"id", "query",
		fmt.Sprintf("precision@%d", k), fmt.Sprintf("recall@%d", k),
		"faithfulness", "answer_coverage", "critic_ok", "n_retrieved",
	}
}

// Cells formats a row for CSV output.
func (r Row) Cells() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	ok := f(r.CriticOK)
	nret := f(r.NRetrieved)
	if r.ID != MeanID {
		ok = strconv.FormatBool(r.CriticOK == 1)
		nret = strconv.Itoa(int(r.NRetrieved))
	}
	return []string{r.ID, r.Query, f(r.Precision), f(r.Recall), f(r.Faithfulness), f(r.AnswerCoverage), ok, nret}
}

// WriteCSV writes the rows followed by the MEAN summary.
func WriteCSV(path string, rows []Row, k int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("eval: metrics dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("eval: metrics: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write(Header(k))
	for _, r := range rows {
		_ = w.Write(r.Cells())
	}
	if mean, ok := Mean(rows); ok {
		_ = w.Write(mean.Cells())
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("eval: metrics: %w", err)
	}
	return f.Close()
}
