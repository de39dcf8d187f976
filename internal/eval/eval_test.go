package eval

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laptoprag/internal/domain"
	"laptoprag/internal/service"
)

func sampleRun() *domain.QueryRun {
	return &domain.QueryRun{
		Query: "laptop con 16GB RAM",
		Retrieved: []domain.RetrievedChunk{
			{ChunkID: "L1_0", LaptopID: "L1", Field: "ram"},
			{ChunkID: "L1_1", LaptopID: "L1", Field: "ram"},
			{ChunkID: "L2_0", LaptopID: "L2", Field: "ram"},
			{ChunkID: "L3_4", LaptopID: "L3", Field: "cpu"},
		},
		AnswerFinal: "Tiene 16GB DDR4 [L1:ram]. Otra con 16GB [L2:ram] [L9:ram].",
		CriticOK:    true,
		CriticStats: domain.CriticStats{Faithfulness: 0.5, TotalSentences: 2, UnsupportedSentences: 1},
	}
}

func TestParseQueries(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Query
	}{
		{
			name: "list",
			in:   `[{"id": "q1", "query": "ssd", "relevant_laptop_ids": ["L1", 7]}]`,
			want: []Query{{ID: "q1", Query: "ssd", RelevantLaptopIDs: []string{"L1", "7"}}},
		},
		{
			name: "wrapped with fallback key",
			in:   `{"queries": [{"id": 3, "query": "i7", "relevant_ids": ["L2"]}]}`,
			want: []Query{{ID: "3", Query: "i7", RelevantLaptopIDs: []string{"L2"}}},
		},
		{
			name: "no labels",
			in:   `[{"query": "peso liviano"}]`,
			want: []Query{{Query: "peso liviano", RelevantLaptopIDs: []string{}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQueries([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueries_Invalid(t *testing.T) {
	for _, in := range []string{`{"items": []}`, `"text"`, `[{"id": "q1"}]`} {
		_, err := ParseQueries([]byte(in))
		assert.ErrorIs(t, err, ErrBadQueries, in)
	}
}

func TestPrecisionRecallAtK(t *testing.T) {
	run := sampleRun()
	p, r := PrecisionRecallAtK(run, []string{"L1", "L5"}, 3)
	assert.InDelta(t, 0.5, p, 1e-9)
	assert.InDelta(t, 0.5, r, 1e-9)

	p, r = PrecisionRecallAtK(&domain.QueryRun{}, nil, 5)
	assert.Zero(t, p)
	assert.Zero(t, r)
}

func TestAnswerCoverage(t *testing.T) {
	// Pairs: L1:ram, L2:ram, L3:cpu. Cited: L1:ram, L2:ram.
	assert.InDelta(t, 2.0/3.0, AnswerCoverage(sampleRun()), 1e-9)
	assert.Zero(t, AnswerCoverage(&domain.QueryRun{AnswerFinal: "[L1:ram]"}))
}

type fakeRunner struct{ results []service.Result }

func (f fakeRunner) RunBatch(_ context.Context, queries []string, _ int) []service.Result {
	out := make([]service.Result, len(queries))
	for i := range queries {
		out[i] = f.results[i]
		out[i].Query = queries[i]
	}
	return out
}

func TestEvaluateAndWriteCSV(t *testing.T) {
	queries := []Query{
		{ID: "q1", Query: "laptop con 16GB RAM", RelevantLaptopIDs: []string{"L1", "L2"}},
		{ID: "q2", Query: "falla"},
	}
	runner := fakeRunner{results: []service.Result{
		{Run: sampleRun()},
		{Err: errors.New("timeout")},
	}}
	rows := Evaluate(context.Background(), runner, queries, 5, 2)
	require.Len(t, rows, 2)
	assert.InDelta(t, 2.0/3.0, rows[0].Precision, 1e-9)
	assert.InDelta(t, 1.0, rows[0].Recall, 1e-9)
	assert.Equal(t, 1.0, rows[0].CriticOK)
	assert.Equal(t, 4.0, rows[0].NRetrieved)
	require.Error(t, rows[1].Err)
	assert.Zero(t, rows[1].Faithfulness)

	mean, ok := Mean(rows)
	require.True(t, ok)
	assert.Equal(t, MeanID, mean.ID)
	assert.InDelta(t, 0.25, mean.Faithfulness, 1e-9)
	assert.InDelta(t, 0.5, mean.CriticOK, 1e-9)

	path := filepath.Join(t.TempDir(), "metrics_eval.csv")
	require.NoError(t, WriteCSV(path, rows, 5))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	table, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, table, 4)
	assert.Equal(t, Header(5), table[0])
	assert.Equal(t, []string{"q1", "laptop con 16GB RAM", "0.6666666666666666", "1", "0.5", "0.6666666666666666", "true", "4"}, table[1])
	assert.Equal(t, "false", table[2][6])
	assert.Equal(t, []string{"MEAN", "", "0.3333333333333333", "0.5", "0.25", "0.3333333333333333", "0.5", "2"}, table[3])
}

func TestMean_Empty(t *testing.T) {
	_, ok := Mean(nil)
	assert.False(t, ok)
}
