package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laptoprag/internal/config"
	"laptoprag/internal/domain"
	"laptoprag/internal/generator"
	"laptoprag/internal/logger"
)

const catalogCSV = `laptop_id,marca,ram,procesador,pantalla,peso
L1,Dell,16GB DDR4 SSD 512GB,Intel Core i7 1165G7,15.6 pulgadas Full HD,1.8 kg
L2,HP,8GB DDR4,AMD Ryzen 5 5500U,14 pulgadas HD,1.4 kg liviano
L3,Lenovo,32GB DDR5,Intel Core i9,16 pulgadas,2.3 kg
`

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "laptops.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(catalogCSV), 0o644))
	queriesPath := filepath.Join(dir, "eval_queries.json")
	queries := `{"queries": [
		{"id": "q1", "query": "laptop con 16GB RAM y SSD", "relevant_laptop_ids": ["L1"]},
		{"id": "q2", "query": "procesador AMD Ryzen", "relevant_ids": ["L2"]}
	]}`
	require.NoError(t, os.WriteFile(queriesPath, []byte(queries), 0o644))

	cfg := config.Default()
	cfg.Catalog.Path = csvPath
	cfg.Output.Dir = filepath.Join(dir, "outputs")
	cfg.Eval.QueriesPath = queriesPath
	cfg.Retrieval.Workers = 2
	return cfg
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestNewApp_BuildsIndexAndPreview(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 15, a.index.Len())
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "index_preview.csv"))
}

func TestNewApp_UnknownGenerator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generator.Type = "llama"
	_, err := newApp(cfg, logger.Discard())
	assert.ErrorContains(t, err, "unknown generator")
}

func TestBuildGenerator_OpenAIRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generator.Type = "openai"
	cfg.Generator.OpenAI = &config.OpenAIConfig{APIKeyEnv: "LAPTOPRAG_TEST_MISSING_KEY"}
	t.Setenv("LAPTOPRAG_TEST_MISSING_KEY", "")
	_, err := buildGenerator(cfg, logger.Discard())
	assert.ErrorContains(t, err, "LAPTOPRAG_TEST_MISSING_KEY")
}

func TestRunDemo(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	var out bytes.Buffer
	require.NoError(t, runDemo(context.Background(), a, &out))
	assert.Equal(t, len(demoQueries), strings.Count(out.String(), "QUERY:"))
	assert.Equal(t, len(demoQueries), countLines(t, filepath.Join(cfg.Output.Dir, "runs.jsonl")))
	assert.GreaterOrEqual(t, countLines(t, filepath.Join(cfg.Output.Dir, "critic_logs.jsonl")), len(demoQueries))
}

func TestRunDemo_FailedQueryDoesNotStopTheOthers(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	inner := a.gen
	a.gen = generator.Func(func(ctx context.Context, req generator.Request) (generator.Response, error) {
		if req.Question == demoQueries[0] {
			return generator.Response{}, errors.New("transport down")
		}
		return inner.Generate(ctx, req)
	})

	var out bytes.Buffer
	err = runDemo(context.Background(), a, &out)
	require.Error(t, err)
	assert.ErrorContains(t, err, "transport down")
	assert.ErrorContains(t, err, demoQueries[0])

	assert.Equal(t, 1, strings.Count(out.String(), "ERROR: service: generate attempt 1: transport down"))
	assert.Equal(t, len(demoQueries)-1, strings.Count(out.String(), "CRITIC OK:"))
	assert.Contains(t, out.String(), "model=extractive")
	assert.Equal(t, len(demoQueries)-1, countLines(t, filepath.Join(cfg.Output.Dir, "runs.jsonl")))
}

func TestRunSingle_PrintsRunJSON(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.SQLitePath = "runs.db"
	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	var out bytes.Buffer
	require.NoError(t, runSingle(context.Background(), a, "laptop con 16GB RAM y SSD", &out))
	var run domain.QueryRun
	require.NoError(t, json.Unmarshal(out.Bytes(), &run))
	assert.Equal(t, "laptop con 16GB RAM y SSD", run.Query)
	assert.Len(t, run.Retrieved, 5)
	assert.Equal(t, "L1", run.Retrieved[0].LaptopID)
	assert.Equal(t, 1, countLines(t, filepath.Join(cfg.Output.Dir, "runs_single.jsonl")))

	stored, err := a.store.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, run.RunID, stored[0].RunID)
}

func TestRunEval_TruncatesLogAndWritesMetrics(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	var out bytes.Buffer
	require.NoError(t, runEval(ctx, a, &out))
	require.NoError(t, runEval(ctx, a, &out))

	assert.Equal(t, 2, countLines(t, filepath.Join(cfg.Output.Dir, "eval_runs.jsonl")))
	assert.Equal(t, 4, countLines(t, filepath.Join(cfg.Output.Dir, "metrics_eval.csv")))
	assert.Contains(t, out.String(), "=== SUMMARY (MEAN) ===")
	assert.Contains(t, out.String(), "precision@5")
}

func TestServe_AnswersQueries(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	h := newServer(a, ":0").Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"laptop con procesador intel i7","top_k":3}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run domain.QueryRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Len(t, run.Retrieved, 3)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), run.RunID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+run.RunID+"/attempts", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var recs []domain.AttemptRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	assert.Len(t, recs, run.Attempts)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "laptoprag_attempts_total")
}
