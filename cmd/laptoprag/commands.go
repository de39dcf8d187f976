package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
	"laptoprag/internal/eval"
	"laptoprag/internal/metrics"
	"laptoprag/internal/runlog"
	"laptoprag/internal/server"
	"laptoprag/internal/service"
	"laptoprag/internal/tui"
)

// demoQueries are the questions the demo command answers.
var demoQueries = []string{
	"laptop con 16GB RAM y SSD",
	"laptop con procesador intel i7",
	"pantalla 15 pulgadas y peso liviano",
}

// setup loads config and builds the app for a subcommand.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, log)
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Answer the built-in demo questions and append them to the runs log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runDemo(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

// runDemo answers every demo question. A failed question is reported and
// the rest still run; the joined failures are returned at the end.
func runDemo(ctx context.Context, a *app, out io.Writer) error {
	runs, err := a.runJSONL(a.cfg.Output.Runs)
	if err != nil {
		return err
	}
	results := a.pipeline(runs).RunBatch(ctx, demoQueries, 1)
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintln(out, strings.Repeat("=", 80))
			fmt.Fprintf(out, "QUERY: %s\nERROR: %v\n", r.Query, r.Err)
			continue
		}
		printRun(out, r.Run)
	}
	fmt.Fprintf(out, "Done. See %s and %s\n", runs.Path(), a.cfg.OutputPath(a.cfg.Output.IndexPreview))
	return service.Errors(results)
}

func printRun(out io.Writer, run *domain.QueryRun) {
	fmt.Fprintln(out, strings.Repeat("=", 80))
	fmt.Fprintf(out, "QUERY: %s\n", run.Query)
	fmt.Fprintf(out, "CRITIC OK: %t  attempts=%d  faithfulness=%.2f  model=%s\n",
		run.CriticOK, run.Attempts, run.CriticStats.Faithfulness, run.Model)
	for _, issue := range run.CriticIssues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}
	fmt.Fprintf(out, "\nANSWER:\n%s\n", run.AnswerFinal)
	if cited := service.CitedRefs(run); len(cited) > 0 {
		fmt.Fprintf(out, "CITED: %s\n", citation.JoinBracketed(cited))
	}
}

func singleCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Answer one question and print the run as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(query) == "" {
				return errors.New("--query is required")
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runSingle(cmd.Context(), a, query, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Question to answer")
	return cmd
}

func runSingle(ctx context.Context, a *app, query string, out io.Writer) error {
	runs, err := a.runJSONL("runs_single.jsonl")
	if err != nil {
		return err
	}
	run, err := a.pipeline(runs).Run(ctx, query)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

func evalCmd() *cobra.Command {
	var queriesPath string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run the labelled query set and write metrics_eval.csv",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if queriesPath != "" {
				a.cfg.Eval.QueriesPath = queriesPath
			}
			return runEval(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&queriesPath, "queries", "", "Path to the eval queries JSON (overrides config)")
	return cmd
}

func runEval(ctx context.Context, a *app, out io.Writer) error {
	queries, err := eval.LoadQueries(a.cfg.Eval.QueriesPath)
	if err != nil {
		return err
	}
	runs, err := a.runJSONL("eval_runs.jsonl")
	if err != nil {
		return err
	}
	if err := runs.Truncate(ctx); err != nil {
		return err
	}
	k := a.cfg.Retrieval.TopK
	rows := eval.Evaluate(ctx, a.pipeline(runs), queries, k, a.cfg.Pipeline.Concurrency)
	for _, r := range rows {
		if r.Err != nil {
			a.log.Error("eval query failed", "id", r.ID, "query", r.Query, "err", r.Err)
		}
	}
	metricsPath := a.cfg.OutputPath("metrics_eval.csv")
	if err := eval.WriteCSV(metricsPath, rows, k); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved logs -> %s\n", runs.Path())
	fmt.Fprintf(out, "Saved metrics -> %s\n", metricsPath)
	if mean, ok := eval.Mean(rows); ok {
		fmt.Fprintln(out, "\n=== SUMMARY (MEAN) ===")
		header := eval.Header(k)
		cells := mean.Cells()
		for i := 2; i < len(header); i++ {
			fmt.Fprintf(out, "%-16s %s\n", header[i], cells[i])
		}
	}
	return nil
}

func tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Ask questions interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.runJSONL(a.cfg.Output.Runs)
			if err != nil {
				return err
			}
			summary := fmt.Sprintf("%d chunks indexed · generator=%s · top_k=%d", a.index.Len(), a.cfg.Generator.Type, a.cfg.Retrieval.TopK)
			m := tui.New(cmd.Context(), a.pipeline(runs), summary)
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the question answering pipeline over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return newServer(a, addr).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func newServer(a *app, addr string) *server.Server {
	rec := metrics.NewRecorder()
	var recent server.RunStore
	var runs domain.RunSink
	if a.store != nil {
		recent = a.store
	} else {
		mem := runlog.NewMemory()
		recent, runs = mem, mem
		a.attempts = runlog.Multi{Attempts: []domain.AttemptSink{a.attempts, mem}}
	}
	p := a.pipeline(runs, service.WithObserver(rec))
	return server.New(server.Config{Addr: addr}, p, recent, rec.Handler(), a.log.With("component", "http"))
}
