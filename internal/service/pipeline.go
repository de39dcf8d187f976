// Package service runs the grounded question-answering loop: retrieve once,
// then generate and review until the critic accepts or the attempt budget
// runs out.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
	"laptoprag/internal/generator"
	"laptoprag/internal/logger"
)

// ErrEmptyQuery is returned for blank questions.
var ErrEmptyQuery = errors.New("service: empty query")

type Options struct {
	TopK           int
	MaxAnswerWords int
	MaxAttempts    int
	// StrictRules are appended to the generator instructions from the
	// second attempt on.
	StrictRules string
}

func DefaultOptions() Options {
	return Options{
		TopK:           5,
		MaxAnswerWords: 120,
		MaxAttempts:    2,
		StrictRules:    generator.StrictRules,
	}
}

// Observer is notified of every attempt and every finished query.
type Observer interface {
	ObserveAttempt(rec domain.AttemptRecord)
	ObserveRun(run domain.QueryRun)
	ObserveFailure(query string, err error)
}

type Option func(*Pipeline)

func WithLogger(log logger.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithRunSink also persists every completed QueryRun.
func WithRunSink(s domain.RunSink) Option {
	return func(p *Pipeline) { p.runs = s }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type Pipeline struct {
	searcher  domain.Searcher
	generator generator.Generator
	critic    domain.Reviewer
	attempts  domain.AttemptSink
	runs      domain.RunSink
	observer  Observer
	opts      Options
	log       logger.Logger
	now       func() time.Time

	entropyMu sync.Mutex
	entropy   io.Reader
}

func NewPipeline(searcher domain.Searcher, gen generator.Generator, critic domain.Reviewer, sink domain.AttemptSink, opts Options, options ...Option) *Pipeline {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxAnswerWords <= 0 {
		opts.MaxAnswerWords = def.MaxAnswerWords
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if strings.TrimSpace(opts.StrictRules) == "" {
		opts.StrictRules = def.StrictRules
	}
	p := &Pipeline{
		searcher:  searcher,
		generator: gen,
		critic:    critic,
		attempts:  sink,
		opts:      opts,
		log:       logger.Discard(),
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Run answers one query. The returned QueryRun describes the last attempt,
// whatever its verdict. A generator failure aborts the query with an error
// naming the attempt.
func (p *Pipeline) Run(ctx context.Context, query string) (*domain.QueryRun, error) {
	return p.RunTopK(ctx, query, p.opts.TopK)
}

// RunTopK is Run with an explicit retrieval depth.
func (p *Pipeline) RunTopK(ctx context.Context, query string, topK int) (*domain.QueryRun, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = p.opts.TopK
	}
	runID := p.newRunID()
	log := p.log.With("run_id", runID)

	start := time.Now()
	scored := p.searcher.Search(query, topK)
	retrievalS := time.Since(start).Seconds()
	evidence := make([]domain.Chunk, len(scored))
	for i, sc := range scored {
		evidence[i] = sc.Chunk
	}
	log.Debug("retrieved evidence", "query", query, "top_k", topK, "hits", len(scored), "seconds", retrievalS)

	var (
		resp   generator.Response
		review domain.CriticReview
		answer string
		llmS   float64
		n      int
	)
	for n = 1; n <= p.opts.MaxAttempts; n++ {
		req := generator.Request{Question: query, Evidence: evidence}
		if n > 1 {
			req.ExtraRules = p.opts.StrictRules
		}

		genStart := time.Now()
		var err error
		resp, err = p.generator.Generate(ctx, req)
		if err != nil {
			err = fmt.Errorf("service: generate attempt %d: %w", n, err)
			log.Error("generation failed", "query", query, "attempt", n, "err", err)
			if p.observer != nil {
				p.observer.ObserveFailure(query, err)
			}
			return nil, err
		}
		llmS = resp.Latency.Seconds()
		if resp.Latency <= 0 {
			llmS = time.Since(genStart).Seconds()
		}

		answer = generator.TruncateWords(resp.Answer, p.opts.MaxAnswerWords)
		claimed := generator.FilterCitations(resp.Citations, evidence)
		review = p.critic.Review(answer, evidence, claimed)

		rec := domain.AttemptRecord{
			Timestamp:         float64(p.now().UnixNano()) / 1e9,
			RunID:             runID,
			Query:             query,
			Attempt:           n,
			TopK:              topK,
			LatencyRetrievalS: retrievalS,
			LatencyLLMS:       llmS,
			CriticOK:          review.OK,
			CriticIssues:      review.Issues,
			CriticStats:       review.Stats,
		}
		if p.attempts != nil {
			if err := p.attempts.LogAttempt(ctx, rec); err != nil {
				log.Warn("attempt log write failed", "attempt", n, "err", err)
			}
		}
		if p.observer != nil {
			p.observer.ObserveAttempt(rec)
		}
		log.Info("attempt reviewed", "attempt", n, "model", resp.Model, "ok", review.OK,
			"faithfulness", review.Stats.Faithfulness, "issues", len(review.Issues))

		if review.OK {
			break
		}
	}
	if n > p.opts.MaxAttempts {
		n = p.opts.MaxAttempts
	}

	run := domain.QueryRun{
		RunID:             runID,
		Query:             query,
		TopK:              topK,
		Retrieved:         toRetrieved(scored),
		AnswerRaw:         answer,
		AnswerFinal:       review.RevisedAnswer,
		CriticOK:          review.OK,
		CriticIssues:      review.Issues,
		CriticStats:       review.Stats,
		Attempts:          n,
		Model:             resp.Model,
		LatencyRetrievalS: retrievalS,
		LatencyLLMS:       llmS,
		CreatedAt:         p.now().UTC(),
	}
	if p.runs != nil {
		if err := p.runs.LogRun(ctx, run); err != nil {
			log.Warn("run log write failed", "err", err)
		}
	}
	if p.observer != nil {
		p.observer.ObserveRun(run)
	}
	return &run, nil
}

// Result pairs a query with its outcome inside a batch.
type Result struct {
	Query string
	Run   *domain.QueryRun
	Err   error
}

// RunBatch answers queries concurrently. Results keep input order; a failed
// query never stops the others.
func (p *Pipeline) RunBatch(ctx context.Context, queries []string, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, q := range queries {
		g.Go(func() error {
			run, err := p.Run(gctx, q)
			results[i] = Result{Query: q, Run: run, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Errors joins the failures of a batch, or returns nil.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("query %q: %w", r.Query, r.Err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) newRunID() string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(p.now()), p.entropy).String()
}

func toRetrieved(scored []domain.ScoredChunk) []domain.RetrievedChunk {
	out := make([]domain.RetrievedChunk, len(scored))
	for i, sc := range scored {
		out[i] = domain.RetrievedChunk{
			ChunkID:  sc.Chunk.ChunkID,
			LaptopID: sc.Chunk.LaptopID,
			Field:    sc.Chunk.Field,
			Text:     sc.Chunk.Text,
			Score:    sc.Score,
		}
	}
	return out
}

// CitedRefs returns the distinct references bracket-cited in a final answer.
func CitedRefs(run *domain.QueryRun) []citation.Ref {
	set := citation.NewSet()
	var out []citation.Ref
	for _, r := range citation.Extract(run.AnswerFinal) {
		if !set.Has(r) {
			set.Add(r)
			out = append(out, r)
		}
	}
	return out
}
