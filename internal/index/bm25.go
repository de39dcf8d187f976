// Package index implements the lexical retrieval index over catalog chunks.
package index

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"laptoprag/internal/domain"
)

// Options tunes the Okapi BM25 ranking function.
type Options struct {
	K1 float64
	B  float64
	// Workers bounds the goroutines used to tokenize the corpus.
	Workers int
}

// DefaultOptions returns the usual BM25 parameters.
func DefaultOptions() Options {
	return Options{K1: 1.5, B: 0.75, Workers: runtime.GOMAXPROCS(0)}
}

// BM25 is an immutable Okapi BM25 index. It is safe for concurrent Search
// calls once New returns.
type BM25 struct {
	opts   Options
	chunks []domain.Chunk
	tf     []map[string]int
	docLen []int
	avgLen float64
	idf    map[string]float64
}

// New tokenizes every chunk and computes document frequencies.
func New(chunks []domain.Chunk, opts Options) *BM25 {
	if opts.K1 <= 0 {
		opts.K1 = 1.5
	}
	if opts.B < 0 || opts.B > 1 {
		opts.B = 0.75
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	idx := &BM25{
		opts:   opts,
		chunks: append([]domain.Chunk(nil), chunks...),
		tf:     make([]map[string]int, len(chunks)),
		docLen: make([]int, len(chunks)),
		idf:    make(map[string]float64),
	}
	if len(chunks) == 0 {
		return idx
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(opts.Workers)
	for i := range idx.chunks {
		g.Go(func() error {
			tokens := Tokenize(idx.chunks[i].Text)
			counts := make(map[string]int, len(tokens))
			for _, tok := range tokens {
				counts[tok]++
			}
			idx.tf[i] = counts
			idx.docLen[i] = len(tokens)
			return nil
		})
	}
	_ = g.Wait()

	df := make(map[string]int)
	total := 0
	for i, counts := range idx.tf {
		total += idx.docLen[i]
		for term := range counts {
			df[term]++
		}
	}
	n := float64(len(chunks))
	idx.avgLen = float64(total) / n
	for term, freq := range df {
		// Lucene-style idf stays positive and strictly decreases with df.
		idx.idf[term] = math.Log(1 + (n-float64(freq)+0.5)/(float64(freq)+0.5))
	}
	return idx
}

// Len returns the number of indexed chunks.
func (x *BM25) Len() int { return len(x.chunks) }

// Search returns exactly min(topK, Len()) chunks ranked by descending score.
// Ties keep corpus order, so chunks without any overlap pad the tail.
func (x *BM25) Search(query string, topK int) []domain.ScoredChunk {
	if topK <= 0 || len(x.chunks) == 0 {
		return []domain.ScoredChunk{}
	}
	terms := Tokenize(query)
	scores := make([]float64, len(x.chunks))
	for i := range x.chunks {
		scores[i] = x.score(i, terms)
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	topK = min(topK, len(order))
	out := make([]domain.ScoredChunk, topK)
	for i := 0; i < topK; i++ {
		j := order[i]
		out[i] = domain.ScoredChunk{Chunk: x.chunks[j], Score: scores[j]}
	}
	return out
}

func (x *BM25) score(i int, terms []string) float64 {
	counts := x.tf[i]
	if len(counts) == 0 {
		return 0
	}
	norm := x.opts.K1 * (1 - x.opts.B + x.opts.B*float64(x.docLen[i])/x.avgLen)
	s := 0.0
	for _, term := range terms {
		f := float64(counts[term])
		if f == 0 {
			continue
		}
		s += x.idf[term] * f * (x.opts.K1 + 1) / (f + norm)
	}
	return s
}
