package generator

import (
	"context"
	"regexp"
	"strings"
	"time"

	"laptoprag/internal/citation"
)

// Extractive is an offline generator that answers by quoting the top
// evidence chunks, each as one cited sentence. It needs no network access
// and is what the CLI uses when no model endpoint is configured.
type Extractive struct {
	// MaxFacts bounds how many evidence chunks are quoted.
	MaxFacts int
	// RequireOverlap skips evidence sharing no word with the question.
	RequireOverlap bool
}

func (e Extractive) Generate(_ context.Context, req Request) (Response, error) {
	start := time.Now()
	n := e.MaxFacts
	if n <= 0 {
		n = 3
	}
	if strings.TrimSpace(req.ExtraRules) != "" {
		n = min(n, 2)
	}
	qWords := wordSet(req.Question)
	var sentences []string
	var refs []citation.Ref
	for _, ch := range req.Evidence {
		if len(sentences) == n {
			break
		}
		if e.RequireOverlap && !overlaps(qWords, ch.Text) {
			continue
		}
		body := strings.TrimSpace(ch.Text)
		if body == "" {
			continue
		}
		body = innerStop.ReplaceAllString(strings.TrimRight(body, ".!? "), "; ")
		sentences = append(sentences, body+" "+ch.Ref().Bracketed()+".")
		refs = append(refs, ch.Ref())
	}
	if len(sentences) == 0 {
		return Response{Answer: InsufficientEvidence, Latency: time.Since(start), Model: "extractive"}, nil
	}
	return Response{
		Answer:    strings.Join(sentences, " "),
		Citations: refs,
		Latency:   time.Since(start),
		Model:     "extractive",
	}, nil
}

// innerStop matches sentence punctuation inside a quoted value, which would
// otherwise split the quote into an uncited sentence.
var innerStop = regexp.MustCompile(`[.!?]+\s+`)

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, "?.,!;:'\"¿¡()")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlaps(words map[string]struct{}, text string) bool {
	for w := range wordSet(text) {
		if _, ok := words[w]; ok {
			return true
		}
	}
	return false
}
