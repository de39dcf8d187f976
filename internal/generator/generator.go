// Package generator defines the boundary to the answer-generation capability:
// a question plus ranked evidence in, a draft answer and claimed citations out.
// Nothing a Generator returns is trusted; the critic re-verifies it.
package generator

import (
	"context"
	"time"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
)

// InsufficientEvidence is the sentence generators are told to use when the
// evidence cannot answer the question.
const InsufficientEvidence = "No hay evidencia suficiente en los datos para responder."

// Request is one generation call.
type Request struct {
	Question string
	Evidence []domain.Chunk
	// ExtraRules is appended to the base instruction set when non-empty.
	ExtraRules string
}

// Response is the unverified output of a generation call.
type Response struct {
	Answer    string
	Citations []citation.Ref
	Latency   time.Duration
	Model     string
}

// Generator produces a draft answer grounded on the given evidence.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// AllowedRefs returns the references of the evidence in first-seen order.
func AllowedRefs(evidence []domain.Chunk) []citation.Ref {
	seen := citation.NewSet()
	var out []citation.Ref
	for _, ch := range evidence {
		ref := ch.Ref()
		if ref.LaptopID == "" || ref.Field == "" || seen.Has(ref) {
			continue
		}
		seen.Add(ref)
		out = append(out, ref)
	}
	return out
}
