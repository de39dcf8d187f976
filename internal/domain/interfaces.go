package domain

import (
	"context"
	"time"

	"laptoprag/internal/citation"
)

// Field is one named attribute of a catalog record.
type Field struct {
	Name  string
	Value string
}

// Record is a flat catalog entity. Field order is the column order of the
// source table and drives chunk emission order.
type Record struct {
	Fields []Field
}

// Get returns the value of the named field.
func (r Record) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Chunk is a short, independently citable text window derived from one field.
type Chunk struct {
	ChunkID   string   `json:"chunk_id"`
	LaptopID  string   `json:"laptop_id"`
	Field     string   `json:"field"`
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// Ref returns the reference that cites this chunk.
func (c Chunk) Ref() citation.Ref {
	return citation.Ref{LaptopID: c.LaptopID, Field: c.Field}
}

// ScoredChunk represents a retrieved chunk with a relevance score.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// CriticStats summarizes the sentence-level verification of an answer.
type CriticStats struct {
	Faithfulness         float64 `json:"faithfulness"`
	UnsupportedSentences int     `json:"unsupported_sentences"`
	TotalSentences       int     `json:"total_sentences"`
}

// CriticReview is the verdict produced by the critic for one draft answer.
type CriticReview struct {
	OK            bool        `json:"ok"`
	RevisedAnswer string      `json:"revised_answer"`
	Issues        []string    `json:"issues"`
	Stats         CriticStats `json:"stats"`
}

// AttemptRecord is the append-only log entry written for every generation attempt.
type AttemptRecord struct {
	Timestamp         float64     `json:"ts"`
	RunID             string      `json:"run_id"`
	Query             string      `json:"query"`
	Attempt           int         `json:"attempt"`
	TopK              int         `json:"top_k"`
	LatencyRetrievalS float64     `json:"latency_retrieval_s"`
	LatencyLLMS       float64     `json:"latency_llm_s"`
	CriticOK          bool        `json:"critic_ok"`
	CriticIssues      []string    `json:"critic_issues"`
	CriticStats       CriticStats `json:"critic_stats"`
}

// RetrievedChunk is the persisted form of a ScoredChunk inside a QueryRun.
type RetrievedChunk struct {
	ChunkID  string  `json:"chunk_id"`
	LaptopID string  `json:"laptop_id"`
	Field    string  `json:"field"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// QueryRun is the full record of one answered query. It is never mutated
// after the pipeline returns it.
type QueryRun struct {
	RunID             string           `json:"run_id"`
	Query             string           `json:"query"`
	TopK              int              `json:"top_k"`
	Retrieved         []RetrievedChunk `json:"retrieved"`
	AnswerRaw         string           `json:"answer_raw"`
	AnswerFinal       string           `json:"answer_final"`
	CriticOK          bool             `json:"critic_ok"`
	CriticIssues      []string         `json:"critic_issues"`
	CriticStats       CriticStats      `json:"critic_stats"`
	Attempts          int              `json:"attempts"`
	Model             string           `json:"model,omitempty"`
	LatencyRetrievalS float64          `json:"latency_retrieval_s"`
	LatencyLLMS       float64          `json:"latency_llm_s"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Chunker splits catalog records into citable chunks.
type Chunker interface {
	MakeChunks(record Record, idField string) ([]Chunk, error)
}

// Searcher ranks chunks for a query.
type Searcher interface {
	Search(query string, topK int) []ScoredChunk
}

// Reviewer verifies a draft answer against the evidence it was given.
type Reviewer interface {
	Review(answer string, retrieved []Chunk, claimed []citation.Ref) CriticReview
}

// AttemptSink receives one record per generation attempt.
type AttemptSink interface {
	LogAttempt(ctx context.Context, rec AttemptRecord) error
}

// RunSink receives completed query runs.
type RunSink interface {
	LogRun(ctx context.Context, run QueryRun) error
}
