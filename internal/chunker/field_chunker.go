package chunker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
)

const (
	DefaultMinTokens = 50
	DefaultMaxTokens = 120

	// extendStep is how many words a too-short window grows by at a time.
	extendStep = 10
)

// ErrMissingID is returned when a record has no usable identifier.
var ErrMissingID = errors.New("record has no identifier")

// Options configures the token window of emitted chunks. Tokens are
// whitespace-separated words.
type Options struct {
	MinTokens int
	MaxTokens int
}

// DefaultOptions returns the default chunk window.
func DefaultOptions() Options {
	return Options{MinTokens: DefaultMinTokens, MaxTokens: DefaultMaxTokens}
}

// FieldChunker splits every non-identifier field of a record into word
// windows prefixed with the field name.
type FieldChunker struct {
	opts Options
}

func NewFieldChunker(opts Options) *FieldChunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MinTokens < 0 {
		opts.MinTokens = 0
	}
	return &FieldChunker{opts: opts}
}

// MakeChunks emits chunks in field order, then window order within a field.
func (c *FieldChunker) MakeChunks(record domain.Record, idField string) ([]domain.Chunk, error) {
	rawID, ok := record.Get(idField)
	laptopID := strings.TrimSpace(rawID)
	if !ok || laptopID == "" {
		return nil, fmt.Errorf("%w: field %q", ErrMissingID, idField)
	}
	if err := citation.CheckComponent(laptopID); err != nil {
		return nil, fmt.Errorf("laptop id: %w", err)
	}
	var chunks []domain.Chunk
	idx := 0
	for _, f := range record.Fields {
		if f.Name == idField {
			continue
		}
		field := strings.TrimSpace(f.Name)
		words := strings.Fields(f.Value)
		if field == "" || len(words) == 0 {
			continue
		}
		if err := citation.CheckComponent(field); err != nil {
			return nil, fmt.Errorf("laptop %s: field name: %w", laptopID, err)
		}
		cite := citation.Ref{LaptopID: laptopID, Field: field}.String()
		for _, text := range c.windows(field, words) {
			chunks = append(chunks, domain.Chunk{
				ChunkID:   laptopID + "_" + strconv.Itoa(idx),
				LaptopID:  laptopID,
				Field:     field,
				Text:      text,
				Citations: []string{cite},
			})
			idx++
		}
	}
	return chunks, nil
}

// windows renders consecutive windows of at most MaxTokens words. A window
// whose rendered text falls below MinTokens grows while words remain.
func (c *FieldChunker) windows(prefix string, words []string) []string {
	var out []string
	i := 0
	for i < len(words) {
		j := min(len(words), i+c.opts.MaxTokens)
		text := render(prefix, words[i:j])
		for countTokens(text) < c.opts.MinTokens && j < len(words) {
			j = min(len(words), j+extendStep)
			text = render(prefix, words[i:j])
		}
		out = append(out, text)
		i = j
	}
	return out
}

func render(prefix string, words []string) string {
	return prefix + ": " + strings.Join(words, " ")
}

func countTokens(text string) int {
	return max(1, len(strings.Fields(text)))
}

// ChunkAll chunks every record in order and fails on the first bad record.
func ChunkAll(c domain.Chunker, records []domain.Record, idField string) ([]domain.Chunk, error) {
	var all []domain.Chunk
	for i, r := range records {
		chunks, err := c.MakeChunks(r, idField)
		if err != nil {
			return nil, fmt.Errorf("chunker: record %d: %w", i, err)
		}
		all = append(all, chunks...)
	}
	return all, nil
}
