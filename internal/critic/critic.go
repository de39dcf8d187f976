// Package critic verifies that every sentence of a generated answer is cited,
// that citations point at retrieved evidence, and that the cited evidence
// lexically supports the sentence.
package critic

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
)

// Fallback is the answer returned when no sentence survives verification.
const Fallback = "No hay evidencia suficiente en los datos para responder."

const (
	DefaultMinTokenLen       = 4
	DefaultMinHits           = 2
	DefaultMaxSentenceTokens = 12
)

// Options configures the evidence overlap heuristic.
type Options struct {
	// MinTokenLen is the minimum rune length of a distinguishing token.
	MinTokenLen int
	// MinHits is how many distinguishing tokens must appear in the evidence.
	MinHits int
	// MaxSentenceTokens caps how many distinguishing tokens of a sentence are checked.
	MaxSentenceTokens int
}

func DefaultOptions() Options {
	return Options{
		MinTokenLen:       DefaultMinTokenLen,
		MinHits:           DefaultMinHits,
		MaxSentenceTokens: DefaultMaxSentenceTokens,
	}
}

// Critic is stateless and safe for concurrent use.
type Critic struct {
	opts Options
}

func New(opts Options) *Critic {
	def := DefaultOptions()
	if opts.MinTokenLen <= 0 {
		opts.MinTokenLen = def.MinTokenLen
	}
	if opts.MinHits <= 0 {
		opts.MinHits = def.MinHits
	}
	if opts.MaxSentenceTokens <= 0 {
		opts.MaxSentenceTokens = def.MaxSentenceTokens
	}
	return &Critic{opts: opts}
}

type unsupported struct {
	index  int
	reason string
}

// Review checks answer against the chunks retrieved for this attempt. claimed
// holds the citations the generator reported alongside the answer.
func (c *Critic) Review(answer string, retrieved []domain.Chunk, claimed []citation.Ref) domain.CriticReview {
	evidence := make(map[citation.Ref][]map[string]struct{})
	for _, ch := range retrieved {
		ref := ch.Ref()
		if strings.TrimSpace(ref.LaptopID) == "" || strings.TrimSpace(ref.Field) == "" {
			continue
		}
		evidence[ref] = append(evidence[ref], tokenSet(ch.Text))
	}

	var issues []string
	allCites := citation.Extract(answer)
	if len(allCites) == 0 {
		issues = append(issues, "no citations found in the answer (expected [laptop_id:field])")
	}

	sentences := SplitSentences(answer)
	supported := make([]bool, len(sentences))
	var bad []unsupported
	for i, s := range sentences {
		ok, reason := c.checkSentence(s, evidence)
		supported[i] = ok
		if !ok {
			bad = append(bad, unsupported{index: i, reason: reason})
		}
	}

	total := len(sentences)
	faithfulness := 0.0
	if total > 0 {
		faithfulness = float64(total-len(bad)) / float64(total)
	}
	stats := domain.CriticStats{
		Faithfulness:         faithfulness,
		UnsupportedSentences: len(bad),
		TotalSentences:       total,
	}

	if faithfulness == 1.0 && len(allCites) > 0 {
		return domain.CriticReview{OK: true, RevisedAnswer: answer, Issues: []string{}, Stats: stats}
	}

	if faithfulness < 1.0 {
		issues = append(issues, "some sentences are not supported by the retrieved chunks")
	}
	for _, u := range bad {
		issues = append(issues, fmt.Sprintf("%d: %s", u.index, u.reason))
	}
	return domain.CriticReview{
		OK:            false,
		RevisedAnswer: prune(sentences, supported, claimed),
		Issues:        issues,
		Stats:         stats,
	}
}

func (c *Critic) checkSentence(s string, evidence map[citation.Ref][]map[string]struct{}) (bool, string) {
	cites := citation.Extract(s)
	if len(cites) == 0 {
		return false, "sentence has no citation"
	}
	var invalid []string
	for _, ref := range cites {
		if _, ok := evidence[ref]; !ok {
			invalid = append(invalid, ref.String())
		}
	}
	if len(invalid) > 0 {
		return false, fmt.Sprintf("citations not among retrieved chunks: %s", strings.Join(invalid, ", "))
	}
	keys := c.keywords(citation.Strip(s))
	for _, ref := range cites {
		for _, ev := range evidence[ref] {
			if hits(keys, ev) >= c.opts.MinHits {
				return true, ""
			}
		}
	}
	return false, "cited but not supported by the retrieved text"
}

// keywords returns the first MaxSentenceTokens distinguishing tokens of s.
func (c *Critic) keywords(s string) []string {
	var out []string
	for _, tok := range strings.Fields(normalize(s)) {
		if utf8.RuneCountInString(tok) < c.opts.MinTokenLen {
			continue
		}
		out = append(out, tok)
		if len(out) == c.opts.MaxSentenceTokens {
			break
		}
	}
	return out
}

func hits(keys []string, evidence map[string]struct{}) int {
	n := 0
	for _, k := range keys {
		if _, ok := evidence[k]; ok {
			n++
		}
	}
	return n
}

func prune(sentences []string, supported []bool, claimed []citation.Ref) string {
	var kept []string
	for i, s := range sentences {
		if supported[i] {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return Fallback
	}
	revised := strings.TrimSpace(strings.Join(kept, " "))
	if !citation.HasBracket(revised) && len(claimed) > 0 {
		revised += " " + citation.JoinBracketed(claimed)
	}
	return revised
}

// SplitSentences breaks text after '.', '!' or '?' when followed by
// whitespace. Text without such a boundary is a single sentence.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	prevTerminal := false
	for i, r := range text {
		if unicode.IsSpace(r) && prevTerminal {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i
		}
		prevTerminal = r == '.' || r == '!' || r == '?'
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// normalize lowercases, folds diacritics and blanks everything that is not a
// letter, digit or space.
func normalize(s string) string {
	// transform chains carry state, so each call builds its own.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, folded)
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(normalize(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
