package generator

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"laptoprag/internal/citation"
	"laptoprag/internal/domain"
)

const (
	// MaxContextChars bounds the evidence block of the prompt.
	MaxContextChars = 6000
	// MaxCitations bounds how many claimed citations are kept from a reply.
	MaxCitations = 10
)

const baseRules = `Reglas obligatorias:
- Responde en español.
- Si la evidencia no es suficiente, di exactamente:
  "` + InsufficientEvidence + `"
- Respuesta máxima: 120 palabras.
- NO inventes especificaciones ni supongas datos no presentes.
- CADA oración debe tener al menos una cita.
- Usa citas en el formato exacto: [laptop_id:campo]
- Devuelve SOLO JSON válido con esta estructura EXACTA:
{
  "answer": "texto de la respuesta con citas [laptop_id:campo]",
  "citations": ["laptop_id:campo", "laptop_id:campo"]
}`

// StrictRules are appended on retry attempts after a failed review.
const StrictRules = `- Verifica que cada oración tenga cita(s) [laptop_id:campo].
- Si una oración no puede sostenerse con evidencia explícita, elimínala.
- Prioriza 2-4 hechos bien citados (evita listas largas).`

// BuildContext renders evidence as "[id:field] text" lines, stopping before
// the block would exceed maxChars.
func BuildContext(evidence []domain.Chunk, maxChars int) string {
	var lines []string
	total := 0
	for _, ch := range evidence {
		tag := ch.LaptopID
		if ch.LaptopID != "" && ch.Field != "" {
			tag = ch.Ref().String()
		}
		line := fmt.Sprintf("[%s] %s", tag, strings.TrimSpace(ch.Text))
		total += len(line)
		if maxChars > 0 && total > maxChars {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt renders the full instruction prompt for req.
func BuildPrompt(req Request) string {
	rules := baseRules
	if extra := strings.TrimSpace(req.ExtraRules); extra != "" {
		rules += "\n\nReglas adicionales:\n" + extra
	}
	var b strings.Builder
	b.WriteString("Eres un asistente experto en laptops. Responde SOLO usando la evidencia dada.\n\n")
	b.WriteString(rules)
	b.WriteString("\n\nPregunta:\n")
	b.WriteString(strings.TrimSpace(req.Question))
	b.WriteString("\n\nEvidencia:\n")
	b.WriteString(BuildContext(req.Evidence, MaxContextChars))
	b.WriteString("\n\nJSON:")
	return b.String()
}

// ParseReply extracts the answer and claimed citations from a raw model
// reply. The reply is expected to hold a JSON object, possibly wrapped in
// prose or code fences; otherwise the raw text is the answer. Citations are
// kept only if they parse and, when evidence is given, cite it.
func ParseReply(raw string, evidence []domain.Chunk) (string, []citation.Ref) {
	raw = strings.TrimSpace(raw)
	answer := raw
	var claimed []string
	if obj := jsonObject(raw); obj != "" {
		if a := gjson.Get(obj, "answer"); a.Exists() {
			answer = a.String()
		}
		if c := gjson.Get(obj, "citations"); c.IsArray() {
			for _, item := range c.Array() {
				claimed = append(claimed, item.String())
			}
		}
	}

	allowed := citation.NewSet(AllowedRefs(evidence)...)
	var refs []citation.Ref
	for _, s := range claimed {
		ref, err := citation.Parse(s)
		if err != nil {
			continue
		}
		if len(allowed) > 0 && !allowed.Has(ref) {
			continue
		}
		refs = append(refs, ref)
		if len(refs) == MaxCitations {
			break
		}
	}

	answer = strings.TrimSpace(answer)
	if len(refs) > 0 && !citation.HasBracket(answer) {
		answer += " " + citation.JoinBracketed(refs)
	}
	return answer, refs
}

// jsonObject returns the outermost {...} span of s when it is valid JSON.
func jsonObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	obj := s[start : end+1]
	if !gjson.Valid(obj) {
		return ""
	}
	return obj
}

// TruncateWords keeps at most maxWords whitespace-separated words.
func TruncateWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if maxWords <= 0 || len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ")
}

// FilterCitations keeps the citations that reference the given evidence,
// dropping duplicates.
func FilterCitations(refs []citation.Ref, evidence []domain.Chunk) []citation.Ref {
	allowed := citation.NewSet(AllowedRefs(evidence)...)
	seen := citation.NewSet()
	var out []citation.Ref
	for _, r := range refs {
		if !allowed.Has(r) || seen.Has(r) {
			continue
		}
		seen.Add(r)
		out = append(out, r)
	}
	return out
}
