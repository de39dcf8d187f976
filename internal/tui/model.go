package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"laptoprag/internal/critic"
	"laptoprag/internal/domain"
	"laptoprag/internal/index"
)

// Answerer is the TUI-facing subset of the pipeline.
type Answerer interface {
	Run(ctx context.Context, query string) (*domain.QueryRun, error)
}

type runFinishedMsg struct {
	query string
	run   *domain.QueryRun
	err   error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	ctx       context.Context
	answerer  Answerer
	input     textinput.Model
	viewport  viewport.Model
	run       *domain.QueryRun
	summary   string
	status    string
	cursor    int
	ready     bool
	busy      bool
	lastQuery string
}

// New creates a new TUI model instance. summary is shown under the title.
func New(ctx context.Context, answerer Answerer, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Pregunta sobre el catálogo y presiona Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{ctx: ctx, answerer: answerer, input: ti, viewport: vp, summary: summary, status: "Index loaded. Type a question."}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		run, err := m.answerer.Run(m.ctx, q)
		return runFinishedMsg{query: q, run: run, err: err}
	}
}

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, summary, status, spacer
		vh := max(3, msg.Height-reserved)
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrent())
		return m, nil
	case runFinishedMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.run = nil
		} else {
			m.run = msg.run
			m.cursor = 0
			m.lastQuery = msg.query
			m.status = fmt.Sprintf("%q answered in %d attempt(s)", msg.query, msg.run.Attempts)
		}
		m.viewport.SetContent(m.renderCurrent())
		m.viewport.GotoTop()
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.busy {
				m.busy = true
				m.status = fmt.Sprintf("Answering %q...", q)
				return m, m.ask(q)
			}
		case "down":
			if n := m.evidenceLen(); n > 0 {
				m.cursor = (m.cursor + 1) % n
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		case "up":
			if n := m.evidenceLen(); n > 0 {
				m.cursor = (m.cursor - 1 + n) % n
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) evidenceLen() int {
	if m.run == nil {
		return 0
	}
	return len(m.run.Retrieved)
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Laptop Catalog QA")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderCurrent() string {
	if m.run == nil {
		return "No answer yet."
	}
	var b strings.Builder
	verdict := okStyle.Render("verified")
	if !m.run.CriticOK {
		verdict = failStyle.Render("not verified")
	}
	fmt.Fprintf(&b, "%s  faithfulness=%.2f  sentences=%d/%d\n\n",
		verdict, m.run.CriticStats.Faithfulness,
		m.run.CriticStats.TotalSentences-m.run.CriticStats.UnsupportedSentences, m.run.CriticStats.TotalSentences)
	b.WriteString(m.run.AnswerFinal)
	b.WriteString("\n")
	for _, issue := range m.run.CriticIssues {
		b.WriteString(issueStyle.Render("  - " + issue))
		b.WriteString("\n")
	}
	if len(m.run.Retrieved) == 0 {
		b.WriteString("\nNo evidence retrieved.")
		return b.String()
	}
	r := m.run.Retrieved[m.cursor]
	fmt.Fprintf(&b, "\nEvidence %d/%d  [%s:%s]  score=%.3f\n\n", m.cursor+1, len(m.run.Retrieved), r.LaptopID, r.Field, r.Score)
	b.WriteString(highlightBestSentence(r.Text, m.lastQuery))
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	issueStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := critic.SplitSentences(text)
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 || len(sentences) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	sentences[bestIdx] = highlightStyle.Render(sentences[bestIdx])
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := index.Tokenize(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	for t := range toTokenSet(sentence) {
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
