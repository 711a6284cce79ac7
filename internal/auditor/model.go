package auditor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/synthd/internal/directive"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
)

// GradeFunc records a human grade.
type GradeFunc func(ctx context.Context, g directive.Grade) error

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("45")).Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1)
	footerKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	sparklineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
)

var dimensions = [3]string{"synthesis", "criticality", "voice"}

// Model is the bubbletea audit session.
type Model struct {
	ctx        context.Context
	grade      GradeFunc
	candidates []Candidate
	index      int

	scores   [3]int
	field    int
	critique textinput.Model
	editing  bool
	saving   bool

	recorded int
	skipped  int
	status   string
	err      error
	quitting bool

	history  []float64
	progress progress.Model
	now      func() time.Time
}

// NewModel returns a session over candidates. Judge criticality scores
// seed the trend line.
func NewModel(ctx context.Context, candidates []Candidate, grade GradeFunc) Model {
	ti := textinput.New()
	ti.Placeholder = "optional note for the next run"
	ti.CharLimit = 280
	ti.Width = 60

	var history []float64
	for i := len(candidates) - 1; i >= 0; i-- {
		if j := candidates[i].Judge; j != nil {
			history = append(history, float64(j.Scores.Criticality))
		}
	}

	m := Model{
		ctx:        ctx,
		grade:      grade,
		candidates: candidates,
		critique:   ti,
		history:    history,
		progress:   progress.New(progress.WithGradient("#00ffff", "#ff00ff"), progress.WithWidth(40)),
		now:        time.Now,
	}
	m.resetScores()
	return m
}

// resetScores starts from the judge's scores, or 3 across the board.
func (m *Model) resetScores() {
	m.scores = [3]int{3, 3, 3}
	m.field = 0
	m.critique.SetValue("")
	if c, ok := m.current(); ok && c.Judge != nil {
		m.scores = [3]int{c.Judge.Scores.Synthesis, c.Judge.Scores.Criticality, c.Judge.Scores.Voice}
	}
}

func (m Model) current() (Candidate, bool) {
	if m.index >= len(m.candidates) {
		return Candidate{}, false
	}
	return m.candidates[m.index], true
}

// Recorded returns how many grades were saved.
func (m Model) Recorded() int { return m.recorded }

// Done reports whether every candidate was graded or skipped.
func (m Model) Done() bool { return m.index >= len(m.candidates) }

type gradedMsg struct{ err error }

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		return m.updateKeys(msg)

	case gradedMsg:
		m.saving = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		c, _ := m.current()
		m.history = append(m.history, float64(m.scores[1]))
		m.recorded++
		m.status = fmt.Sprintf("graded %s", c.RunID)
		m.err = nil
		m.index++
		m.resetScores()
		return m, nil
	}
	return m, nil
}

func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter, tea.KeyEsc:
		m.editing = false
		m.critique.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.critique, cmd = m.critique.Update(msg)
	return m, cmd
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}
	if m.Done() || m.saving {
		return m, nil
	}

	switch key {
	case "1", "2", "3", "4", "5":
		m.scores[m.field] = int(key[0] - '0')
	case "tab", "right", "l":
		m.field = (m.field + 1) % len(dimensions)
	case "shift+tab", "left", "h":
		m.field = (m.field + len(dimensions) - 1) % len(dimensions)
	case "c":
		m.editing = true
		cmd := m.critique.Focus()
		return m, cmd
	case "s":
		m.skipped++
		c, _ := m.current()
		m.status = fmt.Sprintf("skipped %s", c.RunID)
		m.index++
		m.resetScores()
	case "enter":
		m.saving = true
		return m, m.submit()
	}
	return m, nil
}

// submit records the current scores as a human grade.
func (m Model) submit() tea.Cmd {
	c, _ := m.current()
	g := directive.Grade{
		RunID:  c.RunID,
		Source: directive.SourceHuman,
		Scores: directive.Scores{
			Synthesis:   m.scores[0],
			Criticality: m.scores[1],
			Voice:       m.scores[2],
		},
		Critique:   strings.TrimSpace(m.critique.Value()),
		RecordedAt: m.now().UTC(),
	}
	ctx, grade := m.ctx, m.grade
	return func() tea.Msg {
		return gradedMsg{err: grade(ctx, g)}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(" synthd Audit ") + "\n")

	total := len(m.candidates)
	ratio := 1.0
	if total > 0 {
		ratio = float64(m.index) / float64(total)
	}
	b.WriteString(labelStyle.Render("Reviewed: ") +
		m.progress.ViewAs(ratio) + " " +
		dimStyle.Render(fmt.Sprintf("%d/%d", m.index, total)) + "\n")

	c, ok := m.current()
	if !ok {
		b.WriteString("\n" + okStyle.Render(fmt.Sprintf("Nothing left to audit. %d graded, %d skipped.", m.recorded, m.skipped)) + "\n")
		b.WriteString(m.footer(false))
		return containerStyle.Render(b.String())
	}

	b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("┃ %s  %s", c.RunID, c.Topic)) + "\n")
	if c.Judge != nil {
		b.WriteString(labelStyle.Render("  Judge: ") + valueStyle.Render(FormatScores(c.Judge.Scores)) + "\n")
		if c.Judge.Critique != "" {
			b.WriteString(labelStyle.Render("  Critique: ") + dimStyle.Render(fmt.Sprintf("%q", c.Judge.Critique)) + "\n")
		}
		if c.Judge.HallucinationWarning {
			b.WriteString("  " + errorStyle.Render("hallucination warning") + "\n")
		}
	} else {
		b.WriteString(dimStyle.Render("  no judge grade") + "\n")
	}
	b.WriteString(labelStyle.Render("  Criticality trend: ") + createSparkline(m.history) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Extract") + "\n")
	b.WriteString(c.Excerpt + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Your grade") + "\n  ")
	for i, d := range dimensions {
		cell := fmt.Sprintf("%s %d", d, m.scores[i])
		if i == m.field {
			cell = selectedStyle.Render(cell)
		} else {
			cell = valueStyle.Render(cell)
		}
		b.WriteString(cell + "   ")
	}
	b.WriteString("\n" + labelStyle.Render("  Note: ") + m.critique.View() + "\n")

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("✗ "+m.err.Error()) + "\n")
	} else if m.status != "" {
		b.WriteString("\n" + okStyle.Render("✓ "+m.status) + "\n")
	}
	b.WriteString(m.footer(true))
	return containerStyle.Render(b.String())
}

func (m Model) footer(active bool) string {
	keys := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ")
	if active {
		keys += footerKeyStyle.Render("[1-5]") + footerStyle.Render(" score  ") +
			footerKeyStyle.Render("[tab]") + footerStyle.Render(" next  ") +
			footerKeyStyle.Render("[c]") + footerStyle.Render(" note  ") +
			footerKeyStyle.Render("[enter]") + footerStyle.Render(" save  ") +
			footerKeyStyle.Render("[s]") + footerStyle.Render(" skip")
	}
	return "\n" + keys
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render("no data")
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

// FormatScores renders scores as "S4 C3 V5".
func FormatScores(s directive.Scores) string {
	return fmt.Sprintf("S%d C%d V%d", s.Synthesis, s.Criticality, s.Voice)
}

// Run shows the audit console until the user quits or every candidate is
// handled. It returns the number of grades recorded.
func Run(ctx context.Context, candidates []Candidate, grade GradeFunc, opts ...tea.ProgramOption) (int, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(NewModel(ctx, candidates, grade), opts...).Run()
	if m, ok := final.(Model); ok {
		return m.Recorded(), err
	}
	return 0, err
}
