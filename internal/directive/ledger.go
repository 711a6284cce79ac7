// Package directive turns run grades into standing instructions for later
// runs.
//
// The Ledger is append-only: directives are never removed, only retired.
// The one exception is Withdraw, which undoes the grade of a run that
// failed to commit.
// A directive issued from a grade of run N is visible to runs N+1 onward.
package directive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/synth"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	instrCriticalityUrgent  = "Your critical analysis is failing. Explicitly discuss study limitations (sample size, design flaws) and contradictions."
	instrCriticalityKeep    = "Your criticality score has been volatile. Consistently challenge findings to maintain high scores."
	instrCriticalitySharpen = "Continue to sharpen your critique. Do not just list findings; challenge them."
	instrSynthesis          = "Stop listing papers sequentially. Group findings by CONCEPT or MECHANISM."
	instrVoice              = "Write in an authoritative, precise editorial voice."
)

// Ledger stores grades and the directives derived from them.
type Ledger struct {
	mu         sync.RWMutex
	directives []Directive
	grades     []Grade
	th         Thresholds
	logger     *zap.Logger
	now        func() time.Time
}

// NewLedger returns an empty ledger. Zero thresholds fall back to
// DefaultThresholds.
func NewLedger(th Thresholds, logger *zap.Logger) *Ledger {
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	if th.Window < 1 {
		th.Window = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{th: th, logger: logger, now: time.Now}
}

// RecordGrade stores g and appends any directives it triggers. A second
// grade for the same run and source returns ErrDuplicateGrade.
func (l *Ledger) RecordGrade(ctx context.Context, g Grade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.RunID <= 0 {
		return fmt.Errorf("%w: run id %d", ErrInvalidGrade, g.RunID)
	}
	if g.Source != SourceJudge && g.Source != SourceHuman {
		return fmt.Errorf("%w: source %q", ErrInvalidGrade, g.Source)
	}
	if err := g.Scores.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, prev := range l.grades {
		if prev.RunID == g.RunID && prev.Source == g.Source {
			return fmt.Errorf("%w: %s from %s", ErrDuplicateGrade, g.RunID, g.Source)
		}
	}
	if g.RecordedAt.IsZero() {
		g.RecordedAt = l.now().UTC()
	}
	l.grades = append(l.grades, g)
	gradesTotal.WithLabelValues(string(g.Source)).Inc()

	window := l.grades
	if len(window) > l.th.Window {
		window = window[len(window)-l.th.Window:]
	}
	issued := l.evaluate(g, window)
	for _, d := range issued {
		directivesTotal.WithLabelValues(string(d.Severity)).Inc()
		l.logger.Info("directive issued",
			zap.String("id", d.ID),
			zap.String("dimension", string(d.Dimension)),
			zap.String("severity", string(d.Severity)),
			zap.Stringer("origin_run", d.OriginRun),
		)
	}
	l.directives = append(l.directives, issued...)
	return nil
}

// evaluate applies the grading rules to the current grade and its window.
func (l *Ledger) evaluate(g Grade, window []Grade) []Directive {
	var out []Directive
	add := func(dim Dimension, sev Severity, instr string) {
		out = append(out, Directive{
			ID:          uuid.NewString(),
			Dimension:   dim,
			Severity:    sev,
			Instruction: instr,
			OriginRun:   g.RunID,
			Source:      g.Source,
			CreatedAt:   g.RecordedAt,
		})
	}

	lowCriticality := false
	for _, w := range window {
		if w.Scores.Criticality < l.th.Criticality {
			lowCriticality = true
			break
		}
	}
	if lowCriticality {
		if g.Scores.Criticality < l.th.Urgent {
			add(DimensionCriticality, SeverityUrgent, instrCriticalityUrgent)
		} else {
			add(DimensionCriticality, SeverityMaintenance, instrCriticalityKeep)
		}
	} else if g.Scores.Criticality < 5 {
		add(DimensionCriticality, SeverityNote, instrCriticalitySharpen)
	}
	if g.Scores.Synthesis < l.th.Synthesis {
		add(DimensionSynthesis, SeverityUrgent, instrSynthesis)
	}
	if g.Scores.Voice < l.th.Voice {
		add(DimensionVoice, SeverityMaintenance, instrVoice)
	}
	if critique := strings.TrimSpace(g.Critique); len(out) > 0 && critique != "" {
		add(DimensionCritique, SeverityNote, fmt.Sprintf("Editor's note: %q. Address this in the current draft.", critique))
	}
	return out
}

// Withdraw removes the grade for run from source together with the
// directives it issued. It undoes a RecordGrade whose run could not be
// committed, and returns ErrNotFound when there is no such grade.
func (l *Ledger) Withdraw(ctx context.Context, run synth.RunID, source Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, g := range l.grades {
		if g.RunID == run && g.Source == source {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: grade for %s from %s", ErrNotFound, run, source)
	}
	l.grades = append(l.grades[:idx], l.grades[idx+1:]...)

	kept := l.directives[:0]
	for _, d := range l.directives {
		if d.OriginRun == run && d.Source == source {
			continue
		}
		kept = append(kept, d)
	}
	l.directives = kept
	l.logger.Info("grade withdrawn", zap.Stringer("run", run), zap.String("source", string(source)))
	return nil
}

// ActiveDirectives returns non-retired directives that originate from runs
// before current, newest origin first and then in ledger order.
func (l *Ledger) ActiveDirectives(ctx context.Context, current synth.RunID) []Directive {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Directive, 0)
	for _, d := range l.directives {
		if d.Retired || d.OriginRun >= current {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OriginRun > out[j].OriginRun })
	return out
}

// Directives returns the whole ledger in write order, retired entries
// included.
func (l *Ledger) Directives(ctx context.Context) []Directive {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Directive{}, l.directives...)
}

// Retire stops a directive from being active. Retiring twice is a no-op.
func (l *Ledger) Retire(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.directives {
		d := &l.directives[i]
		if d.ID != id {
			continue
		}
		if !d.Retired {
			at := l.now().UTC()
			d.Retired = true
			d.RetiredAt = &at
			l.logger.Info("directive retired", zap.String("id", id))
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Grades returns every recorded grade in order.
func (l *Ledger) Grades(ctx context.Context) []Grade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Grade{}, l.grades...)
}

// Format renders directives as a prompt block. It returns "" for none.
func Format(ds []Directive) string {
	if len(ds) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Directives from the senior editor (based on performance history):\n")
	for _, d := range ds {
		fmt.Fprintf(&b, "- [%s] %s\n", strings.ToUpper(string(d.Severity)), d.Instruction)
	}
	return b.String()
}
