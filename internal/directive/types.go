package directive

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// Severity ranks how strongly a directive should steer the next run.
type Severity string

const (
	SeverityUrgent      Severity = "urgent"
	SeverityMaintenance Severity = "maintenance"
	SeverityNote        Severity = "note"
)

// Dimension is the quality axis a directive addresses.
type Dimension string

const (
	DimensionCriticality Dimension = "criticality"
	DimensionSynthesis   Dimension = "synthesis"
	DimensionVoice       Dimension = "voice"
	DimensionCritique    Dimension = "critique"
)

// Source identifies who produced a grade.
type Source string

const (
	SourceJudge Source = "judge"
	SourceHuman Source = "human"
)

// Scores are 1..5 ratings of a publication.
type Scores struct {
	Synthesis   int `json:"synthesis"`
	Criticality int `json:"criticality"`
	Voice       int `json:"voice"`
}

func (s Scores) validate() error {
	for name, v := range map[string]int{
		"synthesis":   s.Synthesis,
		"criticality": s.Criticality,
		"voice":       s.Voice,
	} {
		if v < 1 || v > 5 {
			return fmt.Errorf("%w: %s score %d outside 1..5", ErrInvalidGrade, name, v)
		}
	}
	return nil
}

// Grade is one assessment of a completed run.
type Grade struct {
	RunID                synth.RunID `json:"run_id"`
	Source               Source      `json:"source"`
	Scores               Scores      `json:"scores"`
	Critique             string      `json:"critique,omitempty"`
	HallucinationWarning bool        `json:"hallucination_warning"`
	RecordedAt           time.Time   `json:"recorded_at"`
}

// Directive is a standing instruction derived from grades. It applies to
// every run after OriginRun until retired.
type Directive struct {
	ID          string      `json:"id"`
	Dimension   Dimension   `json:"dimension"`
	Severity    Severity    `json:"severity"`
	Instruction string      `json:"instruction"`
	OriginRun   synth.RunID `json:"origin_run"`
	Source      Source      `json:"source,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Retired     bool        `json:"retired"`
	RetiredAt   *time.Time  `json:"retired_at,omitempty"`
}

// Thresholds drive RecordGrade. A score strictly below a threshold fires
// the matching rule.
type Thresholds struct {
	Criticality int
	Urgent      int
	Synthesis   int
	Voice       int
	Window      int
}

// DefaultThresholds returns criticality 4, urgent 3, synthesis 3, voice 3
// over the last three grades.
func DefaultThresholds() Thresholds {
	return Thresholds{Criticality: 4, Urgent: 3, Synthesis: 3, Voice: 3, Window: 3}
}
