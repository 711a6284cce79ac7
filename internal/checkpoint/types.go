package checkpoint

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// NoFindingsText is the payload text of a stage that produced nothing.
const NoFindingsText = "no findings"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Summary is the ingestion digest of one document.
type Summary struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// Payload is what a stage produced. Only the fields relevant to the stage
// are set.
type Payload struct {
	Text       string               `json:"text"`
	Summaries  []Summary            `json:"summaries,omitempty"`
	Claims     []knowledge.Claim    `json:"claims,omitempty"`
	Protocols  []knowledge.Protocol `json:"protocols,omitempty"`
	Grade      *directive.Grade     `json:"grade,omitempty"`
	NoFindings bool                 `json:"no_findings"`
}

// NoFindings returns the payload of a stage that produced nothing.
func NoFindings() Payload {
	return Payload{Text: NoFindingsText, NoFindings: true}
}

// IsEmpty reports whether p carries no text and no structured items.
func (p Payload) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" &&
		len(p.Summaries) == 0 &&
		len(p.Claims) == 0 &&
		len(p.Protocols) == 0 &&
		p.Grade == nil
}

// StageOutput is the result of one successful stage.
type StageOutput struct {
	ID         string      `json:"id"`
	RunID      synth.RunID `json:"run_id"`
	BatchID    string      `json:"batch_id"`
	Stage      synth.Stage `json:"stage"`
	ProducedBy synth.Role  `json:"produced_by"`
	Payload    Payload     `json:"payload"`
	Attempts   int         `json:"attempts"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RunRecord is the persisted state of one run.
type RunRecord struct {
	ID                synth.RunID   `json:"id"`
	BatchID           string        `json:"batch_id"`
	DocumentIDs       []string      `json:"document_ids"`
	Topic             string        `json:"topic,omitempty"`
	Status            Status        `json:"status"`
	Stages            []StageOutput `json:"stages"`
	FailedStage       synth.Stage   `json:"failed_stage,omitempty"`
	Attempts          int           `json:"attempts,omitempty"`
	Error             string        `json:"error,omitempty"`
	DirectivesApplied []string      `json:"directives_applied,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
}

// NextStage returns the stage that follows the recorded outputs.
func (r *RunRecord) NextStage() (synth.Stage, bool) {
	all := synth.AllStages()
	if len(r.Stages) >= len(all) {
		return "", false
	}
	return all[len(r.Stages)], true
}

// CanTransition reports whether next may be appended: the run is still
// running and next is exactly the stage after the last recorded one.
func (r *RunRecord) CanTransition(next synth.Stage) bool {
	if r.Status != StatusRunning {
		return false
	}
	want, ok := r.NextStage()
	return ok && want == next
}

// Output returns the recorded output of stage.
func (r *RunRecord) Output(stage synth.Stage) (StageOutput, bool) {
	for _, o := range r.Stages {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutput{}, false
}

// Publication returns the publication stage text, if recorded.
func (r *RunRecord) Publication() (string, bool) {
	o, ok := r.Output(synth.StagePublication)
	if !ok || o.Payload.NoFindings {
		return "", false
	}
	return o.Payload.Text, true
}

// Clone returns a deep enough copy for handing to readers.
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	c.DocumentIDs = append([]string(nil), r.DocumentIDs...)
	c.Stages = append([]StageOutput(nil), r.Stages...)
	c.DirectivesApplied = append([]string(nil), r.DirectivesApplied...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ListRequest filters List.
type ListRequest struct {
	Status Status
	Limit  int
}
