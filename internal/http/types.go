package http

import (
	"time"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RunSummary is one entry of GET /api/v1/runs.
type RunSummary struct {
	ID          string            `json:"id"`
	BatchID     string            `json:"batch_id"`
	Topic       string            `json:"topic,omitempty"`
	Status      checkpoint.Status `json:"status"`
	Stages      int               `json:"stages"`
	FailedStage synth.Stage       `json:"failed_stage,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// GapsResponse is the response body for GET /api/v1/gaps.
type GapsResponse struct {
	Gaps  []knowledge.Claim `json:"gaps"`
	Stats knowledge.Stats   `json:"stats"`
}

// ConflictsResponse is the response body for GET /api/v1/conflicts.
type ConflictsResponse struct {
	Conflicts []knowledge.ConflictRecord `json:"conflicts"`
}

// DirectivesResponse is the response body for GET /api/v1/directives.
type DirectivesResponse struct {
	Directives []directive.Directive `json:"directives"`
}

// GradeRequest is the request body for POST /api/v1/runs/:id/grade.
type GradeRequest struct {
	Synthesis   int    `json:"synthesis"`
	Criticality int    `json:"criticality"`
	Voice       int    `json:"voice"`
	Critique    string `json:"critique"`
}

// GradeResponse is the response body for a recorded grade.
type GradeResponse struct {
	Grade      directive.Grade       `json:"grade"`
	Directives []directive.Directive `json:"directives"`
}

func summarize(rec *checkpoint.RunRecord) RunSummary {
	return RunSummary{
		ID:          rec.ID.String(),
		BatchID:     rec.BatchID,
		Topic:       rec.Topic,
		Status:      rec.Status,
		Stages:      len(rec.Stages),
		FailedStage: rec.FailedStage,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
}
