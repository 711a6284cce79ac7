// Package auditor is the console for human grading of finished runs.
//
// Human grades go through the same directive ledger as judge grades, so a
// reviewer who disagrees with the judge steers the next run directly.
package auditor

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

const excerptLimit = 1000

// Candidate is a completed run awaiting a human grade.
type Candidate struct {
	RunID   synth.RunID
	Topic   string
	Excerpt string
	Judge   *directive.Grade
}

// Runs lists run records.
type Runs interface {
	List(ctx context.Context, req *checkpoint.ListRequest) ([]*checkpoint.RunRecord, error)
}

// Candidates returns completed runs with a publication that no human has
// graded yet, newest first, at most limit of them (zero means all).
func Candidates(ctx context.Context, runs Runs, grades []directive.Grade, limit int) ([]Candidate, error) {
	recs, err := runs.List(ctx, &checkpoint.ListRequest{Status: checkpoint.StatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("listing completed runs: %w", err)
	}

	human := make(map[synth.RunID]bool)
	judge := make(map[synth.RunID]directive.Grade)
	for _, g := range grades {
		switch g.Source {
		case directive.SourceHuman:
			human[g.RunID] = true
		case directive.SourceJudge:
			judge[g.RunID] = g
		}
	}

	var out []Candidate
	for _, rec := range recs {
		if human[rec.ID] {
			continue
		}
		text, ok := rec.Publication()
		if !ok {
			continue
		}
		c := Candidate{RunID: rec.ID, Topic: rec.Topic, Excerpt: Excerpt(text, excerptLimit)}
		if g, ok := judge[rec.ID]; ok {
			c.Judge = &g
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Excerpt returns up to limit runes of text, starting at the critical
// analysis section when there is one.
func Excerpt(text string, limit int) string {
	if i := strings.Index(strings.ToLower(text), "critical analysis"); i >= 0 {
		text = text[i:]
	}
	r := []rune(text)
	if len(r) <= limit {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(string(r[:limit])) + "\n...[truncated]"
}
