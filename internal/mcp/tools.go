package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

const defaultRunLimit = 20

func (s *Server) registerTools() error {
	s.registerRunTools()
	s.registerKnowledgeTools()
	s.registerDirectiveTools()
	s.registerSearchTool()
	return nil
}

// addTool registers a tool with the SDK and the discovery catalog.
func addTool[In, Out any](s *Server, meta ToolMetadata, h func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error)) {
	s.registry.Register(&meta)
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{Name: name, Description: meta.Description},
		func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
			done := s.metrics.track(ctx, name)
			res, out, err := h(ctx, req, args)
			done(err)
			if err != nil {
				s.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
			}
			return res, out, err
		})
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}}}
}

// ===== RUN TOOLS =====

type listRunsInput struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status: running, completed or failed"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum runs to return (default 20)"`
}

type runSummary struct {
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

type listRunsOutput struct {
	Runs  []runSummary `json:"runs"`
	Count int          `json:"count"`
}

func summarize(rec *checkpoint.RunRecord) runSummary {
	return runSummary{
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

type getRunInput struct {
	RunID string `json:"run_id" jsonschema:"Run identifier, e.g. run-000042 or 42"`
}

type stageInfo struct {
	Stage      synth.Stage `json:"stage"`
	ProducedBy synth.Role  `json:"produced_by"`
	Attempts   int         `json:"attempts"`
	NoFindings bool        `json:"no_findings"`
	Claims     int         `json:"claims,omitempty"`
	Protocols  int         `json:"protocols,omitempty"`
}

type getRunOutput struct {
	Run               runSummary       `json:"run"`
	DocumentIDs       []string         `json:"document_ids"`
	StageOutputs      []stageInfo      `json:"stage_outputs"`
	DirectivesApplied []string         `json:"directives_applied,omitempty"`
	Publication       string           `json:"publication,omitempty"`
	Redacted          bool             `json:"redacted"`
	Grade             *directive.Grade `json:"grade,omitempty"`
}

func (s *Server) registerRunTools() {
	addTool(s, ToolMetadata{
		Name:        "list_runs",
		Description: "List synthesis runs, newest first, optionally filtered by status.",
		Category:    CategoryRuns,
		Keywords:    []string{"history", "pipeline", "status"},
	}, s.listRuns)

	addTool(s, ToolMetadata{
		Name:        "get_run",
		Description: "Get one run with its stage outputs, published text and judge grade.",
		Category:    CategoryRuns,
		Keywords:    []string{"publication", "report", "stages"},
	}, s.getRun)
}

func (s *Server) listRuns(ctx context.Context, _ *mcp.CallToolRequest, args listRunsInput) (*mcp.CallToolResult, listRunsOutput, error) {
	status := checkpoint.Status(strings.TrimSpace(args.Status))
	switch status {
	case "", checkpoint.StatusRunning, checkpoint.StatusCompleted, checkpoint.StatusFailed:
	default:
		return nil, listRunsOutput{}, fmt.Errorf("invalid status %q", args.Status)
	}
	if args.Limit < 0 {
		return nil, listRunsOutput{}, fmt.Errorf("invalid limit %d", args.Limit)
	}
	limit := args.Limit
	if limit == 0 {
		limit = defaultRunLimit
	}

	recs, err := s.deps.Runs.List(ctx, &checkpoint.ListRequest{Status: status, Limit: limit})
	if err != nil {
		return nil, listRunsOutput{}, fmt.Errorf("list runs: %w", err)
	}
	out := listRunsOutput{Runs: make([]runSummary, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		out.Runs = append(out.Runs, summarize(rec))
	}
	return textResult("Found %d runs", out.Count), out, nil
}

func (s *Server) getRun(ctx context.Context, _ *mcp.CallToolRequest, args getRunInput) (*mcp.CallToolResult, getRunOutput, error) {
	id, err := synth.ParseRunID(args.RunID)
	if err != nil {
		return nil, getRunOutput{}, fmt.Errorf("invalid run_id: %w", err)
	}
	rec, err := s.deps.Runs.Get(ctx, id)
	if err != nil {
		return nil, getRunOutput{}, fmt.Errorf("get %s: %w", id, err)
	}

	out := getRunOutput{
		Run:               summarize(rec),
		DocumentIDs:       rec.DocumentIDs,
		StageOutputs:      make([]stageInfo, 0, len(rec.Stages)),
		DirectivesApplied: rec.DirectivesApplied,
	}
	for _, o := range rec.Stages {
		out.StageOutputs = append(out.StageOutputs, stageInfo{
			Stage:      o.Stage,
			ProducedBy: o.ProducedBy,
			Attempts:   o.Attempts,
			NoFindings: o.Payload.NoFindings,
			Claims:     len(o.Payload.Claims),
			Protocols:  len(o.Payload.Protocols),
		})
	}
	if text, ok := rec.Publication(); ok {
		res := s.scrubber.Scrub(text)
		out.Publication = res.Scrubbed
		out.Redacted = res.HasFindings()
		if out.Redacted {
			s.logger.Warn("publication redacted", zap.Stringer("run_id", id), zap.Strings("rules", res.RuleIDs()))
		}
	}
	if o, ok := rec.Output(synth.StageEvaluation); ok {
		out.Grade = o.Payload.Grade
	}
	return textResult("%s %s with %d stage outputs", id, rec.Status, len(rec.Stages)), out, nil
}

// ===== KNOWLEDGE TOOLS =====

type openGapsInput struct{}

type openGapsOutput struct {
	Gaps  []knowledge.Claim `json:"gaps"`
	Stats knowledge.Stats   `json:"stats"`
}

type claimHistoryInput struct {
	Subject   string `json:"subject" jsonschema:"Claim subject"`
	Predicate string `json:"predicate" jsonschema:"Claim predicate"`
}

type claimHistoryOutput struct {
	Claims []knowledge.Claim `json:"claims"`
	Count  int               `json:"count"`
}

type conflictsInput struct{}

type conflictsOutput struct {
	Conflicts []knowledge.ConflictRecord `json:"conflicts"`
	Count     int                        `json:"count"`
}

func (s *Server) registerKnowledgeTools() {
	addTool(s, ToolMetadata{
		Name:        "open_gaps",
		Description: "List evidence gaps that no protocol addresses yet, with knowledge graph totals.",
		Category:    CategoryKnowledge,
		Keywords:    []string{"claims", "evidence", "protocol"},
	}, s.openGaps)

	addTool(s, ToolMetadata{
		Name:        "claim_history",
		Description: "Show every version of a claim, oldest first.",
		Category:    CategoryKnowledge,
		Keywords:    []string{"versions", "supersede"},
	}, s.claimHistory)

	addTool(s, ToolMetadata{
		Name:        "knowledge_conflicts",
		Description: "List claims that replaced an earlier, different claim for the same subject and predicate.",
		Category:    CategoryKnowledge,
		Keywords:    []string{"contradiction", "supersede"},
	}, s.conflicts)
}

func (s *Server) openGaps(ctx context.Context, _ *mcp.CallToolRequest, _ openGapsInput) (*mcp.CallToolResult, openGapsOutput, error) {
	gaps, err := s.deps.Knowledge.OpenGaps(ctx)
	if err != nil {
		return nil, openGapsOutput{}, fmt.Errorf("open gaps: %w", err)
	}
	if gaps == nil {
		gaps = []knowledge.Claim{}
	}
	out := openGapsOutput{Gaps: gaps, Stats: s.deps.Knowledge.Stats()}
	return textResult("%d open gaps across %d claims", len(gaps), out.Stats.Claims), out, nil
}

func (s *Server) claimHistory(ctx context.Context, _ *mcp.CallToolRequest, args claimHistoryInput) (*mcp.CallToolResult, claimHistoryOutput, error) {
	subject := strings.TrimSpace(args.Subject)
	predicate := strings.TrimSpace(args.Predicate)
	if subject == "" || predicate == "" {
		return nil, claimHistoryOutput{}, errors.New("invalid input: subject and predicate are required")
	}
	claims, err := s.deps.Knowledge.History(ctx, subject, predicate)
	if err != nil {
		return nil, claimHistoryOutput{}, fmt.Errorf("claim history: %w", err)
	}
	if claims == nil {
		claims = []knowledge.Claim{}
	}
	return textResult("%d versions of %s %s", len(claims), subject, predicate),
		claimHistoryOutput{Claims: claims, Count: len(claims)}, nil
}

func (s *Server) conflicts(ctx context.Context, _ *mcp.CallToolRequest, _ conflictsInput) (*mcp.CallToolResult, conflictsOutput, error) {
	recs, err := s.deps.Knowledge.Conflicts(ctx)
	if err != nil {
		return nil, conflictsOutput{}, fmt.Errorf("conflicts: %w", err)
	}
	if recs == nil {
		recs = []knowledge.ConflictRecord{}
	}
	return textResult("%d conflicts", len(recs)), conflictsOutput{Conflicts: recs, Count: len(recs)}, nil
}

// ===== DIRECTIVE TOOLS =====

type listDirectivesInput struct {
	All bool `json:"all,omitempty" jsonschema:"Include retired directives"`
}

type listDirectivesOutput struct {
	Directives []directive.Directive `json:"directives"`
	Count      int                   `json:"count"`
}

type recordGradeInput struct {
	RunID       string `json:"run_id" jsonschema:"Completed run to grade"`
	Synthesis   int    `json:"synthesis" jsonschema:"Synthesis score, 1 to 5"`
	Criticality int    `json:"criticality" jsonschema:"Criticality score, 1 to 5"`
	Voice       int    `json:"voice" jsonschema:"Voice score, 1 to 5"`
	Critique    string `json:"critique,omitempty" jsonschema:"Free-text critique"`
}

type recordGradeOutput struct {
	Grade      directive.Grade       `json:"grade"`
	Directives []directive.Directive `json:"directives"`
}

type retireDirectiveInput struct {
	ID string `json:"id" jsonschema:"Directive identifier"`
}

type retireDirectiveOutput struct {
	ID      string `json:"id"`
	Retired bool   `json:"retired"`
}

func (s *Server) registerDirectiveTools() {
	addTool(s, ToolMetadata{
		Name:        "list_directives",
		Description: "List active directives, or every directive with all=true.",
		Category:    CategoryDirectives,
		Keywords:    []string{"instructions", "feedback"},
	}, s.listDirectives)

	addTool(s, ToolMetadata{
		Name:        "record_grade",
		Description: "Record a human grade for a completed run and return the directives it issued.",
		Category:    CategoryDirectives,
		Keywords:    []string{"audit", "review", "score"},
	}, s.recordGrade)

	addTool(s, ToolMetadata{
		Name:        "retire_directive",
		Description: "Retire a directive so later runs stop applying it.",
		Category:    CategoryDirectives,
		Keywords:    []string{"disable", "remove"},
	}, s.retireDirective)
}

func (s *Server) listDirectives(ctx context.Context, _ *mcp.CallToolRequest, args listDirectivesInput) (*mcp.CallToolResult, listDirectivesOutput, error) {
	ds := []directive.Directive{}
	for _, d := range s.deps.Ledger.Directives(ctx) {
		if args.All || !d.Retired {
			ds = append(ds, d)
		}
	}
	return textResult("%d directives", len(ds)), listDirectivesOutput{Directives: ds, Count: len(ds)}, nil
}

func (s *Server) recordGrade(ctx context.Context, _ *mcp.CallToolRequest, args recordGradeInput) (*mcp.CallToolResult, recordGradeOutput, error) {
	id, err := synth.ParseRunID(args.RunID)
	if err != nil {
		return nil, recordGradeOutput{}, fmt.Errorf("invalid run_id: %w", err)
	}
	rec, err := s.deps.Runs.Get(ctx, id)
	if err != nil {
		return nil, recordGradeOutput{}, fmt.Errorf("get %s: %w", id, err)
	}
	if rec.Status != checkpoint.StatusCompleted {
		return nil, recordGradeOutput{}, fmt.Errorf("%s is %s, only completed runs can be graded", id, rec.Status)
	}

	grade := directive.Grade{
		RunID:  id,
		Source: directive.SourceHuman,
		Scores: directive.Scores{
			Synthesis:   args.Synthesis,
			Criticality: args.Criticality,
			Voice:       args.Voice,
		},
		Critique:   strings.TrimSpace(args.Critique),
		RecordedAt: s.now().UTC(),
	}
	if err := s.deps.Ledger.RecordGrade(ctx, grade); err != nil {
		return nil, recordGradeOutput{}, fmt.Errorf("record grade: %w", err)
	}
	if err := s.saveLedger(); err != nil {
		return nil, recordGradeOutput{}, err
	}

	issued := []directive.Directive{}
	for _, d := range s.deps.Ledger.ActiveDirectives(ctx, id+1) {
		if d.OriginRun == id {
			issued = append(issued, d)
		}
	}
	s.logger.Info("human grade recorded", zap.Stringer("run_id", id), zap.Int("directives", len(issued)))
	return textResult("Graded %s, %d directives issued", id, len(issued)),
		recordGradeOutput{Grade: grade, Directives: issued}, nil
}

func (s *Server) retireDirective(ctx context.Context, _ *mcp.CallToolRequest, args retireDirectiveInput) (*mcp.CallToolResult, retireDirectiveOutput, error) {
	id := strings.TrimSpace(args.ID)
	if id == "" {
		return nil, retireDirectiveOutput{}, errors.New("invalid input: id is required")
	}
	if err := s.deps.Ledger.Retire(ctx, id); err != nil {
		return nil, retireDirectiveOutput{}, fmt.Errorf("retire %s: %w", id, err)
	}
	if err := s.saveLedger(); err != nil {
		return nil, retireDirectiveOutput{}, err
	}
	return textResult("Retired directive %s", id), retireDirectiveOutput{ID: id, Retired: true}, nil
}

// ===== DISCOVERY =====

type toolSearchInput struct {
	Query    string `json:"query,omitempty" jsonschema:"Name, description or keyword to match; empty lists every tool"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to runs, knowledge, directives or search"`
}

type toolSearchOutput struct {
	Results    []*SearchResult `json:"results"`
	TotalTools int             `json:"total_tools"`
}

func (s *Server) registerSearchTool() {
	addTool(s, ToolMetadata{
		Name:        "tool_search",
		Description: "Find synthd tools by name, description or keyword.",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "help"},
	}, s.toolSearch)
}

func (s *Server) toolSearch(_ context.Context, _ *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
	category := ToolCategory(strings.TrimSpace(args.Category))
	var results []*SearchResult
	if strings.TrimSpace(args.Query) == "" {
		for _, tool := range s.registry.List(category) {
			results = append(results, &SearchResult{Tool: tool, Score: 0, MatchReason: "listed"})
		}
	} else {
		results = s.registry.Search(args.Query, category)
	}
	if results == nil {
		results = []*SearchResult{}
	}
	return textResult("%d tools match", len(results)),
		toolSearchOutput{Results: results, TotalTools: s.registry.Count()}, nil
}
