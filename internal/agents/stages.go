package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// ingest summarizes every document concurrently. Summaries keep batch
// order; documents that yield blank text are left out.
func (r *PromptRunner) ingest(ctx context.Context, req Request) (checkpoint.Payload, error) {
	base := newPromptData(req)
	texts := make([]string, len(req.Batch.Documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.Concurrency)
	for i, doc := range req.Batch.Documents {
		g.Go(func() error {
			out, err := r.generate(gctx, req, tmplIngestion, "summary:"+doc.ID, base.forDocument(doc))
			if err != nil {
				return err
			}
			texts[i] = strings.TrimSpace(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return checkpoint.Payload{}, err
	}

	var p checkpoint.Payload
	for i, doc := range req.Batch.Documents {
		if texts[i] == "" {
			continue
		}
		p.Summaries = append(p.Summaries, checkpoint.Summary{DocumentID: doc.ID, Text: texts[i]})
	}
	if len(p.Summaries) == 0 {
		return checkpoint.NoFindings(), nil
	}
	p.Text = fmt.Sprintf("summarized %d of %d documents", len(p.Summaries), len(req.Batch.Documents))
	return p, nil
}

// logicCheck extracts claims per document through draft, audit and refine.
func (r *PromptRunner) logicCheck(ctx context.Context, req Request) (checkpoint.Payload, error) {
	base := newPromptData(req)
	perDoc := make([][]knowledge.Claim, len(req.Batch.Documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.Concurrency)
	for i, doc := range req.Batch.Documents {
		g.Go(func() error {
			claims, err := r.extractClaims(gctx, req, base.forDocument(doc))
			if err != nil {
				return err
			}
			perDoc[i] = claims
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return checkpoint.Payload{}, err
	}

	var p checkpoint.Payload
	gaps := 0
	for _, claims := range perDoc {
		for _, c := range claims {
			if c.Gap {
				gaps++
			}
			p.Claims = append(p.Claims, c)
		}
	}
	if len(p.Claims) == 0 {
		return checkpoint.NoFindings(), nil
	}
	p.Text = fmt.Sprintf("extracted %d claims, %d evidence gaps", len(p.Claims), gaps)
	return p, nil
}

func (r *PromptRunner) extractClaims(ctx context.Context, req Request, data promptData) ([]knowledge.Claim, error) {
	doc := data.Doc
	draft, err := r.generate(ctx, req, tmplLogicDraft, "draft:"+doc.ID, data)
	if err != nil {
		return nil, err
	}
	entries := parseMatrixEntries(draft)

	data.Draft = draft
	verdict, err := r.generate(ctx, req, tmplLogicAudit, "audit:"+doc.ID, data)
	if err != nil {
		return nil, err
	}
	if isPass(verdict) {
		reviewsTotal.WithLabelValues(string(req.Stage), "pass").Inc()
	} else {
		reviewsTotal.WithLabelValues(string(req.Stage), "revise").Inc()
		data.Critique = strings.TrimSpace(verdict)
		refined, err := r.generate(ctx, req, tmplLogicRefine, "refine:"+doc.ID, data)
		if err != nil {
			return nil, err
		}
		if fixed := parseMatrixEntries(refined); len(fixed) > 0 {
			entries = fixed
		} else {
			r.logger.Warn(ctx, "refined extraction unparseable, keeping draft", zap.String("document_id", doc.ID))
		}
	}

	claims := make([]knowledge.Claim, 0, len(entries))
	for _, e := range entries {
		claims = append(claims, r.claimFrom(req, doc, e))
	}
	return claims, nil
}

func (r *PromptRunner) claimFrom(req Request, doc synth.Document, e matrixEntry) knowledge.Claim {
	subject := strings.TrimSpace(e.StudyTitle)
	if subject == "" {
		subject = doc.Title
	}
	if subject == "" {
		subject = doc.ID
	}
	kind := strings.ToLower(strings.TrimSpace(e.EpistemicCheck.TitleClaimType))
	if kind == "" {
		kind = "unclassified"
	}
	sev, gapKind := classify(e.EpistemicCheck)
	c := knowledge.Claim{
		Subject:     subject,
		Predicate:   "makes a " + kind + " claim",
		EvidenceRef: doc.ID,
		Confidence:  confidenceFor(sev),
		Gap:         sev.IsGap(),
		Severity:    sev,
		RunID:       req.RunID,
		BatchID:     req.Batch.ID,
	}
	if c.Gap {
		c.GapKind = gapKind
	}
	return c
}

// invent proposes protocols for the open gaps through draft, review and
// refine. Targets that are not open gaps are dropped.
func (r *PromptRunner) invent(ctx context.Context, req Request) (checkpoint.Payload, error) {
	if len(req.Context.OpenGaps) == 0 {
		return checkpoint.NoFindings(), nil
	}
	data := newPromptData(req)

	draft, err := r.generate(ctx, req, tmplInventionDraft, "draft", data)
	if err != nil {
		return checkpoint.Payload{}, err
	}
	entries := parseProtocols(draft)

	data.Draft = draft
	verdict, err := r.generate(ctx, req, tmplInventionReview, "review", data)
	if err != nil {
		return checkpoint.Payload{}, err
	}
	if isPass(verdict) {
		reviewsTotal.WithLabelValues(string(req.Stage), "pass").Inc()
	} else {
		reviewsTotal.WithLabelValues(string(req.Stage), "revise").Inc()
		data.Critique = strings.TrimSpace(verdict)
		refined, err := r.generate(ctx, req, tmplInventionRefine, "refine", data)
		if err != nil {
			return checkpoint.Payload{}, err
		}
		if fixed := parseProtocols(refined); len(fixed) > 0 {
			entries = fixed
		}
	}

	open := make(map[string]struct{}, len(req.Context.OpenGaps))
	for _, gap := range req.Context.OpenGaps {
		open[gap.ID] = struct{}{}
	}
	var p checkpoint.Payload
	var lines []string
	for _, e := range entries {
		var targets []string
		for _, id := range e.TargetGapIDs {
			if _, ok := open[id]; ok {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			r.logger.Debug(ctx, "protocol dropped, no open targets", zap.Strings("targets", e.TargetGapIDs))
			continue
		}
		p.Protocols = append(p.Protocols, knowledge.Protocol{
			TargetGapIDs:  targets,
			DesignSummary: strings.TrimSpace(e.DesignSummary),
			RunID:         req.RunID,
		})
		lines = append(lines, "- "+strings.TrimSpace(e.DesignSummary))
	}
	if len(p.Protocols) == 0 {
		return checkpoint.NoFindings(), nil
	}
	p.Text = strings.Join(lines, "\n")
	return p, nil
}

// evaluate grades the publication. An unreadable answer is an error so the
// stage is retried; a run cannot complete without a grade.
func (r *PromptRunner) evaluate(ctx context.Context, req Request) (checkpoint.Payload, error) {
	data := newPromptData(req)
	answer, err := r.generateValid(ctx, req, tmplEvaluation, "judge", data, validJudge)
	if err != nil {
		return checkpoint.Payload{}, err
	}
	scores, critique, hallucination, _ := parseJudge(answer)
	grade := &directive.Grade{
		RunID:                req.RunID,
		Source:               directive.SourceJudge,
		Scores:               scores,
		Critique:             critique,
		HallucinationWarning: hallucination,
		RecordedAt:           r.now().UTC(),
	}
	text := critique
	if text == "" {
		text = fmt.Sprintf("synthesis %d, criticality %d, voice %d", scores.Synthesis, scores.Criticality, scores.Voice)
	}
	return checkpoint.Payload{Text: text, Grade: grade}, nil
}

func validJudge(answer string) error {
	if _, _, _, ok := parseJudge(answer); !ok {
		return fmt.Errorf("%w: evaluation answer has no scores", ErrUnparseable)
	}
	return nil
}

func (r *PromptRunner) prose(ctx context.Context, req Request, name string) (checkpoint.Payload, error) {
	out, err := r.generate(ctx, req, name, "text", newPromptData(req))
	if err != nil {
		return checkpoint.Payload{}, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return checkpoint.NoFindings(), nil
	}
	return checkpoint.Payload{Text: out}, nil
}
