package agents

import "github.com/fyrsmithlabs/synthd/internal/synth"

// Template names. A role's primary template is stored on its RoleConfig;
// the rest live in the RoleSet template table.
const (
	tmplIngestion       = "ingestion"
	tmplAudit           = "audit"
	tmplLogicDraft      = "logic_check.draft"
	tmplLogicAudit      = "logic_check.audit"
	tmplLogicRefine     = "logic_check.refine"
	tmplInventionDraft  = "invention.draft"
	tmplInventionReview = "invention.review"
	tmplInventionRefine = "invention.refine"
	tmplMemory          = "memory_retrieval"
	tmplDiscussion      = "discussion"
	tmplPublication     = "publication"
	tmplEvaluation      = "evaluation"
)

var primaryTemplate = map[synth.Role]string{
	synth.RoleSynthesizer:     tmplIngestion,
	synth.RoleAuditor:         tmplAudit,
	synth.RoleEpistemicMapper: tmplLogicDraft,
	synth.RoleArchitect:       tmplInventionDraft,
	synth.RolePhilosopher:     tmplDiscussion,
	synth.RoleEditor:          tmplPublication,
}

func defaultRoles() map[synth.Role]RoleConfig {
	return map[synth.Role]RoleConfig{
		synth.RoleSynthesizer: {
			Role:        synth.RoleSynthesizer,
			System:      "You are a research synthesizer. You read papers closely and report what they actually did and found.",
			Template:    ingestionPrompt,
			Temperature: 0.3,
			Emphasis:    []string{"Separate what the title implies from what the data shows."},
		},
		synth.RoleAuditor: {
			Role:        synth.RoleAuditor,
			System:      "You are a ruthless academic reviewer. You look for design flaws, small samples and overreaching claims.",
			Template:    auditPrompt,
			Temperature: 0.0,
			Emphasis:    []string{"Name the specific limitation, not a generic caveat."},
		},
		synth.RoleEpistemicMapper: {
			Role:        synth.RoleEpistemicMapper,
			System:      "You are Dr. Matrix, a rigorous scientific auditor who extracts structured claims.",
			Template:    logicDraftPrompt,
			Temperature: 0.0,
		},
		synth.RolePhilosopher: {
			Role:        synth.RolePhilosopher,
			System:      "You are a philosopher of science. You connect findings across studies and question their assumptions.",
			Template:    discussionPrompt,
			Temperature: 0.7,
		},
		synth.RoleArchitect: {
			Role:        synth.RoleArchitect,
			System:      "You are Dr. Genesis, a research architect. You reject behavioral interventions and design structural solutions.",
			Template:    inventionDraftPrompt,
			Temperature: 0.7,
		},
		synth.RoleEditor: {
			Role:        synth.RoleEditor,
			System:      "You are the editor-in-chief of a special issue. You write with an authoritative, precise editorial voice.",
			Template:    publicationPrompt,
			Temperature: 0.4,
			Emphasis:    []string{"Group findings by concept or mechanism, never paper by paper."},
		},
	}
}

func defaultTemplates() map[string]string {
	return map[string]string{
		tmplLogicAudit:      logicAuditPrompt,
		tmplLogicRefine:     logicRefinePrompt,
		tmplInventionReview: inventionReviewPrompt,
		tmplInventionRefine: inventionRefinePrompt,
		tmplMemory:          memoryPrompt,
		tmplEvaluation:      evaluationPrompt,
	}
}

const ingestionPrompt = `Summarize the study below for a review on "{{.Topic}}".
Cover: the question, the design, the population, the main findings and the limitations the authors admit.
Keep it under 250 words.

### STUDY IDENTIFICATION ###
Title: {{.Doc.Title}}
{{- if .Doc.Authors}}
Authors: {{join .Doc.Authors ", "}}
{{- end}}
{{- if .Doc.Journal}}
Journal: {{.Doc.Journal}}
{{- end}}

### TEXT ###
{{truncate .Body 30000}}
`

const auditPrompt = `Audit the following study summaries for run {{.Run}} on "{{.Topic}}".
For each study list the most serious methodological weakness and any contradiction with the other studies.
{{- if .Memory}}

Earlier findings you may compare against:
{{- range .Memory}}
- {{.Text}}
{{- end}}
{{- end}}

SUMMARIES:
{{- range .Summaries}}

[{{.DocumentID}}]
{{.Text}}
{{- end}}
`

const logicDraftPrompt = `Extract structured data for the study described in the INPUT TEXT.

RULES:
1. Study design: if the title contains "Randomized", "Randomised", "RCT" or "Trial" the design is "RCT"; otherwise "Observational".
2. Causal claims use words like "Effect", "Impact", "Improves", "Efficacy", "Causes" in the title.
3. Intervention type is "Behavioral" (depends on patient choice, e.g. diet, exercise, adherence) or "Structural" (drug, surgery, air quality, policy).
4. Data source is "Self-Reported" (surveys, recall) or "Objective" (labs, measurements, records).

Return ONLY a JSON list:
[
  {
    "study_title": "EXACT TITLE",
    "title_claims_narrative": "what the title claims or implies",
    "study_methodology_summary": "what was actually done",
    "actual_findings_narrative": "what the data actually showed",
    "epistemic_check": {
      "title_claim_type": "Causal" or "Associative",
      "study_design_type": "RCT" or "Observational",
      "intervention_type": "Behavioral" or "Structural",
      "data_source_type": "Self-Reported" or "Objective",
      "gap_severity": "High" | "Medium" | "Low"
    }
  }
]

### STUDY IDENTIFICATION ###
Title: {{.Doc.Title}}

INPUT TEXT:
{{truncate .Body 30000}}
`

const logicAuditPrompt = `You are the senior auditor reviewing a junior analyst's extraction.

JSON:
{{.Draft}}

CHECKLIST:
1. A randomized title listed as "Observational" fails.
2. "High" severity for an observational study with an associative title fails (should be Low).
3. "Low" severity for an observational study with a causal title fails (should be High).
4. "Low" severity for a behavioral intervention with self-reported data fails (should be High).
5. Missing narratives or invalid JSON fail.

If everything is correct answer exactly "PASS". Otherwise answer "FAIL: <short reason>".

INPUT TEXT:
{{truncate .Body 30000}}
`

const logicRefinePrompt = `Fix the JSON based on the auditor's critique.

ORIGINAL JSON:
{{.Draft}}

CRITIQUE:
{{.Critique}}

Return ONLY the corrected JSON list, based on the INPUT TEXT.

INPUT TEXT:
{{truncate .Body 30000}}
`

const inventionDraftPrompt = `The following evidence gaps are open in the literature on "{{.Topic}}":
{{- range .Gaps}}
- id={{.ID}} [{{.Severity}}{{if .GapKind}}, {{.GapKind}}{{end}}] {{.Subject}}: {{.Predicate}}
{{- end}}

Design future studies that close these gaps. Interventions must be structural or biological, never behavioral
advice, and measurements must be objective.

Return ONLY a JSON list:
[{"target_gap_ids": ["<gap id>"], "design_summary": "type, population, intervention, control, outcome measures"}]
`

const inventionReviewPrompt = `You chair the research review board. Review these proposed protocols for feasibility,
specificity (named biomarkers, concrete intervention) and whether they close the targeted gaps.

PROTOCOLS:
{{.Draft}}

Answer exactly "PASS" if they are sound, otherwise "REJECT: <brief explanation>".
`

const inventionRefinePrompt = `Rewrite the protocols to address the review board's comments. Keep the same JSON shape
and only target these gap ids:{{range .Gaps}} {{.ID}}{{end}}

ORIGINAL:
{{.Draft}}

COMMENTS:
{{.Critique}}

Return ONLY the JSON list.
`

const memoryPrompt = `Relate the current batch on "{{.Topic}}" to what earlier runs found.

EARLIER FINDINGS:
{{- range .Memory}}
- ({{printf "%.2f" .Score}}) {{.Text}}
{{- end}}

CURRENT SUMMARIES:
{{- range .Summaries}}
- [{{.DocumentID}}] {{truncate .Text 600}}
{{- end}}

Say which earlier findings are confirmed, which are contradicted and what is new.
`

const discussionPrompt = `Write a discussion of the evidence on "{{.Topic}}".

AUDIT:
{{index .Prior "audit"}}

CLAIMS:
{{- range .Claims}}
- {{.Subject}}: {{.Predicate}} (severity {{.Severity}}{{if .Gap}}, gap{{end}})
{{- end}}
{{- if .Protocols}}

PROPOSED STUDIES:
{{- range .Protocols}}
- {{.DesignSummary}}
{{- end}}
{{- end}}
{{- if index .Prior "memory_retrieval"}}

RELATION TO EARLIER RUNS:
{{index .Prior "memory_retrieval"}}
{{- end}}

Group the discussion by mechanism. Be explicit about where the evidence is weak.
`

const publicationPrompt = `Write the special issue editorial for run {{.Run}} on "{{.Topic}}" in Markdown.
Start with a title line. Integrate the methodological critique into the synthesis.

DISCUSSION:
{{index .Prior "discussion"}}

AUDIT:
{{index .Prior "audit"}}
{{- if .Protocols}}

FUTURE RESEARCH:
{{- range .Protocols}}
- {{.DesignSummary}}
{{- end}}
{{- end}}
`

const evaluationPrompt = `You are a senior academic editor grading a draft special issue editorial.

RUBRIC (1-5 each):
- synthesis: 1 lists papers one by one, 5 groups findings by concept or mechanism
- criticality: 1 accepts claims at face value, 5 discusses limitations and contradictions
- voice: 1 vague or hedging, 5 authoritative and precise

DRAFT:
{{truncate (index .Prior "publication") 12000}}

Return ONLY JSON:
{"scores": {"synthesis": <int>, "criticality": <int>, "voice": <int>}, "critique": "<one sentence>", "hallucination_warning": <bool>}
`
