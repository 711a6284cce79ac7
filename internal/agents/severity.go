package agents

import (
	"strings"

	"github.com/fyrsmithlabs/synthd/internal/knowledge"
)

// Gap kinds assigned by the severity rules.
const (
	GapIllusionOfChoice = "illusion_of_choice"
	GapTitleBait        = "title_bait"
	GapMethodological   = "methodological"
)

// classify applies the deterministic severity rules, first match wins:
//
//  1. behavioral intervention with self-reported data is High
//  2. associative claim from an observational design is Low
//  3. causal claim from an observational design is High
//  4. randomized design is Low
//
// When no rule fires the model's own severity is kept; an unreadable one
// counts as Medium.
func classify(c epistemicCheck) (knowledge.Severity, string) {
	claim := strings.ToLower(c.TitleClaimType)
	design := strings.ToLower(c.StudyDesignType)
	intervention := strings.ToLower(c.InterventionType)
	source := strings.ToLower(c.DataSourceType)

	switch {
	case strings.Contains(intervention, "behavioral") && strings.Contains(source, "self-reported"):
		return knowledge.SeverityHigh, GapIllusionOfChoice
	case strings.Contains(claim, "associat") && strings.Contains(design, "observational"):
		return knowledge.SeverityLow, ""
	case strings.Contains(claim, "causal") && strings.Contains(design, "observational"):
		return knowledge.SeverityHigh, GapTitleBait
	case strings.Contains(design, "rct") || strings.Contains(design, "random"):
		return knowledge.SeverityLow, ""
	}

	sev := knowledge.ParseSeverity(c.GapSeverity)
	if sev == "" {
		sev = knowledge.SeverityMedium
	}
	if sev.IsGap() {
		return sev, GapMethodological
	}
	return sev, ""
}

// confidenceFor maps severity to how far the title claim is supported.
func confidenceFor(s knowledge.Severity) float64 {
	switch s {
	case knowledge.SeverityHigh:
		return 0.3
	case knowledge.SeverityMedium:
		return 0.6
	default:
		return 0.9
	}
}
