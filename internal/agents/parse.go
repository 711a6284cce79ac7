package agents

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/synthd/internal/directive"
)

var (
	listPattern   = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// extractJSONList pulls a list of JSON objects out of a model answer. It
// accepts a bare or embedded list, a single object (wrapped into a list)
// and a fenced markdown block. It returns nil when nothing parses.
func extractJSONList(text string) []json.RawMessage {
	if m := listPattern.FindString(text); m != "" {
		var list []json.RawMessage
		if json.Unmarshal([]byte(m), &list) == nil {
			return list
		}
	}
	if m := objectPattern.FindString(text); m != "" {
		if list := decodeListOrObject(m); list != nil {
			return list
		}
	}

	cleaned := strings.TrimSpace(text)
	if _, after, ok := strings.Cut(cleaned, "```json"); ok {
		cleaned, _, _ = strings.Cut(after, "```")
	} else if _, after, ok := strings.Cut(cleaned, "```"); ok {
		cleaned, _, _ = strings.Cut(after, "```")
	}
	return decodeListOrObject(strings.TrimSpace(cleaned))
}

func decodeListOrObject(s string) []json.RawMessage {
	var list []json.RawMessage
	if json.Unmarshal([]byte(s), &list) == nil {
		return list
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal([]byte(s), &obj) == nil {
		return []json.RawMessage{json.RawMessage(s)}
	}
	return nil
}

// epistemicCheck is the classification block of an extracted claim.
type epistemicCheck struct {
	TitleClaimType   string `json:"title_claim_type"`
	StudyDesignType  string `json:"study_design_type"`
	InterventionType string `json:"intervention_type"`
	DataSourceType   string `json:"data_source_type"`
	GapSeverity      string `json:"gap_severity"`
}

// matrixEntry is one extracted study claim.
type matrixEntry struct {
	StudyTitle     string         `json:"study_title"`
	TitleClaims    string         `json:"title_claims_narrative"`
	Methodology    string         `json:"study_methodology_summary"`
	Findings       string         `json:"actual_findings_narrative"`
	EpistemicCheck epistemicCheck `json:"epistemic_check"`
	StudyCitation  string         `json:"study_citation"`
}

func parseMatrixEntries(text string) []matrixEntry {
	var out []matrixEntry
	for _, raw := range extractJSONList(text) {
		var e matrixEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

type protocolEntry struct {
	TargetGapIDs  []string `json:"target_gap_ids"`
	DesignSummary string   `json:"design_summary"`
}

func parseProtocols(text string) []protocolEntry {
	var out []protocolEntry
	for _, raw := range extractJSONList(text) {
		var p protocolEntry
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if strings.TrimSpace(p.DesignSummary) == "" || len(p.TargetGapIDs) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

type judgeAnswer struct {
	Scores struct {
		Synthesis   *float64 `json:"synthesis"`
		Criticality *float64 `json:"criticality"`
		Voice       *float64 `json:"voice"`
	} `json:"scores"`
	Critique             string `json:"critique"`
	HallucinationWarning bool   `json:"hallucination_warning"`
}

// parseJudge reads the evaluation answer. Scores are rounded and clamped
// to 1..5; the answer must carry all three.
func parseJudge(text string) (directive.Scores, string, bool, bool) {
	for _, raw := range extractJSONList(text) {
		var a judgeAnswer
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		s := a.Scores
		if s.Synthesis == nil || s.Criticality == nil || s.Voice == nil {
			continue
		}
		return directive.Scores{
			Synthesis:   clampScore(*s.Synthesis),
			Criticality: clampScore(*s.Criticality),
			Voice:       clampScore(*s.Voice),
		}, strings.TrimSpace(a.Critique), a.HallucinationWarning, true
	}
	return directive.Scores{}, "", false, false
}

func clampScore(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

// isPass reports whether a review answer approves the draft.
func isPass(answer string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "PASS")
}
