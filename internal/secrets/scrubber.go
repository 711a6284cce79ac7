package secrets

import (
	"sort"
	"strings"
	"time"
)

const defaultRedaction = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	Enabled         bool
	RedactionString string
	AllowlistFile   string
}

// Result is the outcome of one scrub.
type Result struct {
	Scrubbed string
	Findings []Finding
	ByRule   map[string]int
	Duration time.Duration
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rules that fired, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) *Result
	IsEnabled() bool
}

type scrubber struct {
	det       *detector
	redaction string
}

// New returns a gitleaks-backed Scrubber, or a NoopScrubber when disabled.
func New(cfg Config) (Scrubber, error) {
	if !cfg.Enabled {
		return NoopScrubber{}, nil
	}
	allow, err := LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	det, err := newDetector(allow)
	if err != nil {
		return nil, err
	}
	red := cfg.RedactionString
	if red == "" {
		red = defaultRedaction
	}
	return &scrubber{det: det, redaction: red}, nil
}

// Scrub replaces every detected secret with the redaction string. Longer
// matches are replaced first so overlapping findings cannot leave a tail.
func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()
	res := &Result{Scrubbed: content, ByRule: map[string]int{}}

	findings := s.det.detect(content)
	sort.SliceStable(findings, func(i, j int) bool { return len(findings[i].Match) > len(findings[j].Match) })
	for _, f := range findings {
		if f.Match == "" {
			continue
		}
		res.Scrubbed = strings.ReplaceAll(res.Scrubbed, f.Match, s.redaction)
		res.Findings = append(res.Findings, f)
		res.ByRule[f.RuleID]++
	}
	res.Duration = time.Since(start)
	return res
}

func (s *scrubber) IsEnabled() bool { return true }

// NoopScrubber returns content unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}
}

func (NoopScrubber) IsEnabled() bool { return false }
