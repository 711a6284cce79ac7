package secrets

import (
	"fmt"
	"regexp"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// detector holds a parsed gitleaks configuration. Parsing the default rule
// set is slow, so it happens once; each scan gets a fresh detect.Detector
// because detectors accumulate findings.
type detector struct {
	cfg gitleaksconfig.Config
}

func newDetector(allow *Allowlist) (*detector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	cfg := base.Config
	if allow != nil && len(allow.Regexes) > 0 {
		entry := &gitleaksconfig.Allowlist{Description: "synthd allowlist"}
		for _, p := range allow.Regexes {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
			entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		entry.StopWords = append(entry.StopWords, allow.Regexes...)
		cfg.Allowlists = append(cfg.Allowlists, entry)
	}
	return &detector{cfg: cfg}, nil
}

func (d *detector) detect(content string) []Finding {
	found := detect.NewDetector(d.cfg).DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out
}
