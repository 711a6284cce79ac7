package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// Severity grades how badly a study's claim outruns its evidence.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// ParseSeverity normalizes case; unknown values return "".
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return ""
	}
}

// IsGap reports whether the severity marks an evidence gap.
func (s Severity) IsGap() bool {
	return s == SeverityHigh || s == SeverityMedium
}

// Claim is one extracted assertion. Claims are never deleted; a later claim
// for the same (Subject, Predicate) supersedes the earlier one.
type Claim struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject"`
	Predicate   string      `json:"predicate"`
	EvidenceRef string      `json:"evidence_ref"`
	Confidence  float64     `json:"confidence"`
	Gap         bool        `json:"gap"`
	GapKind     string      `json:"gap_kind,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	RunID       synth.RunID `json:"run_id"`
	BatchID     string      `json:"batch_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Seq         int64       `json:"seq"`
}

// ClaimID is the first 16 hex chars of sha256(subject \x1f predicate \x1f evidenceRef).
func ClaimID(subject, predicate, evidenceRef string) string {
	sum := sha256.Sum256([]byte(subject + "\x1f" + predicate + "\x1f" + evidenceRef))
	return hex.EncodeToString(sum[:])[:16]
}

// sameContent compares the fields a writer controls; provenance (run,
// batch, timestamps, position) is ignored.
func (c Claim) sameContent(o Claim) bool {
	return c.ID == o.ID &&
		c.Confidence == o.Confidence &&
		c.Gap == o.Gap &&
		c.GapKind == o.GapKind &&
		c.Severity == o.Severity
}

type claimKey struct {
	subject   string
	predicate string
}

func (c Claim) key() claimKey { return claimKey{c.Subject, c.Predicate} }

// Protocol is a proposed study design addressing one or more gap claims.
type Protocol struct {
	ID            string      `json:"id"`
	TargetGapIDs  []string    `json:"target_gap_ids"`
	DesignSummary string      `json:"design_summary"`
	RunID         synth.RunID `json:"run_id"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ConflictRecord notes that one claim replaced a different claim for the
// same (Subject, Predicate). The newest write wins.
type ConflictRecord struct {
	Subject      string      `json:"subject"`
	Predicate    string      `json:"predicate"`
	SupersededID string      `json:"superseded_id"`
	WinnerID     string      `json:"winner_id"`
	RunID        synth.RunID `json:"run_id"`
	At           time.Time   `json:"at"`
}
