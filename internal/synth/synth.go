// Package synth holds the value types shared by every pipeline component:
// run identifiers, stages, roles, documents and batches.
package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RunID is allocated from persisted pipeline state and only ever grows.
// Run ordering is integer ordering.
type RunID int64

// String renders the id as run-000042.
func (r RunID) String() string {
	return fmt.Sprintf("run-%06d", int64(r))
}

// ParseRunID accepts "run-000042" or "42".
func ParseRunID(s string) (RunID, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "run-"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return RunID(n), nil
}

// Stage is one step of a pipeline run
type Stage string

const (
	StageIngestion       Stage = "ingestion"
	StageAudit           Stage = "audit"
	StageLogicCheck      Stage = "logic_check"
	StageInvention       Stage = "invention"
	StageMemoryRetrieval Stage = "memory_retrieval"
	StageDiscussion      Stage = "discussion"
	StagePublication     Stage = "publication"
	StageEvaluation      Stage = "evaluation"
)

// AllStages returns every stage in execution order
func AllStages() []Stage {
	return []Stage{
		StageIngestion,
		StageAudit,
		StageLogicCheck,
		StageInvention,
		StageMemoryRetrieval,
		StageDiscussion,
		StagePublication,
		StageEvaluation,
	}
}

// Index returns the position of s in AllStages, or -1.
func (s Stage) Index() int {
	for i, st := range AllStages() {
		if st == s {
			return i
		}
	}
	return -1
}

// Role names the agent persona that runs a stage
type Role string

const (
	RoleSynthesizer     Role = "synthesizer"
	RoleAuditor         Role = "auditor"
	RoleEpistemicMapper Role = "epistemic_mapper"
	RolePhilosopher     Role = "philosopher"
	RoleArchitect       Role = "architect"
	RoleEditor          Role = "editor"
)

// AllRoles returns every role
func AllRoles() []Role {
	return []Role{RoleSynthesizer, RoleAuditor, RoleEpistemicMapper, RolePhilosopher, RoleArchitect, RoleEditor}
}

// Document is a research paper as delivered by a document source. It is
// never modified by the pipeline.
type Document struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Authors     []string   `json:"authors,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Abstract    string     `json:"abstract,omitempty"`
	FullText    string     `json:"full_text,omitempty"`
	SourceURL   string     `json:"source_url,omitempty"`
	Topic       string     `json:"topic,omitempty"`
	DOI         string     `json:"doi,omitempty"`
	Journal     string     `json:"journal,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
}

// Body returns the best available text: full text, then abstract, then title.
func (d Document) Body() string {
	switch {
	case strings.TrimSpace(d.FullText) != "":
		return d.FullText
	case strings.TrimSpace(d.Abstract) != "":
		return d.Abstract
	default:
		return d.Title
	}
}

// Batch is an ordered set of documents processed by one run.
type Batch struct {
	ID        string     `json:"id"`
	Documents []Document `json:"documents"`
}

// NewBatch builds a batch whose id depends only on the set of document ids.
func NewBatch(docs []Document) Batch {
	return Batch{ID: BatchID(docs), Documents: docs}
}

// BatchID is the first 16 hex chars of sha256 over the sorted,
// newline-joined document ids.
func BatchID(docs []Document) string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// DocumentIDs returns the ids of b's documents in batch order.
func (b Batch) DocumentIDs() []string {
	ids := make([]string, len(b.Documents))
	for i, d := range b.Documents {
		ids[i] = d.ID
	}
	return ids
}
