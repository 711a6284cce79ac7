// Package knowledge is the cumulative claim graph shared by every run.
//
// Claims form an append-only log. The store keeps a projection of the
// latest claim per (subject, predicate) plus the full history, and accepts
// protocols that target claims flagged as evidence gaps. Open gaps are
// recomputed from the projection on every call.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store holds the claim log and protocols in memory. Writers for the same
// subject are serialized; appends take the write lock briefly and readers
// get snapshot copies under the read lock.
type Store struct {
	mu       sync.RWMutex
	subjects keyedMutex

	records   []record
	claims    []Claim             // every claim ever written, log order
	latest    map[claimKey]int    // index into claims
	history   map[claimKey][]int  // indexes into claims, oldest first
	gapIDs    map[string]struct{} // ids of claims that were ever a gap
	protocols []Protocol
	conflicts []ConflictRecord
	seq       int64

	logger *zap.Logger
	now    func() time.Time
}

// record is one entry of the persisted log.
type record struct {
	Kind     string    `json:"kind"`
	Claim    *Claim    `json:"claim,omitempty"`
	Protocol *Protocol `json:"protocol,omitempty"`
}

const (
	kindClaim    = "claim"
	kindProtocol = "protocol"
)

// NewStore returns an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		latest:  make(map[claimKey]int),
		history: make(map[claimKey][]int),
		gapIDs:  make(map[string]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

func validateClaim(c Claim) error {
	switch {
	case strings.TrimSpace(c.Subject) == "":
		return fmt.Errorf("%w: claim subject is empty", ErrDataConflict)
	case strings.TrimSpace(c.Predicate) == "":
		return fmt.Errorf("%w: claim predicate is empty", ErrDataConflict)
	case strings.TrimSpace(c.EvidenceRef) == "":
		return fmt.Errorf("%w: claim %q has no evidence_ref", ErrDataConflict, c.Subject)
	case c.Confidence < 0 || c.Confidence > 1:
		return fmt.Errorf("%w: claim %q confidence %v outside [0,1]", ErrDataConflict, c.Subject, c.Confidence)
	case c.Gap && c.GapKind == "" && c.Severity == "":
		return fmt.Errorf("%w: gap claim %q needs gap_kind or severity", ErrDataConflict, c.Subject)
	}
	return nil
}

// AddClaims validates every claim and then appends them in order. Any
// invalid claim rejects the whole call with ErrDataConflict. A claim equal
// to the current projection for its key is skipped. Replacing a different
// claim records a ConflictRecord.
func (s *Store) AddClaims(ctx context.Context, claims []Claim) error {
	for i := range claims {
		if err := validateClaim(claims[i]); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subjects := make([]string, 0, len(claims))
	for _, c := range claims {
		subjects = append(subjects, c.Subject)
	}
	unlock := s.subjects.lockAll(subjects)
	defer unlock()

	for _, c := range claims {
		c.ID = ClaimID(c.Subject, c.Predicate, c.EvidenceRef)
		c.Seq = 0
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now().UTC()
		}

		// The subject lock keeps the projection for this key stable
		// between the read and the append.
		s.mu.RLock()
		idx, seen := s.latest[c.key()]
		var prev Claim
		if seen {
			prev = s.claims[idx]
		}
		s.mu.RUnlock()

		if seen && prev.sameContent(c) {
			continue
		}

		s.mu.Lock()
		s.appendClaimLocked(&c)
		if seen && prev.ID != c.ID {
			s.conflicts = append(s.conflicts, ConflictRecord{
				Subject:      c.Subject,
				Predicate:    c.Predicate,
				SupersededID: prev.ID,
				WinnerID:     c.ID,
				RunID:        c.RunID,
				At:           c.CreatedAt,
			})
		}
		s.mu.Unlock()

		if seen {
			s.logger.Debug("claim superseded",
				zap.String("subject", c.Subject),
				zap.String("predicate", c.Predicate),
				zap.String("superseded_id", prev.ID),
				zap.String("winner_id", c.ID),
			)
		}
	}
	return nil
}

// appendClaimLocked assigns the next seq when c has none and indexes it.
func (s *Store) appendClaimLocked(c *Claim) {
	if c.Seq == 0 {
		s.seq++
		c.Seq = s.seq
	} else if c.Seq > s.seq {
		s.seq = c.Seq
	}
	idx := len(s.claims)
	s.claims = append(s.claims, *c)
	k := c.key()
	s.latest[k] = idx
	s.history[k] = append(s.history[k], idx)
	if c.Gap {
		s.gapIDs[c.ID] = struct{}{}
	}
	stored := s.claims[idx]
	s.records = append(s.records, record{Kind: kindClaim, Claim: &stored})
}

// AddProtocols validates and appends protocols. Every protocol needs a
// design summary and at least one target, and every target must name a
// claim (current or historical) that was flagged as a gap.
func (s *Store) AddProtocols(ctx context.Context, protocols []Protocol) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range protocols {
		if strings.TrimSpace(p.DesignSummary) == "" {
			return fmt.Errorf("%w: protocol %d has no design summary", ErrDataConflict, i)
		}
		if len(p.TargetGapIDs) == 0 {
			return fmt.Errorf("%w: protocol %d targets no gaps", ErrDataConflict, i)
		}
		for _, id := range p.TargetGapIDs {
			if _, ok := s.gapIDs[id]; !ok {
				return fmt.Errorf("%w: protocol %d targets %q which is not a known gap", ErrDataConflict, i, id)
			}
		}
	}

	for _, p := range protocols {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now().UTC()
		}
		p.TargetGapIDs = append([]string(nil), p.TargetGapIDs...)
		s.protocols = append(s.protocols, p)
		stored := p
		s.records = append(s.records, record{Kind: kindProtocol, Protocol: &stored})
	}
	return nil
}

// OpenGaps returns the latest claims flagged as gaps that no protocol
// targets, oldest first.
func (s *Store) OpenGaps(ctx context.Context) ([]Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	addressed := make(map[string]struct{})
	for _, p := range s.protocols {
		for _, id := range p.TargetGapIDs {
			addressed[id] = struct{}{}
		}
	}
	gaps := []Claim{}
	for _, idx := range s.latest {
		c := s.claims[idx]
		if !c.Gap {
			continue
		}
		if _, ok := addressed[c.ID]; ok {
			continue
		}
		gaps = append(gaps, c)
	}
	sortBySeq(gaps)
	return gaps, nil
}

// History returns every claim written for (subject, predicate), oldest first.
func (s *Store) History(ctx context.Context, subject, predicate string) ([]Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.history[claimKey{subject, predicate}]
	out := make([]Claim, len(idxs))
	for i, idx := range idxs {
		out[i] = s.claims[idx]
	}
	return out, nil
}

// Claims returns the latest projection ordered by seq.
func (s *Store) Claims(ctx context.Context) ([]Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Claim, 0, len(s.latest))
	for _, idx := range s.latest {
		out = append(out, s.claims[idx])
	}
	sortBySeq(out)
	return out, nil
}

// Protocols returns every protocol in write order.
func (s *Store) Protocols(ctx context.Context) ([]Protocol, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Protocol, len(s.protocols))
	for i, p := range s.protocols {
		p.TargetGapIDs = append([]string(nil), p.TargetGapIDs...)
		out[i] = p
	}
	return out, nil
}

// Conflicts returns every supersession in write order.
func (s *Store) Conflicts(ctx context.Context) ([]ConflictRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ConflictRecord{}, s.conflicts...), nil
}

// Stats summarizes the graph for status endpoints.
type Stats struct {
	Claims    int `json:"claims"`
	Versions  int `json:"versions"`
	Protocols int `json:"protocols"`
	Conflicts int `json:"conflicts"`
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Claims:    len(s.latest),
		Versions:  len(s.claims),
		Protocols: len(s.protocols),
		Conflicts: len(s.conflicts),
	}
}

func sortBySeq(c []Claim) {
	sort.Slice(c, func(i, j int) bool { return c[i].Seq < c[j].Seq })
}
