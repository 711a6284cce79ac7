package knowledge

import (
	"errors"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/synthd/internal/fsutil"
	"go.uber.org/zap"
)

// snapshotVersion is the current knowledge_graph.json format.
const snapshotVersion = 1

type snapshot struct {
	Version   int              `json:"version"`
	Records   []record         `json:"records"`
	Conflicts []ConflictRecord `json:"conflicts"`
}

// Save writes the whole log to path atomically.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := snapshot{
		Version:   snapshotVersion,
		Records:   append([]record{}, s.records...),
		Conflicts: append([]ConflictRecord{}, s.conflicts...),
	}
	s.mu.RUnlock()

	if err := fsutil.WriteJSON(path, snap); err != nil {
		return fmt.Errorf("saving knowledge graph: %w", err)
	}
	return nil
}

// Open replays the snapshot at path into a new store. A missing file
// yields an empty store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := NewStore(logger)

	var snap snapshot
	if err := fsutil.ReadJSON(path, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("opening knowledge graph: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}

	for i, r := range snap.Records {
		switch {
		case r.Kind == kindClaim && r.Claim != nil:
			c := *r.Claim
			s.appendClaimLocked(&c)
		case r.Kind == kindProtocol && r.Protocol != nil:
			p := *r.Protocol
			s.protocols = append(s.protocols, p)
			s.records = append(s.records, record{Kind: kindProtocol, Protocol: &p})
		default:
			return nil, fmt.Errorf("%w: record %d has kind %q", fsutil.ErrCorrupted, i, r.Kind)
		}
	}
	s.conflicts = append(s.conflicts, snap.Conflicts...)

	s.logger.Info("knowledge graph loaded",
		zap.String("path", path),
		zap.Int("claims", len(s.latest)),
		zap.Int("versions", len(s.claims)),
		zap.Int("protocols", len(s.protocols)),
	)
	return s, nil
}
