package knowledge

import "errors"

var (
	// ErrDataConflict rejects a write that would break a graph invariant:
	// malformed claims, or protocols that target no known gap.
	ErrDataConflict = errors.New("knowledge data conflict")

	// ErrUnsupportedVersion is returned by Open for snapshot files written
	// by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported knowledge graph version")
)
