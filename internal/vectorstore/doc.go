// Package vectorstore stores precomputed embeddings and answers nearest
// neighbour queries over them.
//
// Three backends implement Store:
//   - chromem: embedded and persisted to disk (default, no external service)
//   - qdrant: an external Qdrant server over gRPC (port 6334)
//   - pgvector: a Postgres table with the vector extension, cosine distance
//
// Stores never embed text themselves. Callers pass vectors produced by an
// embeddings.Provider so the same embedding is used for writes and queries.
//
//	store, err := vectorstore.NewStore(ctx, vectorstore.Settings{
//	    Backend:    "chromem",
//	    Path:       "~/.local/share/synthd/memory",
//	    Collection: "synth_memory",
//	    Dimension:  384,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Scores are cosine similarities, higher is closer. Backends return at most
// k hits ordered by score; tie ordering is left to the caller.
package vectorstore
