// Package orchestrator sequences agent stages over batches of documents.
//
// A run walks the fixed stage order
//
//	ingestion → audit → logic_check → invention → memory_retrieval →
//	discussion → publication → evaluation
//
// exactly once per stage. Each stage is retried with bounded exponential
// backoff; a stage that exhausts its attempts fails the run, keeping every
// output recorded before it. Knowledge writes (claims after logic_check,
// protocols after invention) are applied only after the runner returns, so
// a cancelled stage leaves the shared graph untouched.
//
// Gates run before each stage and can veto it. The order gate is always
// installed; others are registered with RegisterGate.
//
// After evaluation the judge's grade is recorded in the directive ledger,
// the knowledge graph and ledger are saved, and the run is marked
// completed. Directives active at run start are injected into every stage
// prompt of that run.
package orchestrator
