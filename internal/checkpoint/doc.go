// Package checkpoint persists pipeline runs.
//
// A RunRecord is rewritten after every stage so a failed run keeps the
// outputs of the stages that succeeded. The StateStore allocates run ids
// and remembers the document source offset between invocations.
package checkpoint
