// Package services assembles the synthd object graph from configuration.
//
// Build opens the artifact stores and, when the pipeline is requested, the
// generator, cache, vector memory, document source, event publisher and
// orchestrator. The returned Registry hands them to the binaries and closes
// them in reverse order.
package services
