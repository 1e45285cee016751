// Package pipeline runs a bounded three-stage pipeline: extraction workers
// transform work items into records, one load lane per channel batches records
// and commits them, and a single monitor aggregates committed counts.
//
// Stages are connected by bounded queues. A run drains stage by stage by
// sending one stop marker per worker, and the first fatal error aborts the
// whole run.
package pipeline
