// Package runstore persists workflow run state. Three backends sit behind a
// common factory: an in-memory store for tests and development, a Redis store
// for distributed deployments, and a GORM store for durable relational run
// records.
//
// Every backend stores the full RunContext as a JSON snapshot, so a run can
// resume on any worker after a crash or re-delivery. Stores never mutate live
// run state; the executor owns the RunContext and stores only see copies.
package runstore
