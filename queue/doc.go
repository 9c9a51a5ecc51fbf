// Package queue moves run jobs from submitters to workers. Two transports
// exist: an in-memory channel for single-process deployments and a Redis list
// pair (pending plus processing) giving at-least-once delivery across hosts.
//
// Delivery being at-least-once is safe because run execution is idempotent at
// stage granularity: a re-delivered job resumes after the last persisted
// stage instead of re-dispatching it.
package queue
