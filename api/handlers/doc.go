// Package handlers implements the HTTP handlers and middleware behind the
// api package's router: run submission, state reads, cancellation,
// replay/fork, and health probes.
package handlers
