// Package api defines the HTTP surface of the engine: request and response
// shapes plus the router. The surface is deliberately thin plumbing over the
// queue transport and the run store; all orchestration semantics live in the
// workflow package.
package api
