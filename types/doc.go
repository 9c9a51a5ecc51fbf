/*
Package types provides the shared type contracts for the Stagehand engine.

types is the lowest-level package in the module and imports no other
internal package, so every subsystem (workflow, runstore, queue, api) can
depend on it without cycles. It defines the structured error taxonomy used
across the engine and the context propagation helpers for run and trace
identifiers.
*/
package types
