// Package telemetry wraps OpenTelemetry SDK initialization, providing a
// centralized TracerProvider and MeterProvider for stagehand. When telemetry
// is disabled it returns noop providers and never connects to an external
// collector.
package telemetry
