// Command stagehand runs the workflow orchestration service: the HTTP API,
// the worker pool consuming the job transport, the cron scheduler, and the
// metrics endpoint.
package main
