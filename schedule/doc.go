// Package schedule triggers workflow runs on a recurring basis. Workflows
// carrying a schedule expression are registered with the Scheduler, which
// submits jobs through the ordinary queue Transport; the executor has no
// scheduling-specific code path.
//
// Supported expressions: five-field cron (minute hour day-of-month month
// day-of-week) with "*", numbers, ranges, lists, and "*/n" steps, plus the
// shorthands "@hourly", "@daily", and "@every DURATION".
package schedule
