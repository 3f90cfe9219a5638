// Package scheduler triggers the process's periodic jobs: the dispatch tick
// on a fixed interval and housekeeping on cron specs.
//
// Jobs run on the cron goroutines, not on the delivery pool. A job that is
// still running when its next trigger fires is skipped, including across a
// restart caused by a config change.
package scheduler
