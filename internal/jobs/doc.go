// Package jobs builds the scheduler.Job values named in the config file.
//
// Two kinds exist: "command" runs an external program and "download" fetches
// one file per period (day, month or year) from environment.initial_year up to
// today. Neither kind parses what it fetches.
package jobs
