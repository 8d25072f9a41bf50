// Package scheduler runs a fixed set of registered jobs on calendar recurrence rules.
//
// Each registration gets its own lane (a supervised goroutine) that:
//   - computes the next fire time from its Schedule
//   - waits for that time and for its Precondition gate to open
//   - runs the job synchronously, then marks the registration Completed
//
// A separate daily reset lane moves Completed registrations back to
// WaitingToStart at local midnight so recurring rules can fire again.
//
// Status fields are read across lanes without the engine lock. A precondition
// check may therefore observe a status that is changing concurrently; gates
// are advisory, not transactional.
package scheduler
