package scheduler

import "errors"

var (
	ErrNilJob           = errors.New("scheduler: job is nil")
	ErrEmptyName        = errors.New("scheduler: job name is empty")
	ErrDuplicateName    = errors.New("scheduler: job name already registered")
	ErrRunning          = errors.New("scheduler: lanes are running")
	ErrClosed           = errors.New("scheduler: engine closed")
	ErrInvalidSchedule  = errors.New("scheduler: invalid schedule")
	ErrInvalidCondition = errors.New("scheduler: invalid precondition")
	ErrLaneFaulted      = errors.New("scheduler: lane faulted")
)
