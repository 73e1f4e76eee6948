package replica

import "time"

// Task is a scheduled function that can be cancelled before it runs.
type Task interface {
	// Stop cancels the task. It returns false if the task already ran or was stopped.
	Stop() bool
}

// Scheduler runs functions after a delay. Tests substitute a manual
// implementation that advances virtual time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// RealScheduler schedules with the runtime timer. f runs on its own goroutine.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}
