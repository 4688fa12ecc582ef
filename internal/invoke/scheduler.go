package invoke

import "time"

// Timer is a pending scheduled function.
type Timer interface {
	// Stop prevents the function from running. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Scheduler runs functions after a delay on a goroutine of its own.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
