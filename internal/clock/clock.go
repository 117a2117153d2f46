// Package clock provides the time source used by every time-dependent component
// and the bucket-boundary scheduler that drives date-relative consumers.
//
// # Overview
//
// Components never call time.Now or time.AfterFunc directly. They take a Clock,
// which is System() in production and a *Fake in tests:
//
//	fake := clock.NewFake(time.Date(2026, 1, 5, 10, 0, 30, 0, time.UTC))
//	sched := clock.NewScheduler(&clock.Config{Clock: fake})
//	unsubscribe := sched.SubscribeToNow(clock.Minute, func(now time.Time) {
//	    fmt.Println("minute changed:", now)
//	})
//	defer unsubscribe()
//	fake.Advance(30 * time.Second) // fires exactly once at 10:01:00
//
// # Scheduler
//
// The Scheduler never polls. While at least one listener is registered it keeps
// a single timer armed for the next minute boundary; on fire it recomputes the
// minute, hour and day buckets and notifies only the granularities whose bucket
// actually changed. With no listeners the timer is torn down, and the next
// subscription performs a synchronous catch-up.
package clock

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Clock is a source of the current time and of one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
