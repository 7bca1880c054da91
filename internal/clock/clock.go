// Package clock lets the sync core schedule its typing timers against an
// injectable time source. Real wraps the time package; Fake only moves when
// a test advances it.
package clock

import "time"

// Clock is the time source handed to components that own timers.
type Clock interface {
	Now() time.Time

	// After delivers the time on the returned channel once d has passed.
	// A non-positive d delivers right away.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has passed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer cancels a pending AfterFunc call.
type Timer struct {
	cancel func() bool
}

// Stop cancels the call. It reports false if the call already ran or was
// cancelled before.
func (t *Timer) Stop() bool { return t.cancel() }

// Real returns the wall clock.
func Real() Clock { return wall{} }

type wall struct{}

func (wall) Now() time.Time { return time.Now() }

func (wall) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (wall) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{cancel: t.Stop}
}
