package notifier

import "time"

// Window is the calendar day used to throttle notifications to one per pair.
type Window struct {
	Start time.Time
}

// WindowAt returns the window containing now, using the calendar of loc.
func WindowAt(now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return Window{Start: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)}
}

// Notified reports whether a pair last notified at t has already been
// notified in this window. The start instant itself counts as inside.
func (w Window) Notified(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(w.Start)
}

// String formats the window as its calendar date.
func (w Window) String() string {
	return w.Start.Format("2006-01-02 MST")
}
