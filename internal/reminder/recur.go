package reminder

import "time"

// NextOccurrence computes the next occurrence of a recurring reminder.
//
// The step is taken in local calendar time in loc, not as a fixed number of
// seconds: crossing a DST boundary yields a 23h or 25h gap in UTC terms while
// the local wall-clock hour is preserved. Monthly steps clamp the day of
// month to the length of the target month (Jan 31 -> Feb 28/29).
//
// ok is false for a non-recurring or unknown kind; that is a logic error in
// the caller, never user input.
func NextOccurrence(t time.Time, kind Kind, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	hh, mm, ss := lt.Clock()
	ns := lt.Nanosecond()

	switch kind {
	case Daily:
		return time.Date(y, m, d+1, hh, mm, ss, ns, loc).UTC(), true
	case Weekly:
		return time.Date(y, m, d+7, hh, mm, ss, ns, loc).UTC(), true
	case Monthly:
		ny, nm := y, m+1
		if nm > time.December {
			ny, nm = y+1, time.January
		}
		nd := d
		if last := daysIn(ny, nm); nd > last {
			nd = last
		}
		return time.Date(ny, nm, nd, hh, mm, ss, ns, loc).UTC(), true
	default:
		return time.Time{}, false
	}
}

// NextAfter applies NextOccurrence repeatedly until the result is strictly
// after now. This is how missed periods are skipped after downtime: each step
// strictly increases, so the loop always terminates.
func NextAfter(t time.Time, kind Kind, loc *time.Location, now time.Time) (time.Time, bool) {
	next, ok := NextOccurrence(t, kind, loc)
	for ok && !next.After(now) {
		next, ok = NextOccurrence(next, kind, loc)
	}
	return next, ok
}

func daysIn(y int, m time.Month) int {
	// Day 0 of the following month is the last day of m.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
