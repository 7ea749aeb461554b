package domain

import "time"

// DateLayout is the compact date format used by the brokerage API.
const DateLayout = "20060102"

// Day truncates t to midnight of its calendar date in loc and returns it in UTC,
// so that dates compare by calendar day regardless of the source timezone.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddMonths moves t by n calendar months, clamping the day to the last day of the
// target month (Jan 31 + 1 month = Feb 28/29). time.AddDate would normalise into March.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ParseDate parses a yyyyMMdd date as a UTC day.
func ParseDate(v string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, v, time.UTC)
}

// FormatDate renders t as yyyyMMdd.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
