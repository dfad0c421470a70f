// Package period maps timestamps onto calendar-aligned buckets (day, ISO
// week, month, all UTC) and builds dense, gap-filled time series.
package period

import "time"

// Granularity selects the calendar bucket size.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// EpochFloor is the cutoff below which event timestamps are treated as
// invalid placeholders (e.g. date_unixtime 0) and excluded from ranges and
// bucket counts.
var EpochFloor = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Parse returns the granularity named by s, defaulting to Day.
func Parse(s string) Granularity {
	switch Granularity(s) {
	case Week:
		return Week
	case Month:
		return Month
	default:
		return Day
	}
}

// BucketKey truncates t down to the start of its bucket in UTC: midnight for
// day, Monday midnight of the containing ISO week, or the first of the month.
func BucketKey(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case Week:
		offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
		return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// next returns the start of the bucket immediately after key.
func next(key time.Time, g Granularity) time.Time {
	switch g {
	case Week:
		return key.AddDate(0, 0, 7)
	case Month:
		return key.AddDate(0, 1, 0)
	default:
		return key.AddDate(0, 0, 1)
	}
}

// FillRange produces every bucket key from BucketKey(min) through
// BucketKey(max) inclusive, in order, with no gaps and no duplicates.
func FillRange(min, max time.Time, g Granularity) []time.Time {
	start := BucketKey(min, g)
	end := BucketKey(max, g)
	if end.Before(start) {
		return nil
	}
	var keys []time.Time
	for k := start; !k.After(end); k = next(k, g) {
		keys = append(keys, k)
	}
	return keys
}

// Point is one dense-series entry.
type Point struct {
	Period time.Time `json:"period"`
	Count  int       `json:"count"`
}

// Series buckets the given event timestamps and gap-fills the observed range
// with zero-count entries. Timestamps before EpochFloor are discarded both
// from the range computation and from every bucket count, so the sum of the
// returned counts always equals the number of floor-passing events.
func Series(events []time.Time, g Granularity) []Point {
	counts := make(map[time.Time]int)
	var min, max time.Time
	seen := false
	for _, t := range events {
		t = t.UTC()
		if t.Before(EpochFloor) {
			continue
		}
		counts[BucketKey(t, g)]++
		if !seen || t.Before(min) {
			min = t
		}
		if !seen || t.After(max) {
			max = t
		}
		seen = true
	}
	if !seen {
		return []Point{}
	}
	keys := FillRange(min, max, g)
	series := make([]Point, 0, len(keys))
	for _, k := range keys {
		series = append(series, Point{Period: k, Count: counts[k]})
	}
	return series
}
