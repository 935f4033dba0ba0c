// Package rollup folds per-order profit breakdowns and ad-spend entries
// into per-day, per-shop rollups and serves period-bucketed summaries.
package rollup

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownPeriod indicates a period name outside the supported set.
var ErrUnknownPeriod = errors.New("unknown period")

// Period names the supported summary buckets.
type Period string

const (
	PeriodToday     Period = "today"
	PeriodYesterday Period = "yesterday"
	Period7D        Period = "7d"
	Period30D       Period = "30d"
	PeriodMTD       Period = "mtd"
	PeriodQTD       Period = "qtd"
	PeriodYTD       Period = "ytd"
)

// Range is a half-open [Start, End) window in a shop's local time.
type Range struct {
	Start time.Time
	End   time.Time
}

// StartDate returns the first day key inside the range.
func (r Range) StartDate() string { return DateKey(r.Start) }

// EndDate returns the first day key outside the range, matching the
// half-open date filters in the store.
func (r Range) EndDate() string { return DateKey(r.End) }

// DateKey derives the YYYY-MM-DD rollup key for a local timestamp.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

// DateKeyIn anchors an instant to its shop-local calendar day.
func DateKeyIn(t time.Time, loc *time.Location) string {
	return DateKey(t.In(loc))
}

// PeriodRange derives the local-time window for a period relative to
// now. Trailing windows (7d, 30d) include the current day.
func PeriodRange(p Period, now time.Time, loc *time.Location) (Range, error) {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	tomorrow := midnight.AddDate(0, 0, 1)

	switch p {
	case PeriodToday:
		return Range{Start: midnight, End: tomorrow}, nil
	case PeriodYesterday:
		return Range{Start: midnight.AddDate(0, 0, -1), End: midnight}, nil
	case Period7D:
		return Range{Start: midnight.AddDate(0, 0, -6), End: tomorrow}, nil
	case Period30D:
		return Range{Start: midnight.AddDate(0, 0, -29), End: tomorrow}, nil
	case PeriodMTD:
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return Range{Start: start, End: tomorrow}, nil
	case PeriodQTD:
		quarterMonth := time.Month((int(local.Month())-1)/3*3 + 1)
		start := time.Date(local.Year(), quarterMonth, 1, 0, 0, 0, 0, loc)
		return Range{Start: start, End: tomorrow}, nil
	case PeriodYTD:
		start := time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return Range{Start: start, End: tomorrow}, nil
	default:
		return Range{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, p)
	}
}
