package rollup

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestPeriodRangeTodayInShopTimezone(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2026-03-01 02:30 UTC is still 2026-02-28 in New York.
	now := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)

	r, err := PeriodRange(PeriodToday, now, ny)
	if err != nil {
		t.Fatalf("period range: %v", err)
	}
	if got := r.StartDate(); got != "2026-02-28" {
		t.Fatalf("expected start 2026-02-28, got %s", got)
	}
	if got := r.EndDate(); got != "2026-03-01" {
		t.Fatalf("expected end 2026-03-01, got %s", got)
	}
}

func TestPeriodRangeHalfOpenBoundaries(t *testing.T) {
	utc := time.UTC
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, utc)

	cases := []struct {
		period Period
		start  string
		end    string
	}{
		{PeriodToday, "2026-08-15", "2026-08-16"},
		{PeriodYesterday, "2026-08-14", "2026-08-15"},
		{Period7D, "2026-08-09", "2026-08-16"},
		{Period30D, "2026-07-17", "2026-08-16"},
		{PeriodMTD, "2026-08-01", "2026-08-16"},
		{PeriodQTD, "2026-07-01", "2026-08-16"},
		{PeriodYTD, "2026-01-01", "2026-08-16"},
	}
	for _, tc := range cases {
		r, err := PeriodRange(tc.period, now, utc)
		if err != nil {
			t.Fatalf("%s: %v", tc.period, err)
		}
		if r.StartDate() != tc.start || r.EndDate() != tc.end {
			t.Errorf("%s: got [%s, %s), want [%s, %s)", tc.period, r.StartDate(), r.EndDate(), tc.start, tc.end)
		}
	}
}

func TestPeriodRangeQuarterStarts(t *testing.T) {
	utc := time.UTC
	cases := []struct {
		month time.Month
		start string
	}{
		{time.February, "2026-01-01"},
		{time.May, "2026-04-01"},
		{time.September, "2026-07-01"},
		{time.December, "2026-10-01"},
	}
	for _, tc := range cases {
		now := time.Date(2026, tc.month, 10, 0, 0, 0, 0, utc)
		r, err := PeriodRange(PeriodQTD, now, utc)
		if err != nil {
			t.Fatalf("qtd %s: %v", tc.month, err)
		}
		if r.StartDate() != tc.start {
			t.Errorf("qtd in %s: expected start %s, got %s", tc.month, tc.start, r.StartDate())
		}
	}
}

func TestPeriodRangeRejectsUnknown(t *testing.T) {
	if _, err := PeriodRange(Period("fortnight"), time.Now(), time.UTC); !errors.Is(err, ErrUnknownPeriod) {
		t.Fatalf("expected ErrUnknownPeriod, got %v", err)
	}
}

func TestDateKeyInAnchorsToLocalDay(t *testing.T) {
	tokyo := mustLoc(t, "Asia/Tokyo")
	// 23:30 UTC is already the next day in Tokyo.
	instant := time.Date(2026, 6, 30, 23, 30, 0, 0, time.UTC)
	if got := DateKeyIn(instant, tokyo); got != "2026-07-01" {
		t.Fatalf("expected 2026-07-01, got %s", got)
	}
}
