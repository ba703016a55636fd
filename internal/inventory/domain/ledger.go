package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRange          = errors.New("invalid date range")
	ErrInvalidQuantity       = errors.New("quantity must be > 0")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrResourceBusy          = errors.New("inventory rows busy")
)

// Entry is the availability counter pair for one listing on one day.
type Entry struct {
	ListingID string
	Day       time.Time
	Available int
	Reserved  int
}

func (e Entry) Free() int {
	return e.Available - e.Reserved
}

// Range is a half-open span of days [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NewRange(start, end time.Time) (Range, error) {
	r := Range{Start: Day(start), End: Day(end)}
	if !r.Start.Before(r.End) {
		return Range{}, fmt.Errorf("%w: start %s must be before end %s", ErrInvalidRange,
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	}
	return r, nil
}

func (r Range) Nights() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// Days lists every date in the range in ascending order.
func (r Range) Days() []time.Time {
	days := make([]time.Time, 0, r.Nights())
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (r Range) Contains(day time.Time) bool {
	day = Day(day)
	return !day.Before(r.Start) && day.Before(r.End)
}

// Covers reports whether entries hold qty free units on every day of r. A day
// with no entry fails the check.
func Covers(entries []Entry, r Range, qty int) bool {
	byDay := make(map[time.Time]Entry, len(entries))
	for _, e := range entries {
		byDay[Day(e.Day)] = e
	}
	for _, d := range r.Days() {
		e, ok := byDay[d]
		if !ok || e.Free() < qty {
			return false
		}
	}
	return true
}
