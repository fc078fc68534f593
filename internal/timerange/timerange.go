// ============================================================================
// batchtest Date Bucketer
// ============================================================================
//
// Package: internal/timerange
// File: timerange.go
// Purpose: Parse YYYYMMDD-YYYYMMDD ranges and split them into month buckets
//
// Modes:
//   calendar - one bucket per calendar month touched by the range, clamped
//              to the range endpoints (authoritative)
//   fixed30  - legacy stepping: n = months spanned, bucket i starts at
//              start+30*i days and lasts 30 days; drifts on 28/29/31-day months
//   whole    - the range itself is a single bucket
//
// Everything in this package is pure: no I/O, no clock reads.
//
// ============================================================================

package timerange

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

var (
	// ErrInvalidRange reports a malformed or inverted date range.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrUnknownMode reports an unsupported bucketing mode.
	ErrUnknownMode = errors.New("unknown bucket mode")
)

// Mode selects the bucketing policy.
type Mode = types.BucketKind

// ParseMode accepts the textual mode names used in config and flags.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", types.BucketCalendar:
		return types.BucketCalendar, nil
	case types.BucketFixed30:
		return types.BucketFixed30, nil
	case types.BucketWhole:
		return types.BucketWhole, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Parse reads a single "YYYYMMDD-YYYYMMDD" range. An empty end ("20230104-")
// runs until now, truncated to the day.
func Parse(s string, now time.Time) (types.DateRange, error) {
	s = strings.TrimSpace(s)
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return types.DateRange{}, fmt.Errorf("%w: %q: expected START-END", ErrInvalidRange, s)
	}

	start, err := time.Parse(types.DateLayout, startStr)
	if err != nil {
		return types.DateRange{}, fmt.Errorf("%w: %q: bad start date: %v", ErrInvalidRange, s, err)
	}

	var end time.Time
	if endStr == "" {
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		end, err = time.Parse(types.DateLayout, endStr)
		if err != nil {
			return types.DateRange{}, fmt.Errorf("%w: %q: bad end date: %v", ErrInvalidRange, s, err)
		}
	}

	r := types.DateRange{Start: start, End: end}
	if err := Validate(r); err != nil {
		return types.DateRange{}, err
	}
	return r, nil
}

// ParseList reads one or more ranges separated by whitespace or commas.
func ParseList(s string, now time.Time) ([]types.DateRange, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no range given", ErrInvalidRange)
	}

	ranges := make([]types.DateRange, 0, len(fields))
	for _, f := range fields {
		r, err := Parse(f, now)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Validate checks start <= end.
func Validate(r types.DateRange) error {
	if r.Start.After(r.End) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange,
			r.Start.Format(types.DateLayout), r.End.Format(types.DateLayout))
	}
	return nil
}

// MonthsSpanned counts calendar months from start's month through end's month.
func MonthsSpanned(r types.DateRange) int {
	return (r.End.Year()-r.Start.Year())*12 + int(r.End.Month()) - int(r.Start.Month()) + 1
}

// Bucketize splits r according to mode.
func Bucketize(r types.DateRange, mode Mode) ([]types.MonthBucket, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}

	switch mode {
	case types.BucketCalendar, "":
		return calendarBuckets(r), nil
	case types.BucketFixed30:
		return fixed30Buckets(r), nil
	case types.BucketWhole:
		return []types.MonthBucket{{Start: r.Start, End: r.End, Kind: types.BucketWhole}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// BucketizeAll buckets every range in order and numbers the buckets sequentially.
func BucketizeAll(ranges []types.DateRange, mode Mode) ([]types.MonthBucket, error) {
	var all []types.MonthBucket
	for _, r := range ranges {
		buckets, err := Bucketize(r, mode)
		if err != nil {
			return nil, err
		}
		all = append(all, buckets...)
	}
	for i := range all {
		all[i].Index = i
	}
	return all, nil
}

func calendarBuckets(r types.DateRange) []types.MonthBucket {
	n := MonthsSpanned(r)
	buckets := make([]types.MonthBucket, 0, n)

	first := time.Date(r.Start.Year(), r.Start.Month(), 1, 0, 0, 0, 0, r.Start.Location())
	for i := 0; i < n; i++ {
		monthStart := first.AddDate(0, i, 0)
		monthEnd := monthStart.AddDate(0, 1, -1)

		b := types.MonthBucket{Index: i, Start: monthStart, End: monthEnd, Kind: types.BucketCalendar}
		if b.Start.Before(r.Start) {
			b.Start = r.Start
		}
		if b.End.After(r.End) {
			b.End = r.End
		}
		buckets = append(buckets, b)
	}
	return buckets
}

func fixed30Buckets(r types.DateRange) []types.MonthBucket {
	n := MonthsSpanned(r)
	buckets := make([]types.MonthBucket, 0, n)
	for i := 0; i < n; i++ {
		start := r.Start.AddDate(0, 0, 30*i)
		buckets = append(buckets, types.MonthBucket{
			Index: i,
			Start: start,
			End:   start.AddDate(0, 0, 30),
			Kind:  types.BucketFixed30,
		})
	}
	return buckets
}
