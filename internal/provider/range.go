package provider

import (
	"fmt"
	"strings"
	"time"
)

// Range is a chart range in the notation used by the gateway and yahoo.
type Range string

const (
	Range1d  Range = "1d"
	Range5d  Range = "5d"
	Range1mo Range = "1mo"
	Range3mo Range = "3mo"
	Range6mo Range = "6mo"
	Range1y  Range = "1y"
	Range2y  Range = "2y"
	Range5y  Range = "5y"
	RangeYtd Range = "ytd"
	RangeMax Range = "max"
)

type rangeSpec struct {
	interval string
	days     int
}

var ranges = map[Range]rangeSpec{
	Range1d:  {"5m", 1},
	Range5d:  {"30m", 5},
	Range1mo: {"1d", 31},
	Range3mo: {"1d", 92},
	Range6mo: {"1d", 183},
	Range1y:  {"1d", 366},
	Range2y:  {"1wk", 731},
	Range5y:  {"1wk", 1827},
	RangeYtd: {"1d", 0},
	RangeMax: {"1mo", 0},
}

// ParseRange validates a range string. An empty string means 1mo.
func ParseRange(s string) (Range, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Range1mo, nil
	}
	r := Range(s)
	if _, ok := ranges[r]; !ok {
		return "", fmt.Errorf("%w: unsupported range %q", ErrInvalidRequest, s)
	}
	return r, nil
}

// Interval is the bar granularity requested for the range.
func (r Range) Interval() string { return ranges[r].interval }

// Days is the number of calendar days the range spans ending at now.
// It returns 0 for max.
func (r Range) Days(now time.Time) int {
	if r == RangeYtd {
		start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
		return int(now.Sub(start).Hours()/24) + 1
	}
	return ranges[r].days
}

// Start is the first instant covered by the range. Zero for max.
func (r Range) Start(now time.Time) time.Time {
	d := r.Days(now)
	if d == 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -d)
}

func (r Range) String() string { return string(r) }
