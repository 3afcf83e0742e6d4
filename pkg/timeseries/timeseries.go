package timeseries

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout formats period labels
const DateLayout = "2006-01-02"

// Interval is a bucket width
type Interval string

const (
	Day   Interval = "D"
	Week  Interval = "W"
	Month Interval = "M"
	Year  Interval = "Y"
)

// ErrInvalidInterval is returned for anything other than D, W, M or Y
var ErrInvalidInterval = errors.New("invalid interval")

// ParseInterval accepts D/W/M/Y or day/week/month/year, case-insensitive
func ParseInterval(s string) (Interval, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "D", "DAY":
		return Day, nil
	case "W", "WEEK":
		return Week, nil
	case "M", "MONTH":
		return Month, nil
	case "Y", "YEAR":
		return Year, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

// PeriodStart truncates t (in UTC) to the start of its bucket. Weeks run
// Monday through Sunday and are labelled by their Monday.
func PeriodStart(t time.Time, iv Interval) time.Time {
	y, m, d := t.UTC().Date()
	switch iv {
	case Week:
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after the one starting at p
func Next(p time.Time, iv Interval) time.Time {
	switch iv {
	case Week:
		return p.AddDate(0, 0, 7)
	case Month:
		return p.AddDate(0, 1, 0)
	case Year:
		return p.AddDate(1, 0, 0)
	default:
		return p.AddDate(0, 0, 1)
	}
}

// Point is one bucket of a series
type Point struct {
	Period time.Time `json:"period"`
	Value  float64   `json:"value"`
}

// Label formats the bucket start as a date
func (p Point) Label() string {
	return p.Period.Format(DateLayout)
}

// CountByPeriod counts times per bucket
func CountByPeriod(times []time.Time, iv Interval) []Point {
	buckets := make(map[time.Time]float64)
	for _, t := range times {
		buckets[PeriodStart(t, iv)]++
	}
	return sorted(buckets)
}

// SumByPeriod sums values[i] into the bucket of times[i]
func SumByPeriod(times []time.Time, values []float64, iv Interval) []Point {
	buckets := make(map[time.Time]float64)
	for i, t := range times {
		buckets[PeriodStart(t, iv)] += values[i]
	}
	return sorted(buckets)
}

// MeanByPeriod averages values[i] per bucket of times[i]
func MeanByPeriod(times []time.Time, values []float64, iv Interval) []Point {
	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]float64)
	for i, t := range times {
		p := PeriodStart(t, iv)
		sums[p] += values[i]
		counts[p]++
	}
	for p := range sums {
		sums[p] /= counts[p]
	}
	return sorted(sums)
}

// DistinctByPeriod counts distinct keys[i] per bucket of times[i]
func DistinctByPeriod(times []time.Time, keys []string, iv Interval) []Point {
	sets := make(map[time.Time]map[string]struct{})
	for i, t := range times {
		p := PeriodStart(t, iv)
		set, ok := sets[p]
		if !ok {
			set = make(map[string]struct{})
			sets[p] = set
		}
		set[keys[i]] = struct{}{}
	}
	buckets := make(map[time.Time]float64, len(sets))
	for p, set := range sets {
		buckets[p] = float64(len(set))
	}
	return sorted(buckets)
}

// Cumulative returns the running total of points
func Cumulative(points []Point) []Point {
	out := make([]Point, len(points))
	var total float64
	for i, p := range points {
		total += p.Value
		out[i] = Point{Period: p.Period, Value: total}
	}
	return out
}

// Percentages scales values to shares of their sum, in percent. A zero sum yields zeros.
func Percentages(values []float64) []float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	out := make([]float64, len(values))
	if total == 0 {
		return out
	}
	for i, v := range values {
		out[i] = v / total * 100
	}
	return out
}

// FillPeriods returns a dense series from the bucket of start through the
// bucket of end, taking values from points and zero elsewhere.
func FillPeriods(points []Point, iv Interval, start, end time.Time) []Point {
	values := make(map[time.Time]float64, len(points))
	for _, p := range points {
		values[PeriodStart(p.Period, iv)] += p.Value
	}
	last := PeriodStart(end, iv)
	var out []Point
	for p := PeriodStart(start, iv); !p.After(last); p = Next(p, iv) {
		out = append(out, Point{Period: p, Value: values[p]})
	}
	return out
}

// Span bounds one open item; a nil End means still open
type Span struct {
	Start time.Time
	End   *time.Time
}

// ActiveByDay counts, for every day from the earliest start through the
// latest start or end, the spans open at the close of that day: started
// before midnight and not ended by then. Spans that end on or before the
// day they start are not counted.
func ActiveByDay(spans []Span) []Point {
	if len(spans) == 0 {
		return nil
	}

	first := PeriodStart(spans[0].Start, Day)
	last := first
	for _, s := range spans {
		if d := PeriodStart(s.Start, Day); d.Before(first) {
			first = d
		} else if d.After(last) {
			last = d
		}
		if s.End != nil {
			if d := PeriodStart(*s.End, Day); d.After(last) {
				last = d
			}
		}
	}

	days := DailyRange(first, last)
	index := func(t time.Time) int {
		return int(PeriodStart(t, Day).Sub(first) / (24 * time.Hour))
	}

	// delta[i] changes the open count from day i onwards
	delta := make([]float64, len(days)+1)
	for _, s := range spans {
		start := index(s.Start)
		if s.End == nil {
			delta[start]++
			continue
		}
		// a span ending on or before its start day is never open
		if end := index(*s.End); end > start {
			delta[start]++
			delta[end]--
		}
	}

	out := make([]Point, len(days))
	var open float64
	for i, d := range days {
		open += delta[i]
		out[i] = Point{Period: d, Value: open}
	}
	return out
}

// DailyRange lists every midnight from start's day through end's day
func DailyRange(start, end time.Time) []time.Time {
	first := PeriodStart(start, Day)
	last := PeriodStart(end, Day)
	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func sorted(buckets map[time.Time]float64) []Point {
	out := make([]Point, 0, len(buckets))
	for p, v := range buckets {
		out = append(out, Point{Period: p, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out
}
