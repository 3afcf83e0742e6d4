package timeseries

import "time"

const (
	dayMillis  = 24 * 60 * 60 * 1000
	weekMillis = 7 * dayMillis
)

// Axis describes the time x-axis of a chart for one interval
type Axis struct {
	// Range is the initial visible window; nil lets the chart autorange
	Range []string
	Title string
	// Hover is the plotly hovertemplate fragment for the x value
	Hover string
	// DTick is a tick spacing in milliseconds or a plotly "M<n>" string
	DTick any
}

// GraphTimeValues returns the x-axis settings used by every time chart.
// Fine intervals open on a recent window so a long history stays readable.
func GraphTimeValues(iv Interval, now time.Time) Axis {
	today := PeriodStart(now, Day)
	window := func(weeks int) []string {
		return []string{today.AddDate(0, 0, -7*weeks).Format(DateLayout), today.Format(DateLayout)}
	}

	switch iv {
	case Day:
		return Axis{Range: window(4), Title: "Day", Hover: "Day: %{x|%b %d, %Y}", DTick: dayMillis}
	case Week:
		return Axis{Range: window(30), Title: "Week", Hover: "Week: %{x|%b %d, %Y}", DTick: weekMillis}
	case Month:
		return Axis{Range: window(104), Title: "Month", Hover: "Month: %{x|%b %Y}", DTick: "M1"}
	default:
		return Axis{Title: "Year", Hover: "Year: %{x|%Y}", DTick: "M12"}
	}
}
