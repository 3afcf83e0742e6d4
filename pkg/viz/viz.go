package viz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/timeseries"
)

var (
	ErrUnknownVisualization = errors.New("unknown visualization")
	ErrInvalidParam         = errors.New("invalid parameter")
)

const (
	DefaultTopK = 10
	MaxTopK     = 100
	// DefaultAction is the contributor action ranked when none is given
	DefaultAction = "Commit"
)

// palette is the plotly qualitative sequence
var palette = []string{"#636EFA", "#EF553B", "#00CC96", "#AB63FA", "#FFA15A", "#19D3F3", "#FF6692", "#B6E880", "#FF97FF", "#FECB52"}

// Params are the user controls of a chart
type Params struct {
	Repos    []int64
	Interval timeseries.Interval
	TopK     int
	Action   string
	// Exclude drops contributors whose login contains any of these, case-insensitive
	Exclude []string
	Start   *time.Time
	End     *time.Time
	// Now anchors the initial x-axis window; zero means the current time
	Now time.Time
}

type buildFunc func(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error)

// Visualization is one chart of a dashboard page
type Visualization struct {
	ID          string                `json:"id"`
	Page        string                `json:"page"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Intervals   []timeseries.Interval `json:"intervals,omitempty"`
	Queries     []string              `json:"queries"`
	// Options lists the non-interval controls the chart reads
	Options []string `json:"options,omitempty"`

	build buildFunc
}

// DefaultInterval is monthly where supported
func (v *Visualization) DefaultInterval() timeseries.Interval {
	if len(v.Intervals) == 0 {
		return ""
	}
	if slices.Contains(v.Intervals, timeseries.Month) {
		return timeseries.Month
	}
	return v.Intervals[0]
}

// Validate fills defaults into p and rejects values the chart cannot use
func (v *Visualization) Validate(p Params) (Params, error) {
	if len(p.Repos) == 0 {
		return p, fmt.Errorf("%w: no repos", ErrInvalidParam)
	}

	if len(v.Intervals) == 0 {
		p.Interval = ""
	} else if p.Interval == "" {
		p.Interval = v.DefaultInterval()
	} else if !slices.Contains(v.Intervals, p.Interval) {
		return p, fmt.Errorf("%w: %s does not support interval %s", ErrInvalidParam, v.ID, p.Interval)
	}

	if p.TopK == 0 {
		p.TopK = DefaultTopK
	}
	if p.TopK < 0 || p.TopK > MaxTopK {
		return p, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidParam, MaxTopK)
	}

	if p.Action == "" {
		p.Action = DefaultAction
	}
	if p.Start != nil && p.End != nil && p.End.Before(*p.Start) {
		return p, fmt.Errorf("%w: end is before start", ErrInvalidParam)
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	return p, nil
}

// Build loads the chart's data from src and renders it
func (v *Visualization) Build(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	p, err := v.Validate(p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	fig, err := v.build(ctx, src, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", v.ID, err)
	}
	observability.FromContext(ctx).
		WithField("visualization", v.ID).
		WithField("repos", len(p.Repos)).
		WithField("empty", fig.IsEmpty()).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("Visualization built")
	return fig, nil
}

// timeAxis is a period x-axis with the interval's tick spacing and window
func timeAxis(p Params, title string) *figure.Axis {
	ax := timeseries.GraphTimeValues(p.Interval, p.Now)
	if title == "" {
		title = ax.Title
	}
	return &figure.Axis{
		Title:         &figure.Text{Text: title},
		ShowGrid:      true,
		TickLabelMode: "period",
		DTick:         ax.DTick,
		Range:         ax.Range,
	}
}

func hover(p Params, suffix string) string {
	return timeseries.GraphTimeValues(p.Interval, p.Now).Hover + suffix
}

func xy(points []timeseries.Point) ([]string, []float64) {
	x := make([]string, len(points))
	y := make([]float64, len(points))
	for i, pt := range points {
		x[i] = pt.Label()
		y[i] = pt.Value
	}
	return x, y
}

func colored(t figure.Trace, i int) figure.Trace {
	t.Marker = &figure.Marker{Color: palette[i%len(palette)]}
	return t
}

// inRange applies the optional inclusive date bounds
func inRange(p Params, t time.Time) bool {
	if p.Start != nil && t.Before(*p.Start) {
		return false
	}
	if p.End != nil && t.After(*p.End) {
		return false
	}
	return true
}

func excluded(p Params, login string) bool {
	login = strings.ToLower(login)
	for _, pattern := range p.Exclude {
		if pattern != "" && strings.Contains(login, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// shortID trims a contributor uuid to its first group
func shortID(id string) string {
	head, _, _ := strings.Cut(id, "-")
	return head
}

func intervalNoun(iv timeseries.Interval) string {
	switch iv {
	case timeseries.Day:
		return "day"
	case timeseries.Week:
		return "week"
	case timeseries.Year:
		return "year"
	default:
		return "month"
	}
}
