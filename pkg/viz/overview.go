package viz

import (
	"context"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/timeseries"
)

var issuesOverTime = &Visualization{
	ID:    "issues_over_time",
	Page:  PageOverview,
	Title: "Issues Over Time",
	Description: "Issues opened and closed in each period, with a daily line of how many issues " +
		"were open at the end of each day.",
	Intervals: allIntervals,
	Queries:   []string{queries.Issues.Name()},
	build:     buildIssuesOverTime,
}

func buildIssuesOverTime(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	issues, err := queries.Load(ctx, src, queries.Issues, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return figure.NoData(), nil
	}

	created := make([]time.Time, 0, len(issues))
	var closed []time.Time
	spans := make([]timeseries.Span, 0, len(issues))
	for _, is := range issues {
		created = append(created, is.CreatedAt)
		if is.ClosedAt != nil {
			closed = append(closed, *is.ClosedAt)
		}
		spans = append(spans, timeseries.Span{Start: is.CreatedAt, End: is.ClosedAt})
	}

	cx, cy := xy(timeseries.CountByPeriod(created, p.Interval))
	opened := figure.Bar("Issues Created", cx, cy)
	opened.Opacity = 0.75
	opened.OffsetGroup = "0"
	opened.HoverTemplate = hover(p, "<br>Created Issues: %{y}<br><extra></extra>")

	dx, dy := xy(timeseries.CountByPeriod(closed, p.Interval))
	done := figure.Bar("Issues Closed", dx, dy)
	done.Opacity = 0.6
	done.OffsetGroup = "1"
	done.HoverTemplate = hover(p, "<br>Closed Issues: %{y}<br><extra></extra>")

	ox, oy := xy(timeseries.ActiveByDay(spans))
	open := figure.Line("Issues Actively Open", ox, oy)
	open.HoverTemplate = "Issues Open: %{y}<br>%{x|%b %d, %Y} <extra></extra>"

	fig := figure.New(colored(opened, 0), colored(done, 1), colored(open, 2))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Number of Issues")
	fig.Layout.BarGroupGap = 0.1
	fig.Layout.Margin = &figure.Margin{L: 40, R: 20, T: 20, B: 40}
	return fig, nil
}
