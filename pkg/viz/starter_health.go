package viz

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/timeseries"
)

var busFactor = &Visualization{
	ID:    "bus_factor",
	Page:  PageStarterHealth,
	Title: "Bus Factor",
	Description: "The bus factor is the smallest number of people that together make 50% of " +
		"contributions. The chart shows the share of the top contributors across the selected repos.",
	Queries: []string{queries.BusFactors.Name()},
	Options: []string{"top_k"},
	build:   buildBusFactor,
}

var closureRatio = &Visualization{
	ID:    "change_request_closure_ratio",
	Page:  PageStarterHealth,
	Title: "Change Request Closure Ratio",
	Description: "Change requests opened and closed in each period. The line is closed divided by " +
		"opened; a ratio that stays below one means the review backlog is growing.",
	Intervals: allIntervals,
	Queries:   []string{queries.PullRequests.Name()},
	build:     buildClosureRatio,
}

var releaseFrequency = &Visualization{
	ID:          "release_frequency",
	Page:        PageStarterHealth,
	Title:       "Release Frequency",
	Description: "Number of releases published in each period.",
	Intervals:   allIntervals,
	Queries:     []string{queries.Releases.Name()},
	build:       buildReleaseFrequency,
}

var timeToFirstResponse = &Visualization{
	ID:    "time_to_first_response",
	Page:  PageStarterHealth,
	Title: "Time to First Response (Pull Requests)",
	Description: "Average hours a pull request waited for its first comment from someone other " +
		"than its author, grouped by the period the request was closed in. Slow feedback " +
		"discourages contributors; many projects aim for about two days.",
	Intervals: allIntervals,
	Queries:   []string{queries.PRResponses.Name()},
	build:     buildTimeToFirstResponse,
}

// share is one slice of a contribution pie
type share struct {
	label string
	value float64
}

// ranked orders counts by value descending, ties by label
func ranked(counts map[string]float64) []share {
	out := make([]share, 0, len(counts))
	for label, v := range counts {
		out = append(out, share{label: label, value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].value != out[j].value {
			return out[i].value > out[j].value
		}
		return out[i].label < out[j].label
	})
	return out
}

// topK keeps the first k shares and lumps the rest into "Other"
func topK(shares []share, k int) ([]string, []float64) {
	var labels []string
	var values []float64
	var rest float64
	for i, s := range shares {
		if i < k {
			labels = append(labels, shortID(s.label))
			values = append(values, s.value)
			continue
		}
		rest += s.value
	}
	if rest > 0 {
		labels = append(labels, "Other")
		values = append(values, rest)
	}
	return labels, values
}

// busFactorOf is the fewest leading shares whose sum reaches half the total
func busFactorOf(shares []share) int {
	var total float64
	for _, s := range shares {
		total += s.value
	}
	if total == 0 {
		return 0
	}
	var running float64
	for i, s := range shares {
		running += s.value
		if running*2 >= total {
			return i + 1
		}
	}
	return len(shares)
}

func buildBusFactor(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	rows, err := queries.Load(ctx, src, queries.BusFactors, p.Repos)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]float64)
	for _, r := range rows {
		if r.Contributions > 0 {
			counts[r.CntrbID] += float64(r.Contributions)
		}
	}
	if len(counts) == 0 {
		return figure.NoData(), nil
	}

	shares := ranked(counts)
	labels, values := topK(shares, p.TopK)
	pie := figure.Pie(labels, timeseries.Percentages(values))
	pie.HoverTemplate = "Contributor ID: %{label} <br>Contribution Percentage: %{value:.2f}%<extra></extra>"

	fig := figure.New(pie).Title(fmt.Sprintf("Bus Factor: %d", busFactorOf(shares)))
	fig.Layout.Legend = &figure.Legend{Title: &figure.Text{Text: "Contributor ID"}}
	return fig, nil
}

func buildClosureRatio(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	prs, err := queries.Load(ctx, src, queries.PullRequests, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return figure.NoData(), nil
	}

	created := make([]time.Time, 0, len(prs))
	var closed []time.Time
	first, last := prs[0].CreatedAt, prs[0].CreatedAt
	for _, pr := range prs {
		created = append(created, pr.CreatedAt)
		if pr.CreatedAt.Before(first) {
			first = pr.CreatedAt
		}
		if pr.CreatedAt.After(last) {
			last = pr.CreatedAt
		}
		if pr.ClosedAt != nil {
			closed = append(closed, *pr.ClosedAt)
			if pr.ClosedAt.After(last) {
				last = *pr.ClosedAt
			}
		}
	}

	opened := timeseries.FillPeriods(timeseries.CountByPeriod(created, p.Interval), p.Interval, first, last)
	done := timeseries.FillPeriods(timeseries.CountByPeriod(closed, p.Interval), p.Interval, first, last)

	var rx []string
	var ry []float64
	for i := range opened {
		if opened[i].Value > 0 {
			rx = append(rx, opened[i].Label())
			ry = append(ry, done[i].Value/opened[i].Value)
		}
	}

	ox, oy := xy(opened)
	openedBar := figure.Bar("Change Requests Opened", ox, oy)
	openedBar.OffsetGroup = "0"
	openedBar.HoverTemplate = hover(p, "<br>Opened: %{y}<br><extra></extra>")

	dx, dy := xy(done)
	closedBar := figure.Bar("Change Requests Closed", dx, dy)
	closedBar.OffsetGroup = "1"
	closedBar.HoverTemplate = hover(p, "<br>Closed: %{y}<br><extra></extra>")

	ratio := figure.Line("Closure Ratio", rx, ry)
	ratio.YAxis = "y2"
	ratio.HoverTemplate = hover(p, "<br>Closed / Opened: %{y:.2f}<br><extra></extra>")

	fig := figure.New(colored(openedBar, 0), colored(closedBar, 1), colored(ratio, 3))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Number of Change Requests")
	fig.Layout.YAxis2 = &figure.Axis{Title: &figure.Text{Text: "Closed / Opened"}, Side: "right", Overlaying: "y"}
	fig.Layout.BarGroupGap = 0.1
	return fig, nil
}

func buildReleaseFrequency(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	releases, err := queries.Load(ctx, src, queries.Releases, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return figure.NoData(), nil
	}

	published := make([]time.Time, len(releases))
	for i, r := range releases {
		published[i] = r.PublishedAt
	}

	x, y := xy(timeseries.CountByPeriod(published, p.Interval))
	bar := figure.Bar("Releases", x, y)
	bar.HoverTemplate = hover(p, "<br>Releases: %{y}<br>")

	fig := figure.New(colored(bar, 2))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Number of Releases")
	return fig, nil
}

func buildTimeToFirstResponse(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	responses, err := queries.Load(ctx, src, queries.PRResponses, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return figure.NoData(), nil
	}

	closed := make([]time.Time, len(responses))
	hours := make([]float64, len(responses))
	for i, r := range responses {
		closed[i] = r.ClosedAt
		hours[i] = r.ResponseHours
	}

	x, y := xy(timeseries.MeanByPeriod(closed, hours, p.Interval))
	bar := figure.Bar("Average Response Time", x, y)
	bar.HoverTemplate = hover(p, "<br>Avg. Response Time in Hours: %{y}<br>")

	fig := figure.New(colored(bar, 3))
	fig.Layout.XAxis = timeAxis(p, "Date Request was Closed")
	fig.Layout.YAxis = figure.Titled("Average Response Time in Hours (PRs)")
	fig.Layout.Margin = &figure.Margin{L: 40, R: 20, T: 20, B: 40}
	return fig, nil
}
