package viz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/figure"
	"github.com/platinummonkey/forgehealth/pkg/queries"
	"github.com/platinummonkey/forgehealth/pkg/timeseries"
)

var contributors = &Visualization{
	ID:    "contributors",
	Page:  PageCollaboration,
	Title: "Contributors",
	Description: "Distinct people active in each period: change request authors, commit authors, " +
		"reviewers and commenters. A falling trend marks a project at higher risk.",
	Intervals: []timeseries.Interval{timeseries.Week, timeseries.Month, timeseries.Year},
	Queries:   []string{queries.Contributors.Name()},
	Options:   []string{"exclude", "start", "end"},
	build:     buildContributors,
}

var contributorImportance = &Visualization{
	ID:    "contributor_importance",
	Page:  PageCollaboration,
	Title: "Contributor Importance",
	Description: "Share of one kind of contribution held by the top contributors, with everyone " +
		"else grouped as Other.",
	Queries: []string{queries.Contributors.Name()},
	Options: []string{"action", "top_k", "exclude", "start", "end"},
	build:   buildContributorImportance,
}

var codeChangeCommits = &Visualization{
	ID:    "code_change_commits",
	Page:  PageCollaboration,
	Title: "Code Change Commits",
	Description: "Commits in each period and the share of periods with at least one commit. " +
		"Projects with waning coding activity are potentially at risk.",
	Intervals: allIntervals,
	Queries:   []string{queries.Commits.Name()},
	build:     buildCodeChangeCommits,
}

var codeChangeLines = &Visualization{
	ID:    "code_change_lines",
	Page:  PageCollaboration,
	Title: "Code Change Lines",
	Description: "Lines added and removed in each period. Line counts show the volume of code " +
		"edits that commit counts hide, since one commit can be large or small.",
	Intervals: allIntervals,
	Queries:   []string{queries.Commits.Name()},
	build:     buildCodeChangeLines,
}

var changeRequestReviews = &Visualization{
	ID:    "change_request_reviews",
	Page:  PageCollaboration,
	Title: "Change Request Reviews",
	Description: "Reviews submitted in each period, split by outcome, with the number of distinct " +
		"reviewers. Shows how change requests are reviewed and processed.",
	Intervals: allIntervals,
	Queries:   []string{queries.PRReviews.Name()},
	build:     buildChangeRequestReviews,
}

var technicalForks = &Visualization{
	ID:    "technical_forks",
	Page:  PageCollaboration,
	Title: "Technical Forks",
	Description: "Forks created in each period and the running total. Forks let contributors " +
		"experiment with the code without affecting the main source.",
	Intervals: allIntervals,
	Queries:   []string{queries.Forks.Name()},
	build:     buildTechnicalForks,
}

// activeContributors applies the date range and login exclusions
func activeContributors(rows []queries.Contributor, p Params) []queries.Contributor {
	out := rows[:0:0]
	for _, r := range rows {
		if inRange(p, r.CreatedAt) && !excluded(p, r.Login) {
			out = append(out, r)
		}
	}
	return out
}

func buildContributors(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	rows, err := queries.Load(ctx, src, queries.Contributors, p.Repos)
	if err != nil {
		return nil, err
	}
	rows = activeContributors(rows, p)
	if len(rows) == 0 {
		return figure.NoData(), nil
	}

	times := make([]time.Time, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		times[i] = r.CreatedAt
		ids[i] = r.CntrbID
	}

	x, y := xy(timeseries.DistinctByPeriod(times, ids, p.Interval))
	line := figure.Line("Contributors", x, y)
	line.HoverTemplate = hover(p, "<br>Contributors: %{y}<br>")

	fig := figure.New(colored(line, 3))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Number of Contributors")
	fig.Layout.Margin = &figure.Margin{L: 40, R: 20, T: 20, B: 40}
	return fig, nil
}

func buildContributorImportance(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	rows, err := queries.Load(ctx, src, queries.Contributors, p.Repos)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]float64)
	for _, r := range activeContributors(rows, p) {
		if r.Action == p.Action {
			counts[r.CntrbID]++
		}
	}
	if len(counts) == 0 {
		return figure.NoData(), nil
	}

	labels, values := topK(ranked(counts), p.TopK)
	pie := figure.Pie(labels, values)
	pie.HoverTemplate = "Contributor ID: %{label} <br>Contributions: %{value}<br><extra></extra>"

	fig := figure.New(pie).Title(fmt.Sprintf("Top %d Contributors by %s", p.TopK, p.Action))
	fig.Layout.Legend = &figure.Legend{Title: &figure.Text{Text: "Contributor ID"}}
	return fig, nil
}

func buildCodeChangeCommits(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	commits, err := queries.Load(ctx, src, queries.Commits, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return figure.NoData(), nil
	}

	times := make([]time.Time, len(commits))
	for i, c := range commits {
		times[i] = c.AuthorTimestamp
	}
	// rows are sorted by author time
	dense := timeseries.FillPeriods(timeseries.CountByPeriod(times, p.Interval), p.Interval, times[0], times[len(times)-1])

	active := 0
	for _, pt := range dense {
		if pt.Value > 0 {
			active++
		}
	}
	noun := intervalNoun(p.Interval)
	pct := float64(active) / float64(len(dense)) * 100

	x, y := xy(dense)
	bar := figure.Bar("Commits", x, y)
	bar.HoverTemplate = hover(p, "<br>Commits: %{y}<br>")

	fig := figure.New(colored(bar, 0)).
		Title(fmt.Sprintf("Commits per %s (%.0f%% of %ss with at least one commit)", noun, pct, noun))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Number of Commits")
	return fig, nil
}

func buildCodeChangeLines(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	commits, err := queries.Load(ctx, src, queries.Commits, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return figure.NoData(), nil
	}

	times := make([]time.Time, len(commits))
	added := make([]float64, len(commits))
	removed := make([]float64, len(commits))
	for i, c := range commits {
		times[i] = c.AuthorTimestamp
		added[i] = float64(c.LinesAdded)
		removed[i] = -float64(c.LinesRemoved)
	}

	ax, ay := xy(timeseries.SumByPeriod(times, added, p.Interval))
	addBar := figure.Bar("Lines Added", ax, ay)
	addBar.HoverTemplate = hover(p, "<br>Lines Added: %{y}<br><extra></extra>")

	rx, ry := xy(timeseries.SumByPeriod(times, removed, p.Interval))
	removeBar := figure.Bar("Lines Removed", rx, ry)
	removeBar.HoverTemplate = hover(p, "<br>Lines Removed: %{y}<br><extra></extra>")

	fig := figure.New(colored(addBar, 2), colored(removeBar, 1))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Lines Changed")
	fig.Layout.BarMode = "relative"
	return fig, nil
}

// stateLabel turns CHANGES_REQUESTED into Changes Requested
func stateLabel(state string) string {
	words := strings.Fields(strings.ReplaceAll(strings.ToLower(state), "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return "Unknown"
	}
	return strings.Join(words, " ")
}

func buildChangeRequestReviews(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	reviews, err := queries.Load(ctx, src, queries.PRReviews, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(reviews) == 0 {
		return figure.NoData(), nil
	}

	byState := make(map[string][]time.Time)
	times := make([]time.Time, len(reviews))
	reviewers := make([]string, len(reviews))
	for i, r := range reviews {
		label := stateLabel(r.State)
		byState[label] = append(byState[label], r.SubmittedAt)
		times[i] = r.SubmittedAt
		reviewers[i] = r.ReviewerID
	}

	states := make([]string, 0, len(byState))
	for s := range byState {
		states = append(states, s)
	}
	sort.Strings(states)

	traces := make([]figure.Trace, 0, len(states)+1)
	for i, s := range states {
		x, y := xy(timeseries.CountByPeriod(byState[s], p.Interval))
		bar := figure.Bar(s, x, y)
		bar.HoverTemplate = hover(p, "<br>"+s+": %{y}<br><extra></extra>")
		traces = append(traces, colored(bar, i))
	}

	rx, ry := xy(timeseries.DistinctByPeriod(times, reviewers, p.Interval))
	line := figure.Line("Reviewers", rx, ry)
	line.HoverTemplate = hover(p, "<br>Reviewers: %{y}<br><extra></extra>")
	traces = append(traces, colored(line, len(states)))

	fig := figure.New(traces...)
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("Number of Reviews")
	fig.Layout.BarMode = "stack"
	fig.Layout.Legend = &figure.Legend{Title: &figure.Text{Text: "Review State"}}
	return fig, nil
}

func buildTechnicalForks(ctx context.Context, src queries.Source, p Params) (*figure.Figure, error) {
	forks, err := queries.Load(ctx, src, queries.Forks, p.Repos)
	if err != nil {
		return nil, err
	}
	if len(forks) == 0 {
		return figure.NoData(), nil
	}

	created := make([]time.Time, len(forks))
	for i, f := range forks {
		created[i] = f.Created
	}
	counts := timeseries.CountByPeriod(created, p.Interval)

	x, y := xy(counts)
	bar := figure.Bar("Forks", x, y)
	bar.HoverTemplate = hover(p, "<br>Forks: %{y}<br><extra></extra>")

	cx, cy := xy(timeseries.Cumulative(counts))
	total := figure.Line("Total Forks", cx, cy)
	total.YAxis = "y2"
	total.HoverTemplate = hover(p, "<br>Total Forks: %{y}<br><extra></extra>")

	fig := figure.New(colored(bar, 0), colored(total, 3))
	fig.Layout.XAxis = timeAxis(p, "")
	fig.Layout.YAxis = figure.Titled("New Forks")
	fig.Layout.YAxis2 = &figure.Axis{Title: &figure.Text{Text: "Total Forks"}, Side: "right", Overlaying: "y"}
	return fig, nil
}
