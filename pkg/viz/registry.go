package viz

import (
	"fmt"

	"github.com/platinummonkey/forgehealth/pkg/timeseries"
)

const (
	PageOverview      = "overview"
	PageStarterHealth = "starter_health"
	PageCollaboration = "collaboration"
)

var pages = []string{PageOverview, PageStarterHealth, PageCollaboration}

var allIntervals = []timeseries.Interval{timeseries.Day, timeseries.Week, timeseries.Month, timeseries.Year}

var catalog = []*Visualization{
	issuesOverTime,
	busFactor,
	closureRatio,
	releaseFrequency,
	timeToFirstResponse,
	contributors,
	contributorImportance,
	codeChangeCommits,
	codeChangeLines,
	changeRequestReviews,
	technicalForks,
}

var byID = func() map[string]*Visualization {
	m := make(map[string]*Visualization, len(catalog))
	for _, v := range catalog {
		if _, dup := m[v.ID]; dup {
			panic(fmt.Sprintf("viz: duplicate visualization %q", v.ID))
		}
		m[v.ID] = v
	}
	return m
}()

// Lookup returns the visualization with the given id
func Lookup(id string) (*Visualization, error) {
	v, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVisualization, id)
	}
	return v, nil
}

// All returns every visualization in page order
func All() []*Visualization {
	return append([]*Visualization(nil), catalog...)
}

// Pages returns the page names in display order
func Pages() []string {
	return append([]string(nil), pages...)
}

// ByPage returns the visualizations of one page; nil for unknown pages
func ByPage(page string) []*Visualization {
	var out []*Visualization
	for _, v := range catalog {
		if v.Page == page {
			out = append(out, v)
		}
	}
	return out
}
