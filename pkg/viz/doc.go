// Package viz defines the dashboard charts. Each Visualization names the
// cached queries it reads, loads their rows through a queries.Source and
// aggregates them into a plotly figure.
//
// Charts are grouped into the overview, starter_health and collaboration
// pages. A chart whose data is empty renders figure.NoData.
package viz
