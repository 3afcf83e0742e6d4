// Package api is the HTTP surface of forgehealth.
//
// Routes are grouped by handler type, each with a RegisterRoutes method:
// RepoHandlers for repository search, QueryHandlers for the task queue and
// the result cache, VisualizationHandlers for the chart catalog and figures.
// A chart whose data is still being computed answers 202 with a Retry-After
// header; clients poll until they get the figure.
package api
