// Package queries holds the SQL that feeds every chart and the row codecs
// that move results through the cache as Arrow IPC files.
//
// Each query is a typed Query[T]. The task queue only sees the Runner
// interface; visualizations use Load with the concrete row type:
//
//	issues, err := queries.Load(ctx, cache, queries.Issues, repos)
//
// Rows dated today or later are dropped before encoding, so a cached blob
// only ever contains complete days.
package queries
