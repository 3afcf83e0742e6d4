// Package timeseries buckets event times into day, week, month or year
// periods and derives the series the charts plot from them.
//
// All bucketing happens in UTC. Weeks start on Monday.
package timeseries
