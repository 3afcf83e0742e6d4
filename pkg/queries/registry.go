package queries

import (
	"sort"
	"strings"
)

var registry = map[string]Runner{}

func register[T any](q *Query[T]) *Query[T] {
	if _, dup := registry[q.name]; dup {
		panic("queries: duplicate query " + q.name)
	}
	registry[q.name] = q
	return q
}

// Lookup returns the registered query with the given name
func Lookup(name string) (Runner, bool) {
	r, ok := registry[name]
	return r, ok
}

// Names lists registered query names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered query, ordered by name
func All() []Runner {
	names := Names()
	out := make([]Runner, len(names))
	for i, name := range names {
		out[i] = registry[name]
	}
	return out
}

var actionLabels = map[string]string{
	"pull_request_open":    "PR Opened",
	"pull_request_comment": "PR Comment",
	"pull_request_closed":  "PR Closed",
	"pull_request_merged":  "PR Merged",
	"issue_opened":         "Issue Opened",
	"issue_closed":         "Issue Closed",
	"issue_comment":        "Issue Comment",
	"commit":               "Commit",
}

// NormalizeAction maps raw explorer action names to display labels.
// Every pull_request_review_<STATE> collapses to "PR Review".
func NormalizeAction(action string) string {
	if label, ok := actionLabels[action]; ok {
		return label
	}
	if strings.HasPrefix(action, "pull_request_review_") {
		return "PR Review"
	}
	return action
}
