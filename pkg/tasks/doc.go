// Package tasks runs analytics queries in the background and writes their
// Arrow-encoded results to the shared cache.
//
// Submitting a query first drops repos that are already cached or claimed as
// pending by another process, then claims the rest. A task retries transient
// failures with exponential backoff (base 2, full jitter, five retries by
// default). An incomplete database environment fails the task at once.
// Pending claims are released whatever the outcome.
//
//	q, err := tasks.NewQueue(ctx, tasks.Config{Workers: 4, Retry: tasks.DefaultRetryConfig()}, db, cache, archive)
//	task, err := q.Submit(ctx, "issues", []int64{25430})
//	snapshot, ok := q.Status(task.ID)
package tasks
