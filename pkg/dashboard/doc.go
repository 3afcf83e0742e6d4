// Package dashboard answers chart requests. Rendering a visualization submits
// its queries to the task queue, waits a bounded time for the results to land
// in the cache, then builds the figure. When the wait runs out the caller gets
// ErrNotReady and is expected to poll again.
package dashboard
