// Package async provides the worker pool that executes background query tasks,
// plus SafeGo for one-off goroutines.
//
// Every task runs with panic recovery and an optional per-task timeout. The
// pool drains its queue on Shutdown and cancels running tasks if the drain
// exceeds the deadline.
package async
