package tasks

import "time"

// State is the lifecycle position of a task
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateSkipped means every repo was cached or pending elsewhere
	StateSkipped State = "skipped"
)

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// Task is one query run over a set of repos
type Task struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Repos      []int64   `json:"repos"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (t *Task) clone() Task {
	c := *t
	c.Repos = append([]int64(nil), t.Repos...)
	return c
}
