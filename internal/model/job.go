package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a final job state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// MessageLine is a single persisted stdout/stderr line relayed for a job.
type MessageLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Channel   string    `json:"channel"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is one conversion request submitted through the host channel.
type Job struct {
	ID          string     `json:"id"`
	Operation   string     `json:"operation"`
	Status      string     `json:"status"`
	Worker      int        `json:"worker"`
	InputBytes  int        `json:"input_bytes"`
	InputNodes  *int       `json:"input_nodes,omitempty"`
	OutputBytes *int       `json:"output_bytes,omitempty"`
	OutputNodes *int       `json:"output_nodes,omitempty"`
	Producer    string     `json:"producer,omitempty"`
	Output      []byte     `json:"-"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
