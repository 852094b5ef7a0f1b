package store

import (
	"context"
	"errors"

	"github.com/zengqingfu1442/onnx-simplifier/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Completion carries the result of a successful conversion.
type Completion struct {
	Output      []byte
	OutputNodes *int
}

// JobStats holds aggregate conversion statistics.
type JobStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByOperation map[string]int `json:"count_by_operation"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	OutputBytes      int64          `json:"output_bytes"`
}

// Store defines the persistence operations for conversion jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	AssignWorker(ctx context.Context, id string, worker int) error
	MarkRunning(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string, c Completion) error
	FailJob(ctx context.Context, id, reason string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertMessage(ctx context.Context, jobID string, seq int, channel, line string) error
	GetMessages(ctx context.Context, jobID string) ([]model.MessageLine, error)
	Close() error
}
