package service

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeSplit is the asynq task type for download-and-split jobs.
	TaskTypeSplit = "split:process"
	// QueueSplit is the queue split tasks are dispatched on.
	QueueSplit = "split"
)

// SplitTaskPayload is the asynq task payload binding a task to its job.
type SplitTaskPayload struct {
	JobID string `json:"jobId"`
}

// NewSplitTask creates the dispatch task for a job.
func NewSplitTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(SplitTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSplit, data), nil
}

// Enqueuer dispatches tasks to the worker pool. *asynq.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}
