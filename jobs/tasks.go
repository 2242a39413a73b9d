package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-sapsync/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSignalNudge tells running workers that a closure signal was written.
	TaskSignalNudge = "sapsync:signal"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SignalNudgePayload identifies the closure that became ready.
type SignalNudgePayload struct {
	ClosureID int64 `json:"closure_id"`
}

// NewSignalNudgeTask constructs an Asynq task for closureID.
func NewSignalNudgeTask(closureID int64) (*asynq.Task, error) {
	if closureID <= 0 {
		return nil, errors.New("jobs: closure id must be positive")
	}
	body, err := json.Marshal(SignalNudgePayload{ClosureID: closureID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSignalNudge, body, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}
