package models

import (
	"encoding/json"
	"time"
)

const (
	FragmentRoutingKey = "fragment"
	QCRoutingKey       = "qc"
	OptimizeRoutingKey = "optimize"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "pending"
	InFlightTaskStatus  TaskStatus = "in-flight"
	SucceededTaskStatus TaskStatus = "succeeded"
	FailedTaskStatus    TaskStatus = "failed"
	CachedTaskStatus    TaskStatus = "cached"
)

func (s TaskStatus) Terminal() bool {
	return s == SucceededTaskStatus || s == FailedTaskStatus || s == CachedTaskStatus
}

// TaskRecord is the smallest unit of work handed to a worker. At most one
// task per fingerprint is in-flight system wide; the cache manager's leases
// enforce that.
type TaskRecord struct {
	ID           string          `json:"id"`
	SubmissionID int64           `json:"submission_id"`
	StageOrdinal int             `json:"stage_ordinal"`
	Fingerprint  string          `json:"fingerprint"`
	RoutingKey   string          `json:"routing_key"`
	Input        json.RawMessage `json:"input"`
	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"max_retries"`
	Status       TaskStatus      `json:"status"`
	LastError    *ErrorDocument  `json:"last_error,omitempty"`
	ResultRef    string          `json:"result_ref,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
