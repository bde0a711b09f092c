package models

import (
	"encoding/json"
	"time"
)

type StageKind string

const (
	FragmentationStage StageKind = "fragmentation"
	QCGenerationStage  StageKind = "qc-generation"
	OptimizationStage  StageKind = "optimization"
)

// DeclaredStages is the ordered stage sequence of every bespoke workflow.
func DeclaredStages() []StageKind {
	return []StageKind{FragmentationStage, QCGenerationStage, OptimizationStage}
}

// RoutingKey returns the queue routing key serving a stage kind.
func (k StageKind) RoutingKey() string {
	switch k {
	case FragmentationStage:
		return FragmentRoutingKey
	case QCGenerationStage:
		return QCRoutingKey
	case OptimizationStage:
		return OptimizeRoutingKey
	}
	return ""
}

type StageStatus string

const (
	PendingStageStatus StageStatus = "pending"
	RunningStageStatus StageStatus = "running"
	SuccessStageStatus StageStatus = "success"
	ErroredStageStatus StageStatus = "errored"
	SkippedStageStatus StageStatus = "skipped"
)

// Terminal stage records are immutable.
func (s StageStatus) Terminal() bool {
	return s == SuccessStageStatus || s == ErroredStageStatus || s == SkippedStageStatus
}

// StageRecord tracks one ordered step of a submission. Stage k+1 only leaves
// "pending" after stage k is terminal.
type StageRecord struct {
	SubmissionID int64           `json:"submission_id"`
	Ordinal      int             `json:"ordinal"`
	Kind         StageKind       `json:"kind"`
	Status       StageStatus     `json:"status"`
	TaskIDs      []string        `json:"task_ids,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *ErrorDocument  `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}
