package executor

import (
	"context"
	"encoding/json"

	"github.com/beflow/beflow/pkg/models"
)

// Input is everything a stage executor needs to run one task: the opaque
// input document plus the worker's resource budget.
type Input struct {
	TaskID          string           `json:"task_id"`
	RoutingKey      string           `json:"routing_key"`
	Stage           models.StageKind `json:"stage"`
	Document        json.RawMessage  `json:"document"`
	Cores           int              `json:"cores"`
	MemoryPerCoreGB float64          `json:"memory_per_core_gb,omitempty"`
	WorkDir         string           `json:"work_dir,omitempty"`
	KeepFiles       bool             `json:"keep_files,omitempty"`
}

// Error is a failure reported by the scientific engine itself, as opposed to
// a crash or I/O failure of the process running it. Reported errors are not
// retried for fragmentation and optimization.
type Error struct {
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Detail  string           `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Document() *models.ErrorDocument {
	return &models.ErrorDocument{Code: e.Code, Message: e.Message, Detail: e.Detail}
}

// StageExecutor invokes the external scientific engine for one stage kind.
// A returned *Error is a reported failure; any other error is transient and
// subject to queue redelivery. Implementations must honor ctx cancellation
// within the configured grace period.
type StageExecutor interface {
	Execute(ctx context.Context, in Input) (json.RawMessage, error)
}

// Registry maps routing keys to the executor serving them.
type Registry map[string]StageExecutor
