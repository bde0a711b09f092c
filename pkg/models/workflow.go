package models

import (
	"fmt"
	"strings"
)

// FragmenterSpec selects and configures the external fragmentation engine.
type FragmenterSpec struct {
	Scheme           string            `json:"scheme"`
	TargetBondSmarts []string          `json:"target_bond_smarts,omitempty"`
	Keywords         map[string]string `json:"keywords,omitempty"`
}

// QCSpec pins the quantum-chemical method used to generate reference data.
// Every field participates in the task fingerprint.
type QCSpec struct {
	Method          string            `json:"method"`
	Basis           string            `json:"basis"`
	Program         string            `json:"program"`
	CalculationKind string            `json:"calculation_kind"`
	Keywords        map[string]string `json:"keywords,omitempty"`
}

// OptimizerSpec configures the parameter optimization engine.
type OptimizerSpec struct {
	Engine          string             `json:"engine"`
	MaxIterations   int                `json:"max_iterations,omitempty"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
}

// TargetSpec is one fitting target contributing to the optimization
// objective. Kind is a tagged variant; Extras carries kind-specific options.
type TargetSpec struct {
	Kind   string            `json:"kind"`
	Weight float64           `json:"weight,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

// Workflow is the full bespoke parameterization plan for one input molecule.
type Workflow struct {
	Name              string         `json:"name,omitempty"`
	SMILES            string         `json:"smiles"`
	InitialForceField string         `json:"initial_force_field"`
	Fragmenter        FragmenterSpec `json:"fragmenter"`
	QCSpec            QCSpec         `json:"qc_spec"`
	Optimizer         OptimizerSpec  `json:"optimizer"`
	Targets           []TargetSpec   `json:"targets"`

	// QCFailureTolerance is the fraction of QC tasks allowed to fail while
	// the qc-generation stage still succeeds. Absent means any failure
	// fails the stage.
	QCFailureTolerance *float64 `json:"qc_failure_tolerance,omitempty"`
}

// Validate runs the declared schema validation. It is called at every
// ingress; a failure surfaces as an invalid-schema error.
func (w Workflow) Validate() error {
	var problems []string

	if strings.TrimSpace(w.SMILES) == "" {
		problems = append(problems, "smiles must not be empty")
	}
	if strings.TrimSpace(w.InitialForceField) == "" {
		problems = append(problems, "initial_force_field must not be empty")
	}
	if strings.TrimSpace(w.Fragmenter.Scheme) == "" {
		problems = append(problems, "fragmenter.scheme must not be empty")
	}
	if strings.TrimSpace(w.QCSpec.Method) == "" {
		problems = append(problems, "qc_spec.method must not be empty")
	}
	if strings.TrimSpace(w.QCSpec.Program) == "" {
		problems = append(problems, "qc_spec.program must not be empty")
	}
	if strings.TrimSpace(w.QCSpec.CalculationKind) == "" {
		problems = append(problems, "qc_spec.calculation_kind must not be empty")
	}
	if strings.TrimSpace(w.Optimizer.Engine) == "" {
		problems = append(problems, "optimizer.engine must not be empty")
	}
	if len(w.Targets) == 0 {
		problems = append(problems, "at least one fitting target is required")
	}
	for i, target := range w.Targets {
		if strings.TrimSpace(target.Kind) == "" {
			problems = append(problems, fmt.Sprintf("targets[%d].kind must not be empty", i))
		}
		if target.Weight < 0 {
			problems = append(problems, fmt.Sprintf("targets[%d].weight must not be negative", i))
		}
	}
	if w.QCFailureTolerance != nil && (*w.QCFailureTolerance < 0 || *w.QCFailureTolerance > 1) {
		problems = append(problems, "qc_failure_tolerance must be within [0, 1]")
	}

	if len(problems) > 0 {
		return &ErrorDocument{
			Code:    InvalidSchemaError,
			Message: "workflow failed validation",
			Detail:  strings.Join(problems, "; "),
		}
	}
	return nil
}
