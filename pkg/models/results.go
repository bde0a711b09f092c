package models

import (
	"encoding/json"
	"time"
)

// Fragment is one piece of the parent molecule produced by fragmentation.
// SMILES is canonical so that identical fragments fingerprint identically.
type Fragment struct {
	SMILES      string `json:"smiles"`
	BondIndices [2]int `json:"bond_indices"`
}

// FragmentationResult is the output document of the fragmentation stage.
type FragmentationResult struct {
	ParentSMILES string     `json:"parent_smiles"`
	Fragments    []Fragment `json:"fragments"`
}

// Provenance records which worker produced a result and when.
type Provenance struct {
	WorkerID   string    `json:"worker_id"`
	RoutingKey string    `json:"routing_key"`
	FinishedAt time.Time `json:"finished_at"`
}

// QCResult is one reference computation produced by a QC worker. Record is
// the engine's native result document and is treated as opaque.
type QCResult struct {
	Fragment   Fragment        `json:"fragment"`
	Spec       QCSpec          `json:"spec"`
	Record     json.RawMessage `json:"record"`
	Provenance Provenance      `json:"provenance"`
}

// QCStageOutput aggregates the qc-generation stage: one entry per task, in
// task order, with failures recorded but not carried as reference data.
type QCStageOutput struct {
	Results []QCResult       `json:"results"`
	Failed  []*ErrorDocument `json:"failed,omitempty"`
}

// OptimizationResult is the final output of a submission.
type OptimizationResult struct {
	RefitForceField     string          `json:"refit_force_field"`
	ObjectiveTrajectory []float64       `json:"objective_trajectory,omitempty"`
	Engine              string          `json:"engine"`
	Raw                 json.RawMessage `json:"raw,omitempty"`
	Provenance          Provenance      `json:"provenance"`
}
