package models

// Stage input documents: the opaque payloads handed to the external
// executors. Their canonical encodings are what task fingerprints hash.

// FragmentationInput asks the fragmentation engine to cut the parent
// molecule around the rotatable bonds being fit.
type FragmentationInput struct {
	SMILES     string         `json:"smiles"`
	Fragmenter FragmenterSpec `json:"fragmenter"`
}

// QCInput asks the QC engine for one reference computation on a fragment.
type QCInput struct {
	Fragment Fragment `json:"fragment"`
	Spec     QCSpec   `json:"spec"`
}

// OptimizationInput asks the optimizer to refit the initial force field
// against the collected reference data.
type OptimizationInput struct {
	ParentSMILES      string        `json:"parent_smiles"`
	InitialForceField string        `json:"initial_force_field"`
	Optimizer         OptimizerSpec `json:"optimizer"`
	Targets           []TargetSpec  `json:"targets"`
	QCResults         []QCResult    `json:"qc_results"`
}
