package coordinator

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/models"
)

// floatTolerance is the grid every floating-point input is snapped to
// before hashing, so that numerically identical specs fingerprint
// identically across processes.
const floatTolerance = 1e-9

// canonicalJSON produces a stable encoding of any JSON-marshalable value:
// object keys sorted, floats normalized, no references to host memory.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode fingerprint input")
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(normalize(decoded))
}

// normalize snaps floats to the tolerance grid. Maps re-marshal with sorted
// keys, so only numbers need touching.
func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case float64:
		if value == math.Trunc(value) {
			return value
		}
		return math.Round(value/floatTolerance) * floatTolerance
	case []interface{}:
		for i := range value {
			value[i] = normalize(value[i])
		}
		return value
	case map[string]interface{}:
		for key := range value {
			value[key] = normalize(value[key])
		}
		return value
	default:
		return v
	}
}

func fingerprint(v interface{}) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// FragmentFingerprint covers the parent molecule and the fragmenter spec.
func FragmentFingerprint(workflow models.Workflow) (string, error) {
	return fingerprint(map[string]interface{}{
		"stage":      models.FragmentationStage,
		"parent":     workflow.SMILES,
		"fragmenter": workflow.Fragmenter,
	})
}

// QCFingerprint covers the canonical fragment and the full method spec, so
// identical computations dedupe across submissions.
func QCFingerprint(fragment models.Fragment, spec models.QCSpec) (string, error) {
	return fingerprint(map[string]interface{}{
		"stage":            models.QCGenerationStage,
		"fragment":         fragment,
		"method":           spec.Method,
		"basis":            spec.Basis,
		"program":          spec.Program,
		"calculation_kind": spec.CalculationKind,
		"keywords":         spec.Keywords,
	})
}

// OptimizationFingerprint covers the initial force field, the optimizer
// hyperparameters and the sorted set of targets and QC reference results.
func OptimizationFingerprint(workflow models.Workflow, qcFingerprints []string) (string, error) {
	targets := make([]string, 0, len(workflow.Targets))
	for _, target := range workflow.Targets {
		canonical, err := canonicalJSON(target)
		if err != nil {
			return "", err
		}
		targets = append(targets, string(canonical))
	}
	sort.Strings(targets)

	references := append([]string(nil), qcFingerprints...)
	sort.Strings(references)

	return fingerprint(map[string]interface{}{
		"stage":      models.OptimizationStage,
		"initial_ff": workflow.InitialForceField,
		"optimizer":  workflow.Optimizer,
		"targets":    targets,
		"references": references,
	})
}
