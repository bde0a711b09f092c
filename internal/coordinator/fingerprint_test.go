package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/pkg/models"
)

func testWorkflow() models.Workflow {
	return models.Workflow{
		SMILES:            "CC",
		InitialForceField: "openff-2.0.0.offxml",
		Fragmenter:        models.FragmenterSpec{Scheme: "wbo"},
		QCSpec: models.QCSpec{
			Method:          "B3LYP-D3BJ",
			Basis:           "DZVP",
			Program:         "psi4",
			CalculationKind: "torsiondrive1d",
		},
		Optimizer: models.OptimizerSpec{Engine: "forcebalance"},
		Targets:   []models.TargetSpec{{Kind: "torsion-profile", Weight: 1.0}},
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	first, err := FragmentFingerprint(testWorkflow())
	require.NoError(t, err)
	second, err := FragmentFingerprint(testWorkflow())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 128) // sha-512 hex
}

func TestFingerprintSensitivity(t *testing.T) {
	base, err := FragmentFingerprint(testWorkflow())
	require.NoError(t, err)

	changed := testWorkflow()
	changed.SMILES = "CCO"
	other, err := FragmentFingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, other)

	// Changing fields outside the fragmentation inputs must not move it.
	unrelated := testWorkflow()
	unrelated.Optimizer.Engine = "something-else"
	same, err := FragmentFingerprint(unrelated)
	require.NoError(t, err)
	assert.Equal(t, base, same)
}

func TestQCFingerprintKeywordOrder(t *testing.T) {
	fragment := models.Fragment{SMILES: "CC[fragment-0]", BondIndices: [2]int{0, 1}}

	spec := testWorkflow().QCSpec
	spec.Keywords = map[string]string{"maxiter": "200", "scf_type": "df"}
	first, err := QCFingerprint(fragment, spec)
	require.NoError(t, err)

	spec.Keywords = map[string]string{"scf_type": "df", "maxiter": "200"}
	second, err := QCFingerprint(fragment, spec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFingerprintFloatNormalization(t *testing.T) {
	workflow := testWorkflow()
	workflow.Optimizer.Hyperparameters = map[string]float64{"trust_radius": 0.1}
	first, err := OptimizationFingerprint(workflow, []string{"a", "b"})
	require.NoError(t, err)

	// A perturbation far below the tolerance must not move the hash.
	workflow.Optimizer.Hyperparameters = map[string]float64{"trust_radius": 0.1 + 1e-13}
	second, err := OptimizationFingerprint(workflow, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	workflow.Optimizer.Hyperparameters = map[string]float64{"trust_radius": 0.2}
	third, err := OptimizationFingerprint(workflow, []string{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestOptimizationFingerprintReferenceOrder(t *testing.T) {
	workflow := testWorkflow()
	first, err := OptimizationFingerprint(workflow, []string{"b", "a", "c"})
	require.NoError(t, err)
	second, err := OptimizationFingerprint(workflow, []string{"c", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
