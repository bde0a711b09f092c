package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/pkg/models"
)

func validWorkflow() models.Workflow {
	return models.Workflow{
		Name:              "default",
		SMILES:            "CC",
		InitialForceField: "openff-2.0.0.offxml",
		Fragmenter:        models.FragmenterSpec{Scheme: "wbo"},
		QCSpec: models.QCSpec{
			Method:          "B3LYP-D3BJ",
			Basis:           "DZVP",
			Program:         "psi4",
			CalculationKind: "torsiondrive1d",
		},
		Optimizer: models.OptimizerSpec{Engine: "forcebalance", MaxIterations: 10},
		Targets:   []models.TargetSpec{{Kind: "torsion-profile", Weight: 1.0}},
	}
}

func TestWorkflowValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validWorkflow().Validate())
	})

	t.Run("MissingSMILES", func(t *testing.T) {
		workflow := validWorkflow()
		workflow.SMILES = "  "
		err := workflow.Validate()
		require.Error(t, err)

		var doc *models.ErrorDocument
		require.ErrorAs(t, err, &doc)
		assert.Equal(t, models.InvalidSchemaError, doc.Code)
		assert.Contains(t, doc.Detail, "smiles")
	})

	t.Run("MissingTargets", func(t *testing.T) {
		workflow := validWorkflow()
		workflow.Targets = nil
		err := workflow.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "target")
	})

	t.Run("ToleranceOutOfRange", func(t *testing.T) {
		workflow := validWorkflow()
		tolerance := 1.5
		workflow.QCFailureTolerance = &tolerance
		assert.Error(t, workflow.Validate())

		tolerance = 0.5
		assert.NoError(t, workflow.Validate())
	})

	t.Run("NegativeTargetWeight", func(t *testing.T) {
		workflow := validWorkflow()
		workflow.Targets[0].Weight = -1
		assert.Error(t, workflow.Validate())
	})
}

func TestSubmissionRoundTrip(t *testing.T) {
	tolerance := 0.25
	workflow := validWorkflow()
	workflow.QCFailureTolerance = &tolerance

	submission := models.Submission{
		ID:        42,
		Workflow:  workflow,
		Status:    models.RunningSubmissionStatus,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	raw, err := json.Marshal(submission)
	require.NoError(t, err)

	var decoded models.Submission
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, submission, decoded)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, models.WaitingSubmissionStatus.Terminal())
	assert.False(t, models.RunningSubmissionStatus.Terminal())
	assert.True(t, models.SuccessSubmissionStatus.Terminal())
	assert.True(t, models.ErroredSubmissionStatus.Terminal())
	assert.True(t, models.CancelledSubmissionStatus.Terminal())

	assert.False(t, models.PendingStageStatus.Terminal())
	assert.False(t, models.RunningStageStatus.Terminal())
	assert.True(t, models.SkippedStageStatus.Terminal())

	assert.False(t, models.InFlightTaskStatus.Terminal())
	assert.True(t, models.CachedTaskStatus.Terminal())
}
