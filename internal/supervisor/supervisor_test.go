package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/internal/config"
	"github.com/beflow/beflow/internal/supervisor"
	"github.com/beflow/beflow/internal/testutil"
	"github.com/beflow/beflow/pkg/models"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func testSettings(t *testing.T) config.Settings {
	settings := config.Default()
	settings.StoreURL = t.TempDir()
	settings.Bind = "127.0.0.1:0"
	settings.ShutdownGrace = 2 * time.Second
	return settings
}

func TestSupervisorLifecycle(t *testing.T) {
	registry := testutil.Registry(&testutil.FakeFragmenter{NumFragments: 1}, &testutil.FakeQC{}, &testutil.FakeOptimizer{})

	sup := supervisor.New(testSettings(t), logger{}, supervisor.WithExecutors(registry))
	require.NoError(t, sup.Start(context.Background()))

	// The coordinator is live and accepts work.
	submissions, err := sup.Service().Submit(context.Background(), []models.Workflow{{
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
		Targets:   []models.TargetSpec{{Kind: "torsion-profile"}},
	}})
	require.NoError(t, err)
	require.Len(t, submissions, 1)

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		submission, err := sup.Service().Get(submissions[0].ID)
		require.NoError(t, err)
		if submission.Status == models.SuccessSubmissionStatus {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	submission, err := sup.Service().Get(submissions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuccessSubmissionStatus, submission.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
}

func TestSupervisorShutdownIsIdempotent(t *testing.T) {
	sup := supervisor.New(testSettings(t), logger{})
	require.NoError(t, sup.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	require.NoError(t, sup.Shutdown(ctx))
}

func TestSupervisorDoubleStartFails(t *testing.T) {
	sup := supervisor.New(testSettings(t), logger{})
	require.NoError(t, sup.Start(context.Background()))
	assert.Error(t, sup.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
}
