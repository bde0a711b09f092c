package executor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/pkg/executor"
	"github.com/beflow/beflow/pkg/models"
)

func input() executor.Input {
	return executor.Input{
		TaskID:     "task-1",
		RoutingKey: models.QCRoutingKey,
		Stage:      models.QCGenerationStage,
		Document:   json.RawMessage(`{"smiles":"CC"}`),
		Cores:      1,
	}
}

func TestSubprocessSuccess(t *testing.T) {
	sub := &executor.Subprocess{
		Command: []string{"sh", "-c", `cat > /dev/null; echo '{"final_energy": -76.02}'`},
	}
	result, err := sub.Execute(context.Background(), input())
	require.NoError(t, err)
	assert.JSONEq(t, `{"final_energy": -76.02}`, string(result))
}

func TestSubprocessReportedError(t *testing.T) {
	sub := &executor.Subprocess{
		Command: []string{"sh", "-c", `echo '{"code":"executor-error","message":"scf did not converge"}'; exit 3`},
	}
	_, err := sub.Execute(context.Background(), input())
	require.Error(t, err)

	var reported *executor.Error
	require.ErrorAs(t, err, &reported)
	assert.Equal(t, models.ExecutorError, reported.Code)
	assert.Equal(t, "scf did not converge", reported.Message)
}

func TestSubprocessCrashIsTransient(t *testing.T) {
	sub := &executor.Subprocess{
		Command: []string{"sh", "-c", `echo 'segmentation fault' >&2; exit 139`},
	}
	_, err := sub.Execute(context.Background(), input())
	require.Error(t, err)

	var reported *executor.Error
	assert.False(t, errors.As(err, &reported), "a crash must not look like a reported failure")
	assert.Contains(t, err.Error(), "segmentation fault")
}

func TestSubprocessCancellation(t *testing.T) {
	sub := &executor.Subprocess{
		Command: []string{"sh", "-c", "sleep 30"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sub.Execute(ctx, input())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubprocessNoCommand(t *testing.T) {
	sub := &executor.Subprocess{}
	_, err := sub.Execute(context.Background(), input())
	assert.Error(t, err)
}
