package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/executor"
	"github.com/beflow/beflow/pkg/models"
)

// Fake stage executors for tests: deterministic outputs, injectable
// failures, invocation counting.

// FakeFragmenter produces NumFragments fragments derived from the parent.
type FakeFragmenter struct {
	NumFragments int
	Delay        time.Duration
	invocations  atomic.Int64
}

func (f *FakeFragmenter) Invocations() int64 { return f.invocations.Load() }

func (f *FakeFragmenter) Execute(ctx context.Context, in executor.Input) (json.RawMessage, error) {
	f.invocations.Add(1)
	if err := sleep(ctx, f.Delay); err != nil {
		return nil, err
	}
	var input models.FragmentationInput
	if err := json.Unmarshal(in.Document, &input); err != nil {
		return nil, err
	}
	n := f.NumFragments
	if n <= 0 {
		n = 1
	}
	result := models.FragmentationResult{ParentSMILES: input.SMILES}
	for i := 0; i < n; i++ {
		result.Fragments = append(result.Fragments, models.Fragment{
			SMILES:      fmt.Sprintf("%s[fragment-%d]", input.SMILES, i),
			BondIndices: [2]int{i, i + 1},
		})
	}
	return json.Marshal(result)
}

// FakeQC computes a stub reference record per fragment. Fragments whose
// SMILES appears in Fail always report an executor error; TransientFail
// injects that many generic (non-reported) failures per fragment before
// succeeding. Concurrent executions are tracked per fragment so tests can
// assert that equal fingerprints never run in parallel.
type FakeQC struct {
	Delay         time.Duration
	Fail          map[string]bool
	TransientFail map[string]int

	invocations atomic.Int64
	mu          sync.Mutex
	running     map[string]int
	peak        map[string]int
}

func (f *FakeQC) Invocations() int64 { return f.invocations.Load() }

// PeakConcurrency reports the highest number of simultaneous executions
// observed for one fragment.
func (f *FakeQC) PeakConcurrency(smiles string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak[smiles]
}

func (f *FakeQC) enter(smiles string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		f.running = make(map[string]int)
		f.peak = make(map[string]int)
	}
	f.running[smiles]++
	if f.running[smiles] > f.peak[smiles] {
		f.peak[smiles] = f.running[smiles]
	}
}

func (f *FakeQC) exit(smiles string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[smiles]--
}

// takeTransient consumes one injected transient failure, if any remain.
func (f *FakeQC) takeTransient(smiles string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransientFail[smiles] > 0 {
		f.TransientFail[smiles]--
		return true
	}
	return false
}

func (f *FakeQC) Execute(ctx context.Context, in executor.Input) (json.RawMessage, error) {
	f.invocations.Add(1)
	var input models.QCInput
	if err := json.Unmarshal(in.Document, &input); err != nil {
		return nil, err
	}
	f.enter(input.Fragment.SMILES)
	defer f.exit(input.Fragment.SMILES)

	if err := sleep(ctx, f.Delay); err != nil {
		return nil, err
	}
	if f.takeTransient(input.Fragment.SMILES) {
		return nil, errors.New("connection reset by peer")
	}
	if f.Fail[input.Fragment.SMILES] {
		return nil, &executor.Error{
			Code:    models.ExecutorError,
			Message: "scf did not converge",
			Detail:  input.Fragment.SMILES,
		}
	}
	record, err := json.Marshal(map[string]interface{}{
		"final_energy": -76.02,
		"smiles":       input.Fragment.SMILES,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.QCResult{
		Fragment: input.Fragment,
		Spec:     input.Spec,
		Record:   record,
		Provenance: models.Provenance{
			WorkerID:   in.TaskID,
			RoutingKey: in.RoutingKey,
			FinishedAt: time.Now().UTC(),
		},
	})
}

// FakeOptimizer emits a stub refit force field.
type FakeOptimizer struct {
	Delay       time.Duration
	invocations atomic.Int64
}

func (f *FakeOptimizer) Invocations() int64 { return f.invocations.Load() }

func (f *FakeOptimizer) Execute(ctx context.Context, in executor.Input) (json.RawMessage, error) {
	f.invocations.Add(1)
	if err := sleep(ctx, f.Delay); err != nil {
		return nil, err
	}
	var input models.OptimizationInput
	if err := json.Unmarshal(in.Document, &input); err != nil {
		return nil, err
	}
	return json.Marshal(models.OptimizationResult{
		RefitForceField:     input.InitialForceField + " (refit)",
		ObjectiveTrajectory: []float64{1.0, 0.4, 0.1},
		Engine:              input.Optimizer.Engine,
		Provenance: models.Provenance{
			WorkerID:   in.TaskID,
			RoutingKey: in.RoutingKey,
			FinishedAt: time.Now().UTC(),
		},
	})
}

// Registry bundles the three fakes under their routing keys.
func Registry(fragmenter *FakeFragmenter, qc *FakeQC, optimizer *FakeOptimizer) executor.Registry {
	return executor.Registry{
		models.FragmentRoutingKey: fragmenter,
		models.QCRoutingKey:       qc,
		models.OptimizeRoutingKey: optimizer,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "executor interrupted")
	case <-time.After(d):
		return nil
	}
}
