package cache_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/internal/cache"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newManager(t *testing.T) (*cache.Manager, storage.Store) {
	t.Helper()
	store := storage.NewMockStore()
	manager := cache.NewManager(store, logger{})
	manager.Start()
	t.Cleanup(manager.Stop)
	return manager, store
}

const fp = "f3a9c1d2"

func TestAcquireGrantHoldHit(t *testing.T) {
	manager, _ := newManager(t)

	acq, err := manager.Acquire(fp, "task-1", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.Granted)

	// A second task is told who holds the lease.
	held, err := manager.Acquire(fp, "task-2", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "task-1", held.HeldBy)

	// Re-acquisition by the owner stays granted.
	again, err := manager.Acquire(fp, "task-1", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Granted)

	require.NoError(t, manager.Publish(fp, "task-1", "", json.RawMessage(`{"v":1}`), "qc", "worker-a"))

	// After publish everyone sees a hit.
	hit, err := manager.Acquire(fp, "task-3", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, hit.Hit)
	assert.JSONEq(t, `{"v":1}`, string(hit.Value))

	value, found, err := manager.Lookup(fp)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"v":1}`, string(value))
}

// A lease binds to exactly one physical delivery: duplicate deliveries of
// the same task are held, so equal fingerprints never execute concurrently.
func TestBindDeliveryExclusive(t *testing.T) {
	manager, _ := newManager(t)

	// The orchestrator reserves the fingerprint, unbound.
	acq, err := manager.Acquire(fp, "task-1", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acq.Granted)

	// The first delivery binds it; the second is a duplicate and is held.
	first, err := manager.Bind(fp, "task-1", "delivery-1", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, first.Granted)

	dup, err := manager.Bind(fp, "task-1", "delivery-2", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "task-1", dup.HeldBy)

	// Re-binding the same delivery is idempotent.
	again, err := manager.Bind(fp, "task-1", "delivery-1", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Granted)

	// While bound, even the owner's orchestrator must wait.
	held, err := manager.Acquire(fp, "task-1", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "task-1", held.HeldBy)

	// A publish from anything but the bound delivery is stale.
	err = manager.Publish(fp, "task-1", "delivery-2", json.RawMessage(`{"v":9}`), "qc", "worker-b")
	assert.ErrorIs(t, err, cache.ErrStaleLease)
	err = manager.Publish(fp, "task-1", "", json.RawMessage(`{"v":9}`), "qc", "worker-b")
	assert.ErrorIs(t, err, cache.ErrStaleLease)

	// After the bound delivery releases, a redelivery re-binds fresh.
	require.NoError(t, manager.Release(fp, "task-1", "delivery-1"))
	redelivered, err := manager.Bind(fp, "task-1", "delivery-3", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, redelivered.Granted)

	require.NoError(t, manager.Publish(fp, "task-1", "delivery-3", json.RawMessage(`{"v":10}`), "qc", "worker-a"))
	value, found, err := manager.Lookup(fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":10}`, string(value))
}

func TestPublishWakesAllWaiters(t *testing.T) {
	manager, _ := newManager(t)

	_, err := manager.Acquire(fp, "owner", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)

	first := manager.Subscribe(fp)
	second := manager.Subscribe(fp)

	require.NoError(t, manager.Publish(fp, "owner", "", json.RawMessage(`{"v":2}`), "qc", "worker-a"))

	for _, ch := range []<-chan cache.Outcome{first, second} {
		select {
		case outcome := <-ch:
			assert.True(t, outcome.Cached)
			assert.JSONEq(t, `{"v":2}`, string(outcome.Value))
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by publish")
		}
	}
}

func TestStalePublishRejected(t *testing.T) {
	manager, store := newManager(t)

	_, err := manager.Acquire(fp, "owner", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)

	err = manager.Publish(fp, "someone-else", "", json.RawMessage(`{"v":3}`), "qc", "worker-b")
	assert.ErrorIs(t, err, cache.ErrStaleLease)

	// The stale value was discarded.
	_, found, err := manager.Lookup(fp)
	require.NoError(t, err)
	assert.False(t, found)

	// And the lease is still in place.
	_, err = store.Get(storage.LeaseKey(fp))
	assert.NoError(t, err)
}

func TestReleasePromotesOneWaiter(t *testing.T) {
	manager, _ := newManager(t)

	_, err := manager.Acquire(fp, "owner", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)

	first := manager.Subscribe(fp)
	second := manager.Subscribe(fp)

	require.NoError(t, manager.Release(fp, "owner", ""))

	select {
	case outcome := <-first:
		assert.True(t, outcome.Released)
	case <-time.After(time.Second):
		t.Fatal("no waiter was promoted")
	}
	select {
	case <-second:
		t.Fatal("second waiter must stay parked")
	case <-time.After(100 * time.Millisecond):
	}

	// The promoted waiter can now acquire.
	acq, err := manager.Acquire(fp, "task-2", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.Granted)
}

func TestFailWakesWaitersWithError(t *testing.T) {
	manager, _ := newManager(t)

	_, err := manager.Acquire(fp, "owner", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	waiter := manager.Subscribe(fp)

	errDoc := &models.ErrorDocument{Code: models.ExecutorError, Message: "scf did not converge"}
	require.NoError(t, manager.Fail(fp, "owner", "", errDoc))

	select {
	case outcome := <-waiter:
		assert.True(t, outcome.Failed)
		require.NotNil(t, outcome.Err)
		assert.Equal(t, models.ExecutorError, outcome.Err.Code)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by failure")
	}

	// No cache entry was made; the fingerprint is computable again.
	_, found, err := manager.Lookup(fp)
	require.NoError(t, err)
	assert.False(t, found)
	acq, err := manager.Acquire(fp, "task-2", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.Granted)
}

func TestExpiredLeaseIsBroken(t *testing.T) {
	manager, _ := newManager(t)

	_, err := manager.Acquire(fp, "owner", models.QCRoutingKey, 50*time.Millisecond)
	require.NoError(t, err)
	waiter := manager.Subscribe(fp)

	// The janitor runs every second; the deadline passes with no heartbeat.
	select {
	case outcome := <-waiter:
		assert.True(t, outcome.Released)
	case <-time.After(3 * time.Second):
		t.Fatal("expired lease was not broken")
	}

	// The old owner's publish is now stale.
	err = manager.Publish(fp, "owner", "", json.RawMessage(`{"v":4}`), "qc", "worker-a")
	assert.ErrorIs(t, err, cache.ErrStaleLease)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	manager, store := newManager(t)

	_, err := manager.Acquire(fp, "owner", models.QCRoutingKey, time.Minute)
	require.NoError(t, err)

	before := leaseDeadline(t, store)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, manager.Heartbeat(fp, "owner", "", time.Minute))
	after := leaseDeadline(t, store)
	assert.True(t, after.After(before))

	assert.ErrorIs(t, manager.Heartbeat(fp, "intruder", "", time.Minute), cache.ErrStaleLease)
}

func leaseDeadline(t *testing.T, store storage.Store) time.Time {
	t.Helper()
	raw, err := store.Get(storage.LeaseKey(fp))
	require.NoError(t, err)
	var lease models.Lease
	require.NoError(t, json.Unmarshal(raw, &lease))
	return lease.Deadline
}
