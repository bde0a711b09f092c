package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_queue "github.com/beflow/beflow/internal/queue"
	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newQueue(t *testing.T, store storage.Store, maxRetries map[string]int) *internal_queue.Embedded {
	t.Helper()
	if store == nil {
		store = storage.NewMockStore()
	}
	q, err := internal_queue.NewEmbedded(store, maxRetries, logger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q queue.Queue, taskID, routingKey string) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{
		TaskID:     taskID,
		RoutingKey: routingKey,
		EnqueuedAt: time.Now().UTC(),
	}))
}

func TestEmbeddedFIFOPerRoutingKey(t *testing.T) {
	q := newQueue(t, nil, map[string]int{"qc": 2})

	enqueue(t, q, "t1", "qc")
	enqueue(t, q, "t2", "qc")
	enqueue(t, q, "t3", "qc")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, want := range []string{"t1", "t2", "t3"} {
		delivery, err := q.Claim(ctx, "qc", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, delivery.TaskID)
		require.NoError(t, q.Ack(ctx, delivery.Receipt))
	}
}

func TestEmbeddedClaimBlocksUntilEnqueue(t *testing.T) {
	q := newQueue(t, nil, map[string]int{"fragment": 0})

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = q.Enqueue(context.Background(), queue.Item{TaskID: "late", RoutingKey: "fragment"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delivery, err := q.Claim(ctx, "fragment", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "late", delivery.TaskID)
}

func TestEmbeddedClaimHonorsContext(t *testing.T) {
	q := newQueue(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Claim(ctx, "qc", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmbeddedNackRedelivers(t *testing.T) {
	q := newQueue(t, nil, map[string]int{"qc": 2})
	enqueue(t, q, "t1", "qc")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivery, err := q.Claim(ctx, "qc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, delivery.Attempts)
	require.NoError(t, q.Nack(ctx, delivery.Receipt, 0))

	redelivered, err := q.Claim(ctx, "qc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "t1", redelivered.TaskID)
	assert.Equal(t, 1, redelivered.Attempts)
}

func TestEmbeddedDeadLetterAfterRetryLimit(t *testing.T) {
	store := storage.NewMockStore()
	q := newQueue(t, store, map[string]int{"fragment": 0})
	enqueue(t, q, "t1", "fragment")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivery, err := q.Claim(ctx, "fragment", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, delivery.Receipt, 0))

	// Retry limit 0: the nack dead-letters instead of redelivering.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer shortCancel()
	_, err = q.Claim(shortCtx, "fragment", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	dead, err := store.Scan(storage.DeadLetterPrefix)
	require.NoError(t, err)
	assert.Len(t, dead, 1)

	live, err := store.Scan(storage.QueuePrefix)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestEmbeddedVisibilityTimeoutRedelivers(t *testing.T) {
	q := newQueue(t, nil, map[string]int{"qc": 3})
	enqueue(t, q, "t1", "qc")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Claim and walk away without an ack.
	_, err := q.Claim(ctx, "qc", 300*time.Millisecond)
	require.NoError(t, err)

	redelivered, err := q.Claim(ctx, "qc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "t1", redelivered.TaskID)
	assert.Equal(t, 1, redelivered.Attempts)
}

func TestEmbeddedExtendDefersRedelivery(t *testing.T) {
	q := newQueue(t, nil, map[string]int{"qc": 3})
	enqueue(t, q, "t1", "qc")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivery, err := q.Claim(ctx, "qc", 300*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Extend(ctx, delivery.Receipt, time.Minute))

	time.Sleep(600 * time.Millisecond)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer shortCancel()
	_, err = q.Claim(shortCtx, "qc", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Enqueues are durable: a fresh queue over the same store recovers items
// that were never acknowledged.
func TestEmbeddedRecoversPersistedItems(t *testing.T) {
	store := storage.NewMockStore()

	first, err := internal_queue.NewEmbedded(store, map[string]int{"optimize": 0}, logger{})
	require.NoError(t, err)
	enqueue(t, first, "t1", "optimize")
	require.NoError(t, first.Close())

	second, err := internal_queue.NewEmbedded(store, map[string]int{"optimize": 0}, logger{})
	require.NoError(t, err)
	defer second.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delivery, err := second.Claim(ctx, "optimize", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "t1", delivery.TaskID)
}
