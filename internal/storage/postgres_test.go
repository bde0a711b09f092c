package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/beflow/beflow/internal/storage"
	"github.com/beflow/beflow/internal/testutil"
	"github.com/beflow/beflow/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	t.Run("PutGetDelete", func(t *testing.T) {
		require.NoError(t, store.Put("task/t1", []byte(`{"status":"pending"}`)))

		value, err := store.Get("task/t1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"pending"}`, string(value))

		// Upsert replaces.
		require.NoError(t, store.Put("task/t1", []byte(`{"status":"in-flight"}`)))
		value, err = store.Get("task/t1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"in-flight"}`, string(value))

		require.NoError(t, store.Delete("task/t1"))
		_, err = store.Get("task/t1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		require.NoError(t, store.CompareAndSwap("lease/xyz", nil, []byte(`{"owner":"a"}`)))
		assert.ErrorIs(t, store.CompareAndSwap("lease/xyz", nil, []byte(`{"owner":"b"}`)), storage.ErrConflict)
		require.NoError(t, store.CompareAndSwap("lease/xyz", []byte(`{"owner":"a"}`), []byte(`{"owner":"b"}`)))
		assert.ErrorIs(t, store.CompareAndSwap("lease/xyz", []byte(`{"owner":"a"}`), []byte(`{"owner":"c"}`)), storage.ErrConflict)
	})

	t.Run("ScanOrdered", func(t *testing.T) {
		require.NoError(t, store.Put("stage/000000000001/001", []byte(`"second"`)))
		require.NoError(t, store.Put("stage/000000000001/000", []byte(`"first"`)))
		require.NoError(t, store.Put("stage/000000000002/000", []byte(`"other"`)))

		pairs, err := store.Scan("stage/000000000001/")
		require.NoError(t, err)
		require.Len(t, pairs, 2)
		assert.Equal(t, "stage/000000000001/000", pairs[0].Key)
	})

	t.Run("NextID", func(t *testing.T) {
		first, err := store.NextID("submission-id")
		require.NoError(t, err)
		second, err := store.NextID("submission-id")
		require.NoError(t, err)
		assert.Equal(t, first+1, second)
	})
}
