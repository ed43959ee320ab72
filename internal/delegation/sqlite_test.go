package delegation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "delegation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := &Meta{
		TaskID:          "task-1",
		Status:          StatusDelegated,
		AwaitingChildID: "child-a",
		DelegatedToID:   "child-a",
		ChildIDs:        []string{"child-a"},
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(ctx, meta))

	got, err := store.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelegated, got.Status)
	assert.Equal(t, "child-a", got.AwaitingChildID)
	assert.Equal(t, "child-a", got.DelegatedToID)
	assert.Equal(t, []string{"child-a"}, got.ChildIDs)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLiteStore_UpsertOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Meta{TaskID: "task-1", Status: StatusActive}))
	require.NoError(t, store.Save(ctx, &Meta{
		TaskID:                  "task-1",
		Status:                  StatusCompleted,
		CompletedByChildID:      "child-b",
		CompletionResultSummary: "did the thing",
		ChildIDs:                []string{"child-b"},
	}))

	got, err := store.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "child-b", got.CompletedByChildID)
	assert.Equal(t, "did the thing", got.CompletionResultSummary)
}

func TestSQLiteStore_ListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Save(ctx, &Meta{TaskID: "old", Status: StatusActive, UpdatedAt: older}))
	require.NoError(t, store.Save(ctx, &Meta{TaskID: "new", Status: StatusActive, UpdatedAt: time.Now().UTC()}))

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "new", metas[0].TaskID)
	assert.Equal(t, "old", metas[1].TaskID)
}

func TestSnapshots_RoundtripAndMissing(t *testing.T) {
	snaps := NewSnapshots(t.TempDir())

	meta := &Meta{TaskID: "task-1", Status: StatusActive, ChildIDs: []string{"c1"}}
	require.NoError(t, snaps.Write(meta))

	got, err := snaps.Read("task-1")
	require.NoError(t, err)
	assert.Equal(t, meta.ChildIDs, got.ChildIDs)

	_, err = snaps.Read("ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
