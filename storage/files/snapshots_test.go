package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/proctor/core/proctor"
)

func TestSnapshotStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSnapshotStore(filepath.Join(dir, "snaps"))
	require.NoError(t, err)

	ctx := context.Background()
	key := proctor.SessionKey{ExamID: "exam1", CandidateID: "cand1"}
	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	second := proctor.Snapshot{ID: "b", ExamID: "exam1", CandidateID: "cand1", ContentType: "image/png", Data: []byte("png"), TakenAt: t0.Add(time.Minute)}
	first := proctor.Snapshot{ID: "a", ExamID: "exam1", CandidateID: "cand1", ContentType: "image/jpeg", Data: []byte("jpg"), TakenAt: t0}
	require.NoError(t, store.SaveSnapshot(ctx, second))
	require.NoError(t, store.SaveSnapshot(ctx, first))

	snaps, err := store.ListSnapshots(ctx, key)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, "image/jpeg", snaps[0].ContentType)
	assert.True(t, t0.Equal(snaps[0].TakenAt))
	assert.Nil(t, snaps[0].Data)
	assert.Equal(t, "b", snaps[1].ID)

	got, err := store.GetSnapshot(ctx, key, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got.Data)

	_, err = store.GetSnapshot(ctx, key, "zzz")
	assert.Equal(t, proctor.ErrNotFound, err)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Join(dir, "snaps", "exam1", "cand1"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSnapshotStore_Keys(t *testing.T) {
	store, err := NewSnapshotStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	snaps, err := store.ListSnapshots(ctx, proctor.SessionKey{ExamID: "exam1", CandidateID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, snaps)

	err = store.SaveSnapshot(ctx, proctor.Snapshot{ID: "x", ExamID: "../etc", CandidateID: "c", TakenAt: time.Now()})
	assert.Equal(t, proctor.ErrNotFound, err)
}
