// Package dbtest holds behaviour tests shared by every proctor.Repository implementation.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
)

func snapshot(key proctor.SessionKey, max *uint, kinds ...proctor.SignalKind) proctor.LedgerSnapshot {
	agg := proctor.NewAggregator(key, proctor.SessionPolicy{MaxViolations: max})
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, kind := range kinds {
		_, _ = agg.Record(proctor.NewSignal(kind, 1, "", at.Add(time.Duration(i)*time.Second)))
	}
	return agg.Snapshot()
}

// RunLedgerRepositoryTests checks the storage contract the aggregator relies on.
func RunLedgerRepositoryTests(t *testing.T, newRepo func() proctor.Repository) {
	ctx := context.Background()
	key := proctor.SessionKey{ExamID: "exam1", CandidateID: "cand1"}

	t.Run("not found", func(t *testing.T) {
		_, err := newRepo().GetLedger(ctx, key)
		assert.Equal(t, proctor.ErrNotFound, err)
	})

	t.Run("save & get", func(t *testing.T) {
		repo := newRepo()
		want := snapshot(key, core.UintPtr(3), proctor.TabSwitch, proctor.CopyPaste, proctor.TabSwitch)
		require.NoError(t, repo.SaveLedger(ctx, want))

		got, err := repo.GetLedger(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, got.Key())
		assert.Equal(t, uint(3), got.Total)
		assert.Equal(t, map[proctor.SignalKind]uint{proctor.TabSwitch: 2, proctor.CopyPaste: 1}, got.Counts)
		assert.Equal(t, proctor.RiskLow, got.RiskLevel)
		require.NotNil(t, got.MaxViolations)
		assert.Equal(t, uint(3), *got.MaxViolations)
		assert.Nil(t, got.FinalizedAt)
		assert.WithinDuration(t, want.UpdatedAt, got.UpdatedAt, time.Millisecond)

		require.Len(t, got.Recent, 3)
		for i := range want.Recent {
			assert.Equal(t, want.Recent[i].Kind, got.Recent[i].Kind)
			assert.Equal(t, want.Recent[i].Description, got.Recent[i].Description)
			assert.True(t, want.Recent[i].ObservedAt.Equal(got.Recent[i].ObservedAt))
		}
	})

	t.Run("no limit", func(t *testing.T) {
		repo := newRepo()
		require.NoError(t, repo.SaveLedger(ctx, snapshot(key, nil, proctor.NoFace)))
		got, err := repo.GetLedger(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got.MaxViolations)
	})

	t.Run("greater total wins", func(t *testing.T) {
		repo := newRepo()
		require.NoError(t, repo.SaveLedger(ctx, snapshot(key, nil, proctor.NoFace, proctor.NoFace)))
		require.NoError(t, repo.SaveLedger(ctx, snapshot(key, nil, proctor.MultiFace)))

		got, err := repo.GetLedger(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint(2), got.Total)
		assert.Equal(t, map[proctor.SignalKind]uint{proctor.NoFace: 2}, got.Counts)
	})

	t.Run("finalize", func(t *testing.T) {
		repo := newRepo()
		require.NoError(t, repo.SaveLedger(ctx, snapshot(key, nil, proctor.EyeGaze)))

		at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, repo.FinalizeLedger(ctx, key, at))
		require.NoError(t, repo.FinalizeLedger(ctx, key, at.Add(time.Hour)))
		// ignored once finalized
		require.NoError(t, repo.SaveLedger(ctx, snapshot(key, nil, proctor.EyeGaze, proctor.EyeGaze)))

		got, err := repo.GetLedger(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint(1), got.Total)
		require.NotNil(t, got.FinalizedAt)
		assert.True(t, at.Equal(*got.FinalizedAt), "finalized at %v", got.FinalizedAt)
	})

	t.Run("finalize without ledger", func(t *testing.T) {
		repo := newRepo()
		require.NoError(t, repo.FinalizeLedger(ctx, key, time.Now()))

		got, err := repo.GetLedger(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint(0), got.Total)
		assert.Empty(t, got.Counts)
		assert.Empty(t, got.Recent)
		assert.NotNil(t, got.FinalizedAt)
	})
}
