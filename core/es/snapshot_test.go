package es_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventfold/eventfold-go/core/es"
)

func TestSnapshotRoundTrip(t *testing.T) {
	a := &Account{}
	require.NoError(t, a.Create("acc-1"))
	require.NoError(t, a.Deposit(250))

	ss, err := es.CreateSnapshot(a)
	require.NoError(t, err)
	require.NotEmpty(t, ss.SnapshotID)
	require.Equal(t, "account", ss.AggregateType)
	require.Equal(t, "acc-1", ss.AggregateID)
	require.EqualValues(t, 2, ss.Version)
	require.Equal(t, "json+gzip", ss.Encoding)

	restored := &Account{}
	restored.SetID("acc-1")
	require.NoError(t, es.RestoreSnapshot(restored, ss))
	require.EqualValues(t, 250, restored.Balance)
	require.EqualValues(t, 2, restored.GetVersion())
	require.Equal(t, a.GetCreatedAt().Unix(), restored.GetCreatedAt().Unix())
}

func TestSnapshotPolicy(t *testing.T) {
	t.Run("every n", func(t *testing.T) {
		p := es.SnapshotEvery(100)
		require.False(t, p.ShouldSnapshot(99, 0))
		require.True(t, p.ShouldSnapshot(100, 0))
		require.False(t, p.ShouldSnapshot(199, 100))
		require.True(t, p.ShouldSnapshot(200, 100))
	})

	t.Run("never", func(t *testing.T) {
		require.False(t, es.SnapshotNever().ShouldSnapshot(1000, 0))
	})
}

func TestInMemorySnapshotter(t *testing.T) {
	ctx := context.Background()
	snaps := es.NewInMemorySnapshotter()

	_, err := snaps.LoadSnapshot(ctx, "account", "acc-1")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	a := &Account{}
	require.NoError(t, a.Create("acc-1"))
	ss, err := es.CreateSnapshot(a)
	require.NoError(t, err)
	require.NoError(t, snaps.SaveSnapshot(ctx, ss))

	got, err := snaps.LoadSnapshot(ctx, "account", "acc-1")
	require.NoError(t, err)
	require.Equal(t, ss.SnapshotID, got.SnapshotID)

	require.NoError(t, snaps.DeleteSnapshots(ctx, "account", "acc-1"))
	_, err = snaps.LoadSnapshot(ctx, "account", "acc-1")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)
}
