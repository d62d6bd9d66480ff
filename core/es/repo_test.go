package es_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventfold/eventfold-go/core/es"
)

func newAccountRepo(store es.EventStore, opts ...es.RepositoryOption) es.TypedRepository[*Account] {
	return es.NewTypedRepository[*Account](slog.Default(), store, es.RegistryFor(&Account{}), opts...)
}

func TestRepository_SaveAndLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		store := es.NewInMemoryStore()
		repo := newAccountRepo(store)

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, a.Deposit(100))
		require.NoError(t, a.Withdraw(40))
		require.NoError(t, repo.Save(ctx, a))

		require.Empty(t, a.Uncommitted())
		require.EqualValues(t, 3, a.GetVersion())
		require.EqualValues(t, 3, a.GetSeq())

		loaded, err := repo.GetByID(ctx, "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 60, loaded.Balance)
		require.Equal(t, a.GetVersion(), loaded.GetVersion())
		require.Equal(t, a.GetSeq(), loaded.GetSeq())
		require.Equal(t, a.GetCreatedAt().Unix(), loaded.GetCreatedAt().Unix())
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		repo := newAccountRepo(es.NewInMemoryStore())
		_, err := repo.GetByID(ctx, "nope")
		require.ErrorIs(t, err, es.ErrAggregateNotFound)

		ok, err := repo.Exists(ctx, "nope")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("save with nothing uncommitted is a no-op", func(t *testing.T) {
		store := es.NewInMemoryStore()
		repo := newAccountRepo(store)

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, repo.Save(ctx, a))
		require.NoError(t, repo.Save(ctx, a))

		v, err := store.AggregateVersion(ctx, "account", "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 1, v)
	})

	t.Run("loading a dirty aggregate fails", func(t *testing.T) {
		repo := newAccountRepo(es.NewInMemoryStore())
		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.Error(t, repo.Load(ctx, a))
	})

	t.Run("sequential saves advance the stream head", func(t *testing.T) {
		store := es.NewInMemoryStore()
		repo := newAccountRepo(store)

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, repo.Save(ctx, a))

		for i, want := range []es.Version{2, 3, 4} {
			loaded, err := repo.GetByID(ctx, "acc-1")
			require.NoError(t, err)
			require.NoError(t, loaded.Deposit(int64(10*(i+1))))
			require.NoError(t, repo.Save(ctx, loaded))
			require.Equal(t, want, loaded.GetVersion())
		}

		final, err := repo.GetByID(ctx, "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 60, final.Balance)
	})

	t.Run("get or create", func(t *testing.T) {
		store := es.NewInMemoryStore()
		repo := newAccountRepo(store)

		a, err := repo.GetOrCreate(ctx, "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 1, a.GetVersion())

		// second call loads the stream created by the first
		b, err := repo.GetOrCreate(ctx, "acc-1")
		require.NoError(t, err)
		require.Equal(t, a.GetVersion(), b.GetVersion())
		require.Equal(t, a.GetCreatedAt().Unix(), b.GetCreatedAt().Unix())
	})
}

func TestRepository_Concurrency(t *testing.T) {
	ctx := context.Background()
	store := es.NewInMemoryStore()
	repo := newAccountRepo(store)

	a := repo.NewWithID("acc-1")
	require.NoError(t, a.Create("acc-1"))
	require.NoError(t, a.Deposit(100))
	require.NoError(t, repo.Save(ctx, a))

	// two handlers load the same stream at the same version
	first, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, first.Deposit(10))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Withdraw(5))
	err = repo.Save(ctx, second)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var cErr *es.ConcurrencyError
	require.ErrorAs(t, err, &cErr)
	require.EqualValues(t, 2, cErr.Expected)
	require.EqualValues(t, 3, cErr.Actual)

	// loser keeps its uncommitted events, reloads and retries
	require.Len(t, second.Uncommitted(), 1)
	retry, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, retry.Withdraw(5))
	require.NoError(t, repo.Save(ctx, retry))

	final, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 105, final.Balance)
	require.EqualValues(t, 4, final.GetVersion())
}

func TestRepository_Snapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("policy checkpoints and load restores from them", func(t *testing.T) {
		store := es.NewInMemoryStore()
		snaps := es.NewInMemorySnapshotter()
		repo := newAccountRepo(store,
			es.WithSnapshotter(snaps),
			es.WithSnapshotPolicy(es.SnapshotEvery(2)),
		)

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, a.Deposit(100))
		require.NoError(t, repo.Save(ctx, a))

		ss, err := snaps.LoadSnapshot(ctx, "account", "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, ss.Version)

		require.NoError(t, a.Deposit(50))
		require.NoError(t, repo.Save(ctx, a))

		// snapshot-assisted load equals a full replay
		fast, err := repo.GetByID(ctx, "acc-1")
		require.NoError(t, err)
		slow, err := repo.GetByID(ctx, "acc-1", es.WithoutSnapshot())
		require.NoError(t, err)
		require.Equal(t, slow.Balance, fast.Balance)
		require.Equal(t, slow.GetVersion(), fast.GetVersion())
	})

	t.Run("forced snapshot", func(t *testing.T) {
		store := es.NewInMemoryStore()
		snaps := es.NewInMemorySnapshotter()
		repo := newAccountRepo(store, es.WithSnapshotter(snaps), es.WithSnapshotPolicy(es.SnapshotNever()))

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, repo.Save(ctx, a))
		_, err := snaps.LoadSnapshot(ctx, "account", "acc-1")
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		require.NoError(t, a.Deposit(10))
		require.NoError(t, repo.Save(ctx, a, es.WithSnapshot()))
		ss, err := snaps.LoadSnapshot(ctx, "account", "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, ss.Version)
	})

	t.Run("snapshot ahead of stream falls back to full replay", func(t *testing.T) {
		store := es.NewInMemoryStore()
		snaps := es.NewInMemorySnapshotter()
		repo := newAccountRepo(store, es.WithSnapshotter(snaps))

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, a.Deposit(100))
		require.NoError(t, repo.Save(ctx, a))

		// drifted checkpoint claiming a version the stream never reached
		stale, err := es.CreateSnapshot(a)
		require.NoError(t, err)
		stale.Version = 99
		require.NoError(t, snaps.SaveSnapshot(ctx, stale))

		loaded, err := repo.GetByID(ctx, "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, loaded.GetVersion())
		require.EqualValues(t, 100, loaded.Balance)
	})

	t.Run("corrupt snapshot falls back to full replay", func(t *testing.T) {
		store := es.NewInMemoryStore()
		snaps := es.NewInMemorySnapshotter()
		repo := newAccountRepo(store, es.WithSnapshotter(snaps))

		a := repo.NewWithID("acc-1")
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, a.Deposit(100))
		require.NoError(t, repo.Save(ctx, a))

		broken, err := es.CreateSnapshot(a)
		require.NoError(t, err)
		broken.Data = []byte("not gzip")
		require.NoError(t, snaps.SaveSnapshot(ctx, broken))

		loaded, err := repo.GetByID(ctx, "acc-1")
		require.NoError(t, err)
		require.EqualValues(t, 100, loaded.Balance)
	})

	t.Run("create snapshot without snapshotter fails", func(t *testing.T) {
		repo := es.NewRepository(slog.Default(), es.NewInMemoryStore(), es.RegistryFor(&Account{}))
		a := &Account{}
		a.SetID("acc-1")
		_, err := repo.CreateSnapshot(context.Background(), a)
		require.ErrorIs(t, err, es.ErrSnapshotterUnconfigured)
	})
}

func TestRepository_EnvelopeStamping(t *testing.T) {
	ctx := context.Background()
	store := es.NewInMemoryStore()
	repo := newAccountRepo(store)

	a := repo.NewWithID("acc-1")
	require.NoError(t, a.Create("acc-1"))
	require.NoError(t, a.Deposit(100))
	require.NoError(t, repo.Save(ctx, a,
		es.WithCorrelationID("corr-1"),
		es.WithCausationID("cmd-1"),
		es.WithUserID("user-1"),
		es.WithEventMetadata(map[string]string{"source": "test"}),
	))

	envs, err := store.ReadByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	for _, e := range envs {
		require.Equal(t, "cmd-1", e.CausationID)
		require.Equal(t, "user-1", e.UserID)
		require.Equal(t, "test", e.Metadata["source"])
		require.Equal(t, 1, e.SchemaVersion)
	}
	require.Equal(t, "account.MoneyDeposited", envs[1].Type)

	t.Run("correlation id defaults to a fresh id per save", func(t *testing.T) {
		require.NoError(t, a.Deposit(1))
		require.NoError(t, a.Deposit(2))
		require.NoError(t, repo.Save(ctx, a))

		all, err := store.ReadAll(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.NotEmpty(t, all[2].CorrelationID)
		require.Equal(t, all[2].CorrelationID, all[3].CorrelationID)
		require.NotEqual(t, "corr-1", all[2].CorrelationID)
	})
}

func TestRepository_UnknownEventTypesAreSkipped(t *testing.T) {
	ctx := context.Background()
	store := es.NewInMemoryStore()

	full := newAccountRepo(store)
	a := full.NewWithID("acc-1")
	require.NoError(t, a.Create("acc-1"))
	require.NoError(t, a.Deposit(100))
	require.NoError(t, a.Withdraw(30))
	require.NoError(t, full.Save(ctx, a))

	// an older reader that never learned about withdrawals
	partial := es.NewRegistry()
	es.RegisterEvents(partial,
		es.Event[es.AggregateCreatedEvent](),
		es.Event[MoneyDeposited](),
	)
	repo := es.NewTypedRepositoryFrom[*Account](slog.Default(), es.NewRepository(slog.Default(), store, partial))

	loaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	// the unknown event still advances version and seq, only state skips it
	require.EqualValues(t, 3, loaded.GetVersion())
	require.EqualValues(t, 3, loaded.GetSeq())
	require.EqualValues(t, 100, loaded.Balance)
}

func TestRepository_OutboxCompleteness(t *testing.T) {
	ctx := context.Background()
	store := es.NewInMemoryStore()
	repo := newAccountRepo(store)

	a := repo.NewWithID("acc-1")
	require.NoError(t, a.Create("acc-1"))
	require.NoError(t, a.Deposit(100))
	require.NoError(t, repo.Save(ctx, a))

	require.NoError(t, a.Deposit(50))
	require.NoError(t, repo.Save(ctx, a))

	// every persisted event has exactly one outbox message
	backlog, err := store.Backlog(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, backlog)

	all, err := store.ReadAll(ctx, 0, 100)
	require.NoError(t, err)
	due, err := store.FetchDue(ctx, a.GetCreatedAt().Add(time.Hour), 5, 100)
	require.NoError(t, err)
	require.Len(t, due, len(all))
	for i, e := range all {
		require.Equal(t, e.ID, due[i].EventID)
		require.Equal(t, e.CorrelationID, due[i].CorrelationID)
	}
}
