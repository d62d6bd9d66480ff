package es_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventfold/eventfold-go/core/es"
)

func TestBaseAggregate(t *testing.T) {
	t.Run("create raises the created event", func(t *testing.T) {
		a := &Account{}
		require.NoError(t, a.Create("acc-1"))

		require.Equal(t, "acc-1", a.GetID())
		require.EqualValues(t, 1, a.GetVersion())
		require.True(t, a.IsCreated())
		require.Len(t, a.Uncommitted(), 1)
	})

	t.Run("create twice fails", func(t *testing.T) {
		a := &Account{}
		require.NoError(t, a.Create("acc-1"))
		require.Error(t, a.Create("acc-1"))
	})

	t.Run("raise advances the version exactly once per event", func(t *testing.T) {
		a := &Account{}
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, a.Deposit(100))
		require.NoError(t, a.Deposit(50))
		require.NoError(t, a.Withdraw(30))

		require.EqualValues(t, 4, a.GetVersion())
		require.EqualValues(t, 120, a.Balance)
		require.Len(t, a.Uncommitted(), 4)
	})

	t.Run("invalid events are rejected before any is raised", func(t *testing.T) {
		a := &Account{}
		require.NoError(t, a.Create("acc-1"))

		err := es.RaiseAndApply(a, &MoneyDeposited{Amount: 10}, &MoneyDeposited{Amount: -5})
		require.Error(t, err)

		// nothing was raised, version and state are untouched
		require.EqualValues(t, 1, a.GetVersion())
		require.EqualValues(t, 0, a.Balance)
		require.Len(t, a.Uncommitted(), 1)
	})

	t.Run("overdraft is rejected", func(t *testing.T) {
		a := &Account{}
		require.NoError(t, a.Create("acc-1"))
		require.NoError(t, a.Deposit(10))
		require.Error(t, a.Withdraw(11))
		require.EqualValues(t, 2, a.GetVersion())
	})

	t.Run("uncommitted returns a copy", func(t *testing.T) {
		a := &Account{}
		require.NoError(t, a.Create("acc-1"))

		u := a.Uncommitted()
		u[0] = nil
		require.NotNil(t, a.Uncommitted()[0])

		a.ClearUncommitted()
		require.Empty(t, a.Uncommitted())
		require.EqualValues(t, 1, a.GetVersion())
	})
}
