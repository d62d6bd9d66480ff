package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	all := NewAllMetrics(reg)

	all.ES.EventsAppended("account", 3)
	all.ES.ConcurrencyConflict("account")
	all.ES.StoreLoadDuration("account").ObserveDuration()
	all.ES.RepoSaveDuration("account").ObserveDuration()
	all.ES.SnapshotSaveDuration("account").ObserveDuration()

	all.Outbox.Published("account.MoneyDeposited", true)
	all.Outbox.Published("account.MoneyDeposited", false)
	all.Outbox.PublishDuration("account.MoneyDeposited").ObserveDuration()
	all.Outbox.Backlog(7)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["eventfold_es_events_appended_total"])
	require.True(t, names["eventfold_es_concurrency_conflicts_total"])
	require.True(t, names["eventfold_outbox_published_total"])
	require.True(t, names["eventfold_outbox_backlog"])
}

func TestRegisteringTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewESMetrics(reg)
	require.Panics(t, func() { NewESMetrics(reg) })
}
