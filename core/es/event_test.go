package es_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventfold/eventfold-go/core/es"
)

func TestEventRegistry(t *testing.T) {
	t.Run("decode produces a fresh typed instance", func(t *testing.T) {
		reg := es.RegistryFor(&Account{})

		env := es.Envelope{Type: "account.MoneyDeposited", Data: json.RawMessage(`{"amount":42}`)}
		first, err := reg.Decode(env)
		require.NoError(t, err)
		require.Equal(t, &MoneyDeposited{Amount: 42}, first)

		second, err := reg.Decode(env)
		require.NoError(t, err)
		require.NotSame(t, first, second)
	})

	t.Run("unknown type", func(t *testing.T) {
		reg := es.NewRegistry()
		_, err := reg.Decode(es.Envelope{Type: "gone.Event"})
		require.ErrorIs(t, err, es.ErrUnknownEventType)
	})

	t.Run("event type name defaults to the full go type", func(t *testing.T) {
		reg := es.NewRegistry()
		es.RegisterEvents(reg, es.Event[es.AggregateCreatedEvent]())

		evt, err := reg.Decode(es.Envelope{
			Type: "github.com/eventfold/eventfold-go/core/es.AggregateCreatedEvent",
			Data: json.RawMessage(`{"id":"acc-1"}`),
		})
		require.NoError(t, err)
		require.Equal(t, "acc-1", evt.(*es.AggregateCreatedEvent).ID)
	})
}

func TestEnvelopeValidate(t *testing.T) {
	valid := es.Envelope{
		ID:            "evt-1",
		Version:       1,
		AggregateType: "account",
		AggregateID:   "acc-1",
		Type:          "account.MoneyDeposited",
		OccurredAt:    time.Now(),
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*es.Envelope){
		"empty id":         func(e *es.Envelope) { e.ID = "" },
		"zero occurred at": func(e *es.Envelope) { e.OccurredAt = time.Time{} },
		"empty agg id":     func(e *es.Envelope) { e.AggregateID = "" },
		"empty agg type":   func(e *es.Envelope) { e.AggregateType = "" },
		"empty type":       func(e *es.Envelope) { e.Type = "" },
		"zero version":     func(e *es.Envelope) { e.Version = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			e := valid
			mutate(&e)
			require.Error(t, e.Validate())
		})
	}
}
