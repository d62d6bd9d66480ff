package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleEvent struct{}

func TestTypeNameOf(t *testing.T) {
	want := "github.com/eventfold/eventfold-go/internal/reflector.sampleEvent"

	require.Equal(t, want, TypeNameOf(sampleEvent{}))
	require.Equal(t, want, TypeNameOf(&sampleEvent{}))
	require.Equal(t, want, TypeNameFor[sampleEvent]())

	// cached lookups return the same name
	require.Equal(t, TypeNameOf(sampleEvent{}), TypeNameOf(sampleEvent{}))
}
