package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

func TestLifecycle_FullRunThroughSequence(t *testing.T) {
	var seen []model.ParticipantState

	l := New("TestUnit", func(s model.ParticipantStatus) {
		seen = append(seen, s.State)
	}, logger.NoOp())

	l.OnCommunicationReady(func(context.Context) error { return nil })
	l.OnStop(func(context.Context) error { return nil })
	l.OnShutdown(func(context.Context) error { return nil })

	ctx := context.Background()

	require.NoError(t, l.ServicesCreated(ctx))
	require.NoError(t, l.PeersReady(ctx))
	require.NoError(t, l.Run(ctx))
	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Shutdown(ctx))

	want := []model.ParticipantState{
		model.StateServicesCreated,
		model.StateCommunicationInitializing,
		model.StateCommunicationInitialized,
		model.StateReadyToRun,
		model.StateRunning,
		model.StateStopping,
		model.StateStopped,
		model.StateShuttingDown,
		model.StateShutdown,
	}

	assert.Equal(t, want, seen)

	for _, s := range seen {
		assert.NotEqual(t, model.StateError, s)
	}

	assert.Equal(t, model.StateShutdown, l.State())
}

func TestLifecycle_CommunicationReadyFailureEntersError(t *testing.T) {
	var seen []model.ParticipantState

	l := New("Faulty", func(s model.ParticipantStatus) { seen = append(seen, s.State) }, logger.NoOp())
	l.OnCommunicationReady(func(context.Context) error { return assert.AnError })

	require.NoError(t, l.ServicesCreated(context.Background()))

	assert.Equal(t, model.StateError, l.State())
	assert.Contains(t, seen, model.StateError)
}

func TestLifecycle_ShutdownReachableFromError(t *testing.T) {
	l := New("Recovering", func(model.ParticipantStatus) {}, logger.NoOp())
	l.OnCommunicationReady(func(context.Context) error { return assert.AnError })

	ctx := context.Background()
	require.NoError(t, l.ServicesCreated(ctx))
	require.Equal(t, model.StateError, l.State())

	require.NoError(t, l.Shutdown(ctx))
	assert.Equal(t, model.StateShutdown, l.State())
}

func TestLifecycle_PauseContinueRoundTrip(t *testing.T) {
	l := New("Pausable", func(model.ParticipantStatus) {}, logger.NoOp())
	l.OnCommunicationReady(func(context.Context) error { return nil })

	ctx := context.Background()
	require.NoError(t, l.ServicesCreated(ctx))
	require.NoError(t, l.PeersReady(ctx))
	require.NoError(t, l.Run(ctx))

	require.NoError(t, l.Pause(ctx))
	assert.Equal(t, model.StatePaused, l.State())

	require.NoError(t, l.Continue(ctx))
	assert.Equal(t, model.StateRunning, l.State())
}

func TestLifecycle_AbortFromAnyStateReachesShutdown(t *testing.T) {
	l := New("Aborted", func(model.ParticipantStatus) {}, logger.NoOp())
	l.OnCommunicationReady(func(context.Context) error { return nil })

	ctx := context.Background()
	require.NoError(t, l.ServicesCreated(ctx))
	require.NoError(t, l.PeersReady(ctx))
	require.NoError(t, l.Run(ctx))

	require.NoError(t, l.Abort(ctx))
	assert.Equal(t, model.StateShutdown, l.State())
}

func TestLifecycle_InvalidTransitionReturnsErrorWithoutChangingState(t *testing.T) {
	l := New("Idle", func(model.ParticipantStatus) {}, logger.NoOp())

	// Stop is not valid from Invalid.
	assert.Error(t, l.Stop(context.Background()))
	assert.Equal(t, model.StateInvalid, l.State())
}
