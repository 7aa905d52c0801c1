package connection

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

func pipeConnections(t *testing.T) (Connection, Connection) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	return NewFromNetConn(a), NewFromNetConn(b)
}

func TestSendReceive_RoundTrips(t *testing.T) {
	client, server := pipeConnections(t)

	env := wire.Envelope{
		Type:             wire.TypeNextSimTask,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: "Writer"},
		Payload:          model.NextSimTask{TimePoint: time.Millisecond, Duration: time.Millisecond},
	}

	done := make(chan error, 1)
	go func() { done <- client.Send(env) }()

	got, err := server.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, wire.TypeNextSimTask, got.Type)
	assert.Equal(t, "Writer", got.SenderDescriptor.ParticipantName)
}

func TestClose_IsIdempotent(t *testing.T) {
	client, _ := pipeConnections(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestReceive_AfterCloseReturnsError(t *testing.T) {
	client, server := pipeConnections(t)
	require.NoError(t, client.Close())

	_, err := server.Receive()
	assert.Error(t, err)
}

func TestLocalID_IsUniquePerConnection(t *testing.T) {
	a, b := pipeConnections(t)
	assert.NotEqual(t, a.LocalID(), b.LocalID())
}
