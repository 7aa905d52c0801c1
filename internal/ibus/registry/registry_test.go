package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/connection"
	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

func startBroker(t *testing.T) Broker {
	t.Helper()

	b := New("127.0.0.1:0", logger.NoOp())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Stop() })

	return b
}

func announce(t *testing.T, addr, name string, services []model.ServiceDescriptor) connection.Connection {
	t.Helper()

	conn, err := connection.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, conn.Send(wire.Envelope{
		Type:             wire.TypeParticipantAnnouncement,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: name},
		Payload:          model.ParticipantAnnouncement{ParticipantName: name, Services: services},
	}))

	return conn
}

func TestBroker_RelaysAnnouncementToExistingPeers(t *testing.T) {
	b := startBroker(t)

	writer := announce(t, b.Addr(), "Writer", nil)
	defer writer.Close()

	reader := announce(t, b.Addr(), "Reader", nil)
	defer reader.Close()

	env, err := writer.Receive()
	require.NoError(t, err)

	got, ok := env.Payload.(model.ParticipantAnnouncement)
	require.True(t, ok)
	require.Equal(t, "Reader", got.ParticipantName)
}

func TestBroker_FanOutExcludesSender(t *testing.T) {
	b := startBroker(t)

	writer := announce(t, b.Addr(), "Writer", nil)
	defer writer.Close()
	reader := announce(t, b.Addr(), "Reader", nil)
	defer reader.Close()

	// drain the cross-announcements
	_, _ = writer.Receive()
	_, _ = reader.Receive()

	require.NoError(t, writer.Send(wire.Envelope{
		Type:             wire.TypeNextSimTask,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: "Writer"},
		Payload:          model.NextSimTask{TimePoint: 0, Duration: time.Millisecond},
	}))

	env, err := reader.Receive()
	require.NoError(t, err)
	require.Equal(t, wire.TypeNextSimTask, env.Type)
}

func TestBroker_DisconnectSynthesizesServiceRemoved(t *testing.T) {
	b := startBroker(t)

	desc := model.ServiceDescriptor{
		ParticipantName: "Writer",
		ServiceName:     "CAN1",
		NetworkName:     "CAN1",
		ServiceType:     model.ServiceController,
	}

	writer := announce(t, b.Addr(), "Writer", []model.ServiceDescriptor{desc})
	reader := announce(t, b.Addr(), "Reader", nil)
	defer reader.Close()

	_, _ = reader.Receive() // Writer's relayed announcement

	writer.Close()

	env, err := reader.Receive()
	require.NoError(t, err)

	evt, ok := env.Payload.(model.ServiceDiscoveryEvent)
	require.True(t, ok)
	require.Equal(t, model.ServiceRemoved, evt.Kind)
	require.Equal(t, desc.ServiceName, evt.Descriptor.ServiceName)
}

func TestBroker_OnRelayObservesFannedOutEnvelopes(t *testing.T) {
	b := New("127.0.0.1:0", logger.NoOp())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	var mu sync.Mutex
	var seen []wire.MessageType
	b.OnRelay(func(env wire.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.Type)
	})

	writer := announce(t, b.Addr(), "Writer", nil)
	defer writer.Close()

	reader := announce(t, b.Addr(), "Reader", nil)
	defer reader.Close()

	_, err := writer.Receive()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, time.Second, 5*time.Millisecond)
}
