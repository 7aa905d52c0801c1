package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

func TestHub_PublishReachesConnectedClient(t *testing.T) {
	hub := NewHub(logger.NoOp())

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish(wire.Envelope{
		Type: wire.TypeCanFrameEvent,
		SenderDescriptor: model.ServiceDescriptor{
			ParticipantName: "Writer",
			ServiceName:     "CAN1",
			NetworkName:     "CAN1",
		},
	})

	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, "CanFrameEvent", evt.Type)
	require.Equal(t, "Writer", evt.ParticipantName)
	require.Equal(t, "CAN1", evt.ServiceName)
}

func TestHub_RunClosesClientsOnCancel(t *testing.T) {
	hub := NewHub(logger.NoOp())

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The server side closes the connection: the read fails before its
	// deadline rather than timing out.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "read timed out: %v", err)
}
