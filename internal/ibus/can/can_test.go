package can

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/messaging"
)

func TestCan_LoopbackSendReceiveAck(t *testing.T) {
	router := messaging.New()

	writer := New("Writer", "CAN1", "CAN1", router, nil, logger.NoOp())
	reader := New("Reader", "CAN1", "CAN1", router, nil, logger.NoOp())

	writer.SetMode(ModeStarted)
	reader.SetMode(ModeStarted)

	var received FrameEvent
	var gotFrame bool
	reader.RegisterFrameHandler(func(evt FrameEvent) {
		received = evt
		gotFrame = true
	})

	var ack FrameTransmitEvent
	var gotAck bool
	writer.RegisterTransmitHandler(func(evt FrameTransmitEvent) {
		ack = evt
		gotAck = true
	})

	txID, err := writer.SendFrame(Frame{ID: 0x123, DLC: 4, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	require.True(t, gotFrame)
	assert.Equal(t, uint32(0x123), received.Frame.ID)
	assert.Equal(t, txID, received.TransmitID)

	require.True(t, gotAck)
	assert.Equal(t, txID, ack.TransmitID)
	assert.Equal(t, Transmitted, ack.Status)
}

func TestCan_SenderDoesNotReceiveItsOwnFrame(t *testing.T) {
	router := messaging.New()
	writer := New("Writer", "CAN1", "CAN1", router, nil, logger.NoOp())
	writer.SetMode(ModeStarted)

	var selfDelivered bool
	writer.RegisterFrameHandler(func(FrameEvent) { selfDelivered = true })

	_, err := writer.SendFrame(Frame{ID: 1, DLC: 0})
	require.NoError(t, err)
	assert.False(t, selfDelivered)
}

func TestCan_SendBeforeStartedFails(t *testing.T) {
	router := messaging.New()
	c := New("P", "CAN1", "CAN1", router, nil, logger.NoOp())

	_, err := c.SendFrame(Frame{ID: 1})
	assert.Error(t, err)
}

func TestCan_FrameValidation(t *testing.T) {
	router := messaging.New()
	c := New("P", "CAN1", "CAN1", router, nil, logger.NoOp())
	c.SetMode(ModeStarted)

	_, err := c.SendFrame(Frame{ID: 0x20000000})
	assert.Error(t, err)

	_, err = c.SendFrame(Frame{ID: 1, Data: make([]byte, 65)})
	assert.Error(t, err)
}

func TestCan_ThreadSafety_HandlerChurnDuringReception(t *testing.T) {
	router := messaging.New()
	writer := New("Writer", "CAN1", "CAN1", router, nil, logger.NoOp())
	reader := New("Reader", "CAN1", "CAN1", router, nil, logger.NoOp())
	writer.SetMode(ModeStarted)
	reader.SetMode(ModeStarted)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			id := reader.RegisterFrameHandler(func(FrameEvent) {})
			reader.RemoveFrameHandler(id)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = writer.SendFrame(Frame{ID: 1, Data: []byte{1}})
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}
