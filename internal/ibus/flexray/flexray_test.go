package flexray

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/errors"
	"github.com/vectorbus/ibus/internal/ibus/messaging"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

func validCluster() ClusterParameters {
	return ClusterParameters{
		ColdstartAttempts:                8,
		CycleCountMax:                    63,
		ListenNoise:                      2,
		MacroPerCycle:                    3000,
		MaxWithoutClockCorrectionFatal:   5,
		MaxWithoutClockCorrectionPassive: 5,
		NumberOfMiniSlots:                0,
		NumberOfStaticSlots:              2,
		PayloadLengthStatic:              8,
		SyncFrameIDCountMax:              2,
		DActionPointOffset:               1,
		DDynamicSlotIdlePhase:            0,
		DMiniSlot:                        5,
		DMiniSlotActionPointOffset:       1,
		DStaticSlot:                      40,
		DSymbolWindow:                    0,
		DSymbolWindowActionPointOffset:   1,
		DTSSTransmitter:                  1,
		DWakeupTxActive:                  15,
		DWakeupTxIdle:                    45,
	}
}

func validNode() NodeParameters {
	return NodeParameters{
		AllowPassiveToActive:  0,
		ClusterDriftDamping:   0,
		DAcceptedStartupRange: 29,
		DListenTimeout:        1926,
		KeySlotID:             0,
		LatestTx:              0,
		MacroInitialOffsetA:   2,
		MacroInitialOffsetB:   2,
		MicroInitialOffsetA:   0,
		MicroInitialOffsetB:   0,
		MicroPerCycle:         960,
		OffsetCorrectionOut:   15,
		OffsetCorrectionStart: 7,
		RateCorrectionOut:     3,
		WakeupChannel:         ChannelA,
		WakeupPattern:         0,
		SamplesPerMicrotick:   1,
	}
}

func TestClusterParameters_ValidateAcceptsSpecRangeBoundaries(t *testing.T) {
	assert.NoError(t, validCluster().Validate())
}

func TestClusterParameters_ValidateRejectsOutOfRangeColdstartAttempts(t *testing.T) {
	c := validCluster()
	c.ColdstartAttempts = 1
	assert.Error(t, c.Validate())
}

func TestClusterParameters_ValidateRejectsEvenCycleCountMax(t *testing.T) {
	c := validCluster()
	c.CycleCountMax = 8
	assert.Error(t, c.Validate())
}

func TestClusterParameters_ValidateRejectsStaticSlotOutOfRange(t *testing.T) {
	c := validCluster()
	c.DStaticSlot = 2
	assert.Error(t, c.Validate())

	c.DStaticSlot = 665
	assert.Error(t, c.Validate())
}

func TestNodeParameters_ValidateRejectsBadSamplesPerMicrotick(t *testing.T) {
	n := validNode()
	n.SamplesPerMicrotick = 3
	assert.Error(t, n.Validate())
}

func TestNodeParameters_ValidateRejectsListenTimeoutOutOfRange(t *testing.T) {
	n := validNode()
	n.DListenTimeout = 1925
	assert.Error(t, n.Validate())
}

func TestController_ConfigureRejectsInvalidParametersAndStaysInDefaultConfig(t *testing.T) {
	router := messaging.New()
	c := New("P", "FR1", "FR1", router, nil, logger.NoOp())

	bad := validCluster()
	bad.ColdstartAttempts = 0

	err := c.Configure(bad, validNode(), nil)
	require.Error(t, err)
	assert.Equal(t, PocDefaultConfig, c.State())
}

func TestController_ConfigureAdvancesToReady(t *testing.T) {
	router := messaging.New()
	c := New("P", "FR1", "FR1", router, nil, logger.NoOp())

	require.NoError(t, c.Configure(validCluster(), validNode(), []TxBufferConfig{{Channels: ChannelA, SlotID: 1}}))
	assert.Equal(t, PocReady, c.State())
}

func TestController_RunJumpsToNormalActiveAndEmitsSymbol(t *testing.T) {
	router := messaging.New()
	c := New("P", "FR1", "FR1", router, nil, logger.NoOp())
	require.NoError(t, c.Configure(validCluster(), validNode(), nil))

	var symbols []SymbolEvent
	router.Subscribe(wire.TypeFlexraySymbolEvent, "FR1", "Observer::FR1", "Observer", func(env wire.Envelope) {
		if evt, ok := env.Payload.(SymbolEvent); ok {
			symbols = append(symbols, evt)
		}
	})

	require.NoError(t, c.Run())
	assert.Equal(t, PocNormalActive, c.State())
	require.Len(t, symbols, 1)
	assert.Equal(t, "CAS_MTS", symbols[0].Symbol)
	assert.Equal(t, ChannelAB, symbols[0].Channel)
}

func TestController_WakeupCyclesThroughWakeupBackToReady(t *testing.T) {
	router := messaging.New()
	c := New("P", "FR1", "FR1", router, nil, logger.NoOp())
	require.NoError(t, c.Configure(validCluster(), validNode(), nil))

	var states []PocState
	c.RegisterPocStatusHandler(func(evt PocStatusEvent) { states = append(states, evt.State) })

	require.NoError(t, c.Wakeup())
	assert.Equal(t, PocReady, c.State())
	assert.Contains(t, states, PocWakeup)
}

func TestController_ReconfigureTxBufferRejectsOutOfRangeIndex(t *testing.T) {
	router := messaging.New()
	c := New("P", "FR1", "FR1", router, nil, logger.NoOp())
	require.NoError(t, c.Configure(validCluster(), validNode(), []TxBufferConfig{{Channels: ChannelA, SlotID: 1}}))

	err := c.ReconfigureTxBuffer(5, TxBufferConfig{})
	assert.ErrorIs(t, err, errors.ErrTxBufferIndexOutOfRange)
}

func TestController_UpdateTxBufferDerivesHeaderAndMirrorsAck(t *testing.T) {
	router := messaging.New()
	sender := New("Sender", "FR1", "FR1", router, nil, logger.NoOp())
	receiver := New("Receiver", "FR1", "FR1", router, nil, logger.NoOp())

	require.NoError(t, sender.Configure(validCluster(), validNode(), []TxBufferConfig{
		{Channels: ChannelA, SlotID: 7, HasPayloadPreambleIndicator: true, HeaderCrc: 0x55},
	}))
	require.NoError(t, receiver.Configure(validCluster(), validNode(), nil))

	require.NoError(t, sender.Run())
	require.NoError(t, receiver.Run())

	var received FrameEvent
	var gotFrame bool
	receiver.RegisterFrameHandler(func(evt FrameEvent) {
		received = evt
		gotFrame = true
	})

	var ack FrameTransmitEvent
	var gotAck bool
	sender.RegisterTransmitHandler(func(evt FrameTransmitEvent) {
		ack = evt
		gotAck = true
	})

	payload := []byte{1, 2, 3}
	require.NoError(t, sender.UpdateTxBuffer(TxBufferUpdate{TxBufferIndex: 0, Payload: payload, PayloadDataValid: true}))

	require.True(t, gotFrame)
	assert.Equal(t, ChannelA, received.Channel)
	assert.True(t, received.Frame.Header.PPIndicator)
	assert.True(t, received.Frame.Header.NFIndicator)
	assert.Equal(t, uint16(7), received.Frame.Header.FrameID)
	assert.Equal(t, uint8(2), received.Frame.Header.PayloadLength)
	assert.Equal(t, uint16(0x55), received.Frame.Header.HeaderCrc)

	require.True(t, gotAck)
	assert.Equal(t, ChannelA, ack.Channel)
}

func TestController_UpdateTxBufferBeforeNormalActiveFails(t *testing.T) {
	router := messaging.New()
	c := New("P", "FR1", "FR1", router, nil, logger.NoOp())
	require.NoError(t, c.Configure(validCluster(), validNode(), []TxBufferConfig{{Channels: ChannelA, SlotID: 1}}))

	err := c.UpdateTxBuffer(TxBufferUpdate{TxBufferIndex: 0})
	assert.Error(t, err)
}
