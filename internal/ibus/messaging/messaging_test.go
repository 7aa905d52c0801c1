package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

func TestRoute_DeliversToMatchingNetworkOnly(t *testing.T) {
	r := New()

	var can1, can2 int
	r.Subscribe(wire.TypeCanFrameEvent, "CAN1", "reader", "Reader", func(wire.Envelope) { can1++ })
	r.Subscribe(wire.TypeCanFrameEvent, "CAN2", "other", "Other", func(wire.Envelope) { can2++ })

	r.Route(wire.Envelope{Type: wire.TypeCanFrameEvent}, "CAN1", "writer")

	assert.Equal(t, 1, can1)
	assert.Equal(t, 0, can2)
}

func TestRoute_SuppressesSenderEcho(t *testing.T) {
	r := New()

	var delivered int
	r.Subscribe(wire.TypeCanFrameEvent, "CAN1", "writer", "Writer", func(wire.Envelope) { delivered++ })
	r.Subscribe(wire.TypeCanFrameEvent, "CAN1", "reader", "Reader", func(wire.Envelope) { delivered++ })

	r.Route(wire.Envelope{Type: wire.TypeCanFrameEvent}, "CAN1", "writer")

	assert.Equal(t, 1, delivered)
}

func TestRoute_TargetedDeliveryFiltersByReceiverName(t *testing.T) {
	r := New()

	var a, b int
	r.Subscribe(wire.TypeParticipantCommand, "", "ctrl", "A", func(wire.Envelope) { a++ })
	r.Subscribe(wire.TypeParticipantCommand, "", "ctrl2", "B", func(wire.Envelope) { b++ })

	r.Route(wire.Envelope{Type: wire.TypeParticipantCommand, Target: "B"}, "", "")

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestUnsubscribe_UnknownIDIsNonFatal(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Unsubscribe(model.HandlerID(42)) })
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	r := New()

	var count int
	id := r.Subscribe(wire.TypeCanFrameEvent, "CAN1", "owner", "P", func(wire.Envelope) { count++ })

	r.Route(wire.Envelope{Type: wire.TypeCanFrameEvent}, "CAN1", "")
	assert.Equal(t, 1, count)

	r.Unsubscribe(id)
	r.Route(wire.Envelope{Type: wire.TypeCanFrameEvent}, "CAN1", "")
	assert.Equal(t, 1, count)
}
