package discovery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

func descriptor(i int) model.ServiceDescriptor {
	return model.ServiceDescriptor{
		ParticipantName: "Publisher",
		ServiceName:     fmt.Sprintf("Topic%d", i),
		NetworkName:     "Default",
		ServiceType:     model.ServiceController,
	}
}

func TestRegisterHandler_ReplaysExistingDescriptorsExactlyOnce(t *testing.T) {
	r := New(logger.NoOp())

	for i := 0; i < 5; i++ {
		r.AddLocal(descriptor(i))
	}

	var created int
	r.RegisterHandler(Filter{}, func(evt model.ServiceDiscoveryEvent) {
		if evt.Kind == model.ServiceCreated {
			created++
		}
	})

	assert.Equal(t, 5, created)
}

func TestServiceRemovalScenario_FiveCreatedThenFiveRemoved(t *testing.T) {
	r := New(logger.NoOp())

	var createdSeen, removedSeen []model.ServiceDescriptor
	r.RegisterHandler(Filter{}, func(evt model.ServiceDiscoveryEvent) {
		switch evt.Kind {
		case model.ServiceCreated:
			createdSeen = append(createdSeen, evt.Descriptor)
		case model.ServiceRemoved:
			removedSeen = append(removedSeen, evt.Descriptor)
		}
	})

	descs := make([]model.ServiceDescriptor, 5)
	for i := range descs {
		descs[i] = descriptor(i)
		r.AddLocal(descs[i])
	}

	for _, d := range descs {
		r.RemoveLocal(d)
	}

	require.Len(t, createdSeen, 5)
	require.Len(t, removedSeen, 5)

	assert.ElementsMatch(t, descs, createdSeen)
	assert.ElementsMatch(t, descs, removedSeen)
}

func TestRemoveHandler_UnknownIDIsNonFatal(t *testing.T) {
	r := New(logger.NoOp())
	assert.NotPanics(t, func() { r.RemoveHandler(model.HandlerID(999)) })
}

func TestRemoveHandler_StopsFurtherDelivery(t *testing.T) {
	r := New(logger.NoOp())

	var count int
	id := r.RegisterHandler(Filter{}, func(model.ServiceDiscoveryEvent) { count++ })

	r.AddLocal(descriptor(1))
	assert.Equal(t, 1, count)

	r.RemoveHandler(id)
	r.AddLocal(descriptor(2))
	assert.Equal(t, 1, count)
}

func TestFilter_ByControllerType(t *testing.T) {
	r := New(logger.NoOp())

	link := model.ServiceLink
	var matched int
	r.RegisterHandler(Filter{ControllerType: &link}, func(model.ServiceDiscoveryEvent) { matched++ })

	r.AddLocal(model.ServiceDescriptor{ParticipantName: "P", ServiceName: "A", ServiceType: model.ServiceController})
	r.AddLocal(model.ServiceDescriptor{ParticipantName: "P", ServiceName: "B", ServiceType: model.ServiceLink})

	assert.Equal(t, 1, matched)
}

func TestObserveRemote_UpdatesSnapshot(t *testing.T) {
	r := New(logger.NoOp())

	d := descriptor(1)
	r.ObserveRemote(model.ServiceDiscoveryEvent{Kind: model.ServiceCreated, Descriptor: d})
	assert.Len(t, r.Snapshot(), 1)

	r.ObserveRemote(model.ServiceDiscoveryEvent{Kind: model.ServiceRemoved, Descriptor: d})
	assert.Empty(t, r.Snapshot())
}

func TestLocalDescriptors_ExcludesRemote(t *testing.T) {
	r := New(logger.NoOp())

	r.AddLocal(descriptor(1))
	r.ObserveRemote(model.ServiceDiscoveryEvent{
		Kind:       model.ServiceCreated,
		Descriptor: model.ServiceDescriptor{ParticipantName: "Other", ServiceName: "X"},
	})

	assert.Len(t, r.LocalDescriptors(), 1)
	assert.Equal(t, "Publisher", r.LocalDescriptors()[0].ParticipantName)
}
