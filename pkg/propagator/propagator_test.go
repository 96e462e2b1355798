package propagator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
)

type fakeSource struct {
	producers map[fabric.MessageID]fabric.UnitID
}

func (f *fakeSource) LookupProducer(signalID fabric.MessageID) (fabric.UnitID, bool) {
	id, ok := f.producers[signalID]
	return id, ok
}

func TestResolveGradientTargetFound(t *testing.T) {
	producer := fabric.NewUnitID()
	signal := fabric.NewMessageID()
	src := &fakeSource{producers: map[fabric.MessageID]fabric.UnitID{signal: producer}}
	bus := observer.NewBus()
	p := New(src, bus)

	got, err := p.ResolveGradientTarget(signal)
	require.NoError(t, err)
	assert.Equal(t, producer, got)
}

func TestResolveGradientTargetLostEmitsEvent(t *testing.T) {
	src := &fakeSource{producers: map[fabric.MessageID]fabric.UnitID{}}
	bus := observer.NewBus()
	var captured []observer.Event
	bus.Subscribe(observer.SinkFunc(func(e observer.Event) { captured = append(captured, e) }))
	p := New(src, bus)

	_, err := p.ResolveGradientTarget(fabric.NewMessageID())
	require.ErrorIs(t, err, fabric.ErrGradientLost)
	require.Len(t, captured, 1)
	assert.Equal(t, observer.KindGradientLost, captured[0].Kind)
}

func TestFanOutTargetsSkipsUnresolved(t *testing.T) {
	producer := fabric.NewUnitID()
	known := fabric.NewMessageID()
	unknown := fabric.NewMessageID()
	src := &fakeSource{producers: map[fabric.MessageID]fabric.UnitID{known: producer}}
	bus := observer.NewBus()
	p := New(src, bus)

	resolved := p.FanOutTargets([]fabric.MessageID{known, unknown})
	require.Len(t, resolved, 1)
	assert.Equal(t, producer, resolved[known])
}
