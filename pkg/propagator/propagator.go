// Package propagator implements the Learning Propagator: backward-gradient
// target resolution, as a stateless set of functions over the Router's
// Correlation Record. Forward signals are recorded by the Router itself.
package propagator

import (
	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
)

// CorrelationSource is the narrow view the Propagator needs of the
// Router's Correlation Record: given a signal_id, who produced it. Kept
// narrow, rather than importing pkg/router directly, to avoid a
// router<->propagator import cycle; the Orchestrator wires a concrete
// *router.Router in here.
type CorrelationSource interface {
	LookupProducer(signalID fabric.MessageID) (fabric.UnitID, bool)
}

// Propagator resolves gradient targets against a CorrelationSource and
// reports loss/orphan conditions on the Observer bus. It holds no state of
// its own beyond these two collaborators.
type Propagator struct {
	source CorrelationSource
	bus    *observer.Bus
}

// New builds a Propagator over source, emitting events on bus.
func New(source CorrelationSource, bus *observer.Bus) *Propagator {
	return &Propagator{source: source, bus: bus}
}

// ResolveGradientTarget resolves the producer unit a gradient answering
// targetSignalID should be delivered to. If the Correlation Record has
// already been evicted (TTL or LRU pressure) or was never populated, this
// reports ErrGradientLost and emits a GradientLost event: loss is never
// silent.
func (p *Propagator) ResolveGradientTarget(targetSignalID fabric.MessageID) (fabric.UnitID, error) {
	producer, ok := p.source.LookupProducer(targetSignalID)
	if !ok {
		p.bus.Emit(observer.KindGradientLost, map[string]any{
			"signal_id": string(targetSignalID),
		})
		return "", fabric.ErrGradientLost
	}
	return producer, nil
}

// FanOutTargets resolves a slice of downstream gradient outputs, one per
// contributing layer-(L-1) producer, into their concrete destinations,
// skipping and reporting any that cannot be resolved rather than failing
// the whole batch.
func (p *Propagator) FanOutTargets(targetSignalIDs []fabric.MessageID) map[fabric.MessageID]fabric.UnitID {
	resolved := make(map[fabric.MessageID]fabric.UnitID, len(targetSignalIDs))
	for _, id := range targetSignalIDs {
		if producer, err := p.ResolveGradientTarget(id); err == nil {
			resolved[id] = producer
		}
	}
	return resolved
}
