package orchestrator

import (
	"fmt"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// ConnectOp describes one edge to add as part of a ReorgPlan.
type ConnectOp struct {
	Src, Dst fabric.UnitID
	Capacity int
	Weight   float64
}

// DisconnectOp describes one edge to remove as part of a ReorgPlan.
type DisconnectOp struct {
	Src, Dst fabric.UnitID
}

// ReorgPlan is a batch of structural changes applied atomically: every
// invariant is validated against the post-plan topology before any change
// is committed.
type ReorgPlan struct {
	Terminate  []fabric.UnitID
	Connect    []ConnectOp
	Disconnect []DisconnectOp
}

// planState is a throwaway in-memory clone of unit layers and connections,
// used to validate a ReorgPlan's cumulative effect against every invariant
// before touching live state.
type planState struct {
	layers      map[fabric.UnitID]fabric.Layer
	connections map[edge]struct{}
}

func (o *Orchestrator) clonePlanStateLocked() *planState {
	ps := &planState{
		layers:      make(map[fabric.UnitID]fabric.Layer, len(o.units)),
		connections: make(map[edge]struct{}),
	}
	for id, rec := range o.units {
		ps.layers[id] = rec.u.Layer
		for dst := range rec.out {
			ps.connections[edge{Src: id, Dst: dst}] = struct{}{}
		}
	}
	return ps
}

// Reorganize validates plan in full against a cloned snapshot (Phase 1),
// rejecting the entire plan on the first invariant violation, then commits
// every operation and republishes exactly one Snapshot (Phase 2).
func (o *Orchestrator) Reorganize(plan ReorgPlan) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ps := o.clonePlanStateLocked()

	terminated := make(map[fabric.UnitID]bool, len(plan.Terminate))
	for _, id := range plan.Terminate {
		if _, ok := ps.layers[id]; !ok {
			return fmt.Errorf("%w: reorganize: unknown unit to terminate %s", fabric.ErrInvalidTopologyPlan, id)
		}
		terminated[id] = true
		delete(ps.layers, id)
		for e := range ps.connections {
			if e.Src == id || e.Dst == id {
				delete(ps.connections, e)
			}
		}
	}

	for _, d := range plan.Disconnect {
		delete(ps.connections, edge{Src: d.Src, Dst: d.Dst})
	}

	for _, c := range plan.Connect {
		if terminated[c.Src] || terminated[c.Dst] {
			return fmt.Errorf("%w: reorganize: connect references a terminated unit", fabric.ErrInvalidTopologyPlan)
		}
		srcLayer, ok := ps.layers[c.Src]
		if !ok {
			return fmt.Errorf("%w: reorganize: unknown source unit %s", fabric.ErrInvalidTopologyPlan, c.Src)
		}
		dstLayer, ok := ps.layers[c.Dst]
		if !ok {
			return fmt.Errorf("%w: reorganize: unknown destination unit %s", fabric.ErrInvalidTopologyPlan, c.Dst)
		}
		if !fabric.Adjacent(srcLayer, dstLayer) {
			return fabric.Rejected(fabric.ReasonAdjacencyViolation, "reorganize: connect endpoints not adjacent")
		}
		ps.connections[edge{Src: c.Src, Dst: c.Dst}] = struct{}{}
	}

	if o.layerCap > 0 {
		counts := make(map[fabric.Layer]int, len(ps.layers))
		for _, l := range ps.layers {
			counts[l]++
		}
		for l, n := range counts {
			if n > o.layerCap {
				return fmt.Errorf("%w: reorganize: layer %s would hold %d units (cap %d)", fabric.ErrLayerCapacityExceeded, l, n, o.layerCap)
			}
		}
	}

	// Phase 2: commit. Disconnects and terminations first, so a unit being
	// both disconnected and replaced never races the Router's own edge
	// bookkeeping; connects last, onto the now-settled unit set.
	for _, d := range plan.Disconnect {
		o.removeEdgeLocked(d.Src, d.Dst)
	}
	for _, id := range plan.Terminate {
		rec, ok := o.units[id]
		if !ok {
			continue
		}
		rec.u.SetHealth(fabric.HealthDraining)
		for dst := range rec.out {
			o.removeEdgeLocked(id, dst)
		}
		for src := range rec.in {
			o.removeEdgeLocked(src, id)
		}
		o.scheduler.Cancel(rec.handle)
		o.router.Unsubscribe(id)
		delete(o.units, id)
	}
	for _, c := range plan.Connect {
		if err := o.connectLocked(c.Src, c.Dst, c.Capacity, c.Weight); err != nil {
			return fmt.Errorf("reorganize: commit phase: %w", err)
		}
	}

	o.publishSnapshotLocked()
	return nil
}
