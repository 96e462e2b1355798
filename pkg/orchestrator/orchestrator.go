package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
	"github.com/linkerd/neurofabric/pkg/propagator"
	"github.com/linkerd/neurofabric/pkg/router"
	"github.com/linkerd/neurofabric/pkg/substrate"
	"github.com/linkerd/neurofabric/pkg/unit"
)

// DefaultMailboxCapacity bounds a unit's inbound mailbox when SpawnUnit is
// not given an explicit watermark/capacity.
const DefaultMailboxCapacity = 64

// routerOutbound adapts *router.Router to unit.Outbound, dropping the
// Outcome values (the errors already distinguish Accepted/Rejected, per
// the Router's own Dispatch contract).
type routerOutbound struct {
	r *router.Router
}

func (o routerOutbound) Dispatch(ctx context.Context, template fabric.Message, hint fabric.DestinationHint) []error {
	_, errs := o.r.Dispatch(ctx, template, hint)
	return errs
}

// unitRecord is the Orchestrator's bookkeeping entry for a live unit.
type unitRecord struct {
	u          *unit.Unit
	capability unit.Capability
	host       *unit.Host
	handle     *substrate.Handle
	out        map[fabric.UnitID]struct{} // connections this unit is the source of
	in         map[fabric.UnitID]struct{} // connections this unit is the destination of
}

// Orchestrator is the single-writer topology authority: it spawns and
// terminates units, connects and disconnects them, and republishes the
// immutable Snapshot the Router reads, under one serializing lock.
type Orchestrator struct {
	router     *router.Router
	scheduler  *substrate.Scheduler
	store      *substrate.Store
	bus        *observer.Bus
	abort      fabric.AbortFunc
	propagator *propagator.Propagator
	layerCap   int // 0 means unbounded

	mu      sync.Mutex // single writer, serializes every structural mutation
	units   map[fabric.UnitID]*unitRecord
	version atomic.Uint64

	snapshot atomic.Pointer[Snapshot]

	policy *FailurePolicy
}

// New builds an Orchestrator wired to router, scheduler, and store, and
// publishes an initial empty Snapshot. It builds its own Learning
// Propagator over router's Correlation Record, which every spawned unit's
// Host uses to resolve downstream gradient destinations. layerCap bounds
// how many units SpawnUnit and Reorganize will allow on any one layer; 0
// leaves it unbounded.
func New(r *router.Router, scheduler *substrate.Scheduler, store *substrate.Store, bus *observer.Bus, abort fabric.AbortFunc, layerCap int) *Orchestrator {
	o := &Orchestrator{
		router:     r,
		scheduler:  scheduler,
		store:      store,
		bus:        bus,
		abort:      abort,
		propagator: propagator.New(r, bus),
		layerCap:   layerCap,
		units:      make(map[fabric.UnitID]*unitRecord),
	}
	o.policy = newFailurePolicy(o, bus)
	bus.Subscribe(observer.SinkFunc(o.quarantineFailed))
	o.publishSnapshotLocked()
	return o
}

// quarantineFailed reacts to a UnitFailed event by republishing the
// Snapshot, making the unit's Failed health visible to the Router's
// admission checks: future sends to it are rejected from the next snapshot
// version on. The unit record itself stays until an explicit TerminateUnit
// removes it; no failure policy removes it.
func (o *Orchestrator) quarantineFailed(e observer.Event) {
	if e.Kind != observer.KindUnitFailed {
		return
	}
	raw, ok := e.Fields["unit_id"].(string)
	if !ok {
		return
	}
	id := fabric.UnitID(raw)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.units[id]; !ok {
		return
	}
	o.publishSnapshotLocked()
}

// countLayerLocked counts the currently live units at layer. Caller must
// hold o.mu.
func (o *Orchestrator) countLayerLocked(layer fabric.Layer) int {
	n := 0
	for _, rec := range o.units {
		if rec.u.Layer == layer {
			n++
		}
	}
	return n
}

// SpawnUnit creates a new unit at layer running capability, subscribes its
// mailbox with the Router, spawns its Host task, and republishes the
// Snapshot.
func (o *Orchestrator) SpawnUnit(ctx context.Context, layer fabric.Layer, capability unit.Capability, wm unit.Watermarks, budget unit.Budget) (fabric.UnitID, error) {
	if !layer.Valid() {
		return "", fmt.Errorf("%w: invalid layer %v", fabric.ErrInvalidTopologyPlan, layer)
	}
	if wm.High <= 0 {
		wm.High = DefaultMailboxCapacity
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.layerCap > 0 {
		if n := o.countLayerLocked(layer); n >= o.layerCap {
			return "", fmt.Errorf("%w: layer %s already holds %d units (cap %d)", fabric.ErrLayerCapacityExceeded, layer, n, o.layerCap)
		}
	}

	id := fabric.NewUnitID()
	u := unit.NewUnit(id, layer, wm, budget)
	mailbox := o.router.Subscribe(id, wm.High)
	host := unit.NewHost(u, capability, mailbox, routerOutbound{r: o.router}, o.router, o.propagator, o.store, o.bus, o.scheduler)

	rec := &unitRecord{
		u: u, capability: capability, host: host,
		out: make(map[fabric.UnitID]struct{}),
		in:  make(map[fabric.UnitID]struct{}),
	}
	o.units[id] = rec

	handle := o.scheduler.Spawn(ctx, string(id), host.Run)
	rec.handle = handle

	o.bus.Emit(observer.KindUnitSpawned, map[string]any{
		"unit_id": string(id), "layer": layer.String(),
	})
	o.publishSnapshotLocked()
	return id, nil
}

// TerminateUnit gracefully drains and removes a unit: its Draining health
// is published (so the Router admits it nothing further), a Drain control
// is delivered so the Host flushes already-queued work, and only once the
// unit's task has exited — or its drain deadline has passed — are its
// mailbox and record torn down.
func (o *Orchestrator) TerminateUnit(ctx context.Context, id fabric.UnitID) error {
	o.mu.Lock()
	rec, ok := o.units[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: unknown unit %s", fabric.ErrInvalidTopologyPlan, id)
	}

	// Draining health alone blocks new inbound admission; the unit's own
	// outbound edges stay up until the drain completes so it can still
	// emit pending gradients while flushing.
	rec.u.SetHealth(fabric.HealthDraining)
	o.publishSnapshotLocked()
	o.mu.Unlock()

	o.awaitDrain(ctx, rec)

	o.mu.Lock()
	for dst := range rec.out {
		o.removeEdgeLocked(id, dst)
	}
	for src := range rec.in {
		o.removeEdgeLocked(src, id)
	}
	o.router.Unsubscribe(id)
	delete(o.units, id)
	o.publishSnapshotLocked()
	o.mu.Unlock()

	o.bus.Emit(observer.KindUnitTerminated, map[string]any{"unit_id": string(id)})
	return nil
}

// awaitDrain delivers a Drain control to rec's unit and waits for its task
// to exit, bounded by the unit's drain deadline. A unit that does not exit
// in time (or whose mailbox is already gone) is force-cancelled; residual
// work is dropped by the Host with a Drained event, never silently.
func (o *Orchestrator) awaitDrain(ctx context.Context, rec *unitRecord) {
	deadline := rec.u.Budget.DrainDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err := o.router.SendControl(sendCtx, rec.u.ID, fabric.Message{
		Kind:      fabric.ControlKind,
		ID:        fabric.NewMessageID(),
		ControlOp: fabric.ControlDrain,
		Target:    rec.u.ID,
	})
	if err != nil {
		o.scheduler.Cancel(rec.handle)
		<-rec.handle.Done()
		return
	}

	t := time.NewTimer(deadline)
	defer t.Stop()
	select {
	case <-rec.handle.Done():
	case <-t.C:
		o.scheduler.Cancel(rec.handle)
		<-rec.handle.Done()
	case <-ctx.Done():
		o.scheduler.Cancel(rec.handle)
		<-rec.handle.Done()
	}
}

// Connect creates a directed edge src->dst, enforcing the ±1 adjacency
// invariant before the Router's own defense-in-depth check.
func (o *Orchestrator) Connect(src, dst fabric.UnitID, capacity int, weight float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.connectLocked(src, dst, capacity, weight); err != nil {
		return err
	}
	o.publishSnapshotLocked()
	return nil
}

func (o *Orchestrator) connectLocked(src, dst fabric.UnitID, capacity int, weight float64) error {
	srcRec, ok := o.units[src]
	if !ok {
		return fmt.Errorf("%w: unknown source unit %s", fabric.ErrInvalidTopologyPlan, src)
	}
	dstRec, ok := o.units[dst]
	if !ok {
		return fmt.Errorf("%w: unknown destination unit %s", fabric.ErrInvalidTopologyPlan, dst)
	}
	if !fabric.Adjacent(srcRec.u.Layer, dstRec.u.Layer) {
		return fabric.Rejected(fabric.ReasonAdjacencyViolation, "connect: endpoints not adjacent")
	}
	if err := o.router.AddConnection(src, dst, srcRec.u.Layer, dstRec.u.Layer, capacity, weight); err != nil {
		return err
	}
	srcRec.out[dst] = struct{}{}
	dstRec.in[src] = struct{}{}
	return nil
}

// Disconnect removes a directed edge.
func (o *Orchestrator) Disconnect(src, dst fabric.UnitID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeEdgeLocked(src, dst)
	o.publishSnapshotLocked()
	return nil
}

func (o *Orchestrator) removeEdgeLocked(src, dst fabric.UnitID) {
	o.router.RemoveConnection(src, dst)
	if rec, ok := o.units[src]; ok {
		delete(rec.out, dst)
	}
	if rec, ok := o.units[dst]; ok {
		delete(rec.in, src)
	}
}

// publishSnapshotLocked builds a fresh immutable Snapshot from current
// state, bumps the version, and atomically installs it into both the
// Orchestrator's own pointer and the Router. Caller must hold o.mu.
func (o *Orchestrator) publishSnapshotLocked() {
	units := make(map[fabric.UnitID]snapshotUnit, len(o.units))
	connections := make(map[edge]struct{})
	for id, rec := range o.units {
		units[id] = snapshotUnit{Layer: rec.u.Layer, Health: rec.u.Health()}
		for dst := range rec.out {
			connections[edge{Src: id, Dst: dst}] = struct{}{}
		}
	}
	v := o.version.Add(1)
	snap := newSnapshot(v, units, connections)
	o.snapshot.Store(snap)
	o.router.SetTopology(snap)
	o.persistSnapshot(snap)
	o.bus.Emit(observer.KindSnapshotPublished, map[string]any{"version": v})
}

// persistSnapshot write-through checkpoints snap into the State Store's
// "topology" namespace, keyed by version. Best-effort: a store write
// failure never blocks topology publication, since the published
// in-memory Snapshot (read by the Router) is already the source
// of truth for live routing decisions.
func (o *Orchestrator) persistSnapshot(snap *Snapshot) {
	if o.store == nil {
		return
	}
	blob, err := snap.MarshalBinary()
	if err != nil {
		return
	}
	_ = o.store.Put("topology", fmt.Sprintf("%d", snap.Version()), blob)
}

// CurrentSnapshot returns the most recently published Snapshot.
func (o *Orchestrator) CurrentSnapshot() *Snapshot {
	return o.snapshot.Load()
}
