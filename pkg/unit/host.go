package unit

import (
	"context"
	"encoding"
	"time"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
	"github.com/linkerd/neurofabric/pkg/substrate"
)

// Outbound is the narrow view Host needs of the Router: emit a concrete or
// symbolically-addressed message and learn whether it was admitted. Every
// output goes through Dispatch — even explicit-UnitID hints — because only
// the Router can resolve the destination's layer from the current
// snapshot; the Host deliberately never sees the topology. Host never
// imports pkg/router directly — the Orchestrator wires a concrete
// *router.Router into this interface when it spawns a unit, keeping the
// dependency one-directional.
type Outbound interface {
	Dispatch(ctx context.Context, template fabric.Message, hint fabric.DestinationHint) []error
}

// ThrottleSink receives mailbox watermark crossings so the Router can stop
// (or resume) admitting Signals to a unit whose mailbox is backed up.
type ThrottleSink interface {
	SetInboundThrottle(id fabric.UnitID, throttled bool)
}

// GradientResolver resolves a downstream gradient's intended target from
// the signal it answers, via the Router's Correlation Record. The Host
// falls back to this when a Capability's downstream gradient output names
// a TargetSignalID but no explicit destination — the Propagator resolves
// the intended target(s) from the Correlation Record. A
// *propagator.Propagator satisfies this; kept narrow here to avoid
// pkg/unit importing pkg/propagator.
type GradientResolver interface {
	ResolveGradientTarget(targetSignalID fabric.MessageID) (fabric.UnitID, error)
}

// StateStore is the narrow State Store view the Host needs: write-through
// persistence of committed unit state into namespace "units/<id>". A
// *substrate.Store satisfies this directly.
type StateStore interface {
	Put(namespace, key string, value []byte) error
}

// stateKey is the fixed key used within a unit's own "units/<id>"
// namespace; the namespace already disambiguates units, so the key itself
// is just a label.
const stateKey = "state"

// UnitNamespace returns the State Store namespace a given unit's
// checkpointed state is written to.
func UnitNamespace(id fabric.UnitID) string {
	return "units/" + string(id)
}

// Host runs one Substrate task per Unit: a loop that receives messages
// from the unit's mailbox and dispatches them to the Capability, under a
// panic and per-message budget boundary.
type Host struct {
	unit       *Unit
	capability Capability
	mailbox    *substrate.Channel[fabric.Message]
	outbound   Outbound
	throttle   ThrottleSink
	gradients  GradientResolver
	store      StateStore
	bus        *observer.Bus
	scheduler  *substrate.Scheduler

	state State
}

// defaultDrainDeadline bounds a Drain control when the unit's Budget
// leaves DrainDeadline unset.
const defaultDrainDeadline = 10 * time.Second

// NewHost builds a Host for unit, wiring its mailbox channel and the
// narrow Outbound/ThrottleSink/GradientResolver/StateStore views of the
// Router, Propagator, and Substrate. gradients may be nil, in which case
// downstream gradient outputs must always carry an explicit destination
// hint; store may be nil, in which case committed state is kept only in
// memory and never checkpointed.
func NewHost(u *Unit, cap Capability, mailbox *substrate.Channel[fabric.Message], outbound Outbound, throttle ThrottleSink, gradients GradientResolver, store StateStore, bus *observer.Bus, scheduler *substrate.Scheduler) *Host {
	return &Host{
		unit:       u,
		capability: cap,
		mailbox:    mailbox,
		outbound:   outbound,
		throttle:   throttle,
		gradients:  gradients,
		store:      store,
		bus:        bus,
		scheduler:  scheduler,
	}
}

// Run is the unit's task-loop entry point, intended to be passed to
// substrate.Scheduler.Spawn. It calls OnSpawn, then loops receiving and
// dispatching messages until ctx is cancelled, the mailbox is closed, a
// Control Shutdown or Drain has been handled, or the unit fails, yielding
// to the scheduler after every message for fairness.
func (h *Host) Run(ctx context.Context) {
	state, err := h.guardedSpawn(ctx)
	if err != nil {
		h.fail(err)
		return
	}
	h.setState(state)

	tick := time.NewTicker(h.scheduler.FairnessWindow())
	defer tick.Stop()

	for {
		msg, ok, woke := h.mailbox.RecvTick(ctx, tick.C)
		if woke {
			h.watermarkCheck()
			continue
		}
		if !ok {
			return
		}

		if h.dispatch(ctx, msg) {
			return
		}
		h.watermarkCheck()
		_ = h.scheduler.Yield(ctx)
	}
}

// dispatch routes one message to the appropriate Capability method under
// the per-message budget and panic boundary. It returns true if the unit's
// task loop should exit (Shutdown control, or unrecoverable failure).
func (h *Host) dispatch(ctx context.Context, msg fabric.Message) (exit bool) {
	switch msg.Kind {
	case fabric.ControlKind:
		return h.dispatchControl(ctx, msg)
	case fabric.SignalKind:
		state, outputs, err := h.guardedProcessSignal(ctx, msg)
		h.commit(ctx, msg, state, outputs, err)
		return h.unit.Health() == fabric.HealthFailed
	case fabric.GradientKind:
		state, outputs, err := h.guardedProcessGradient(ctx, msg)
		h.commit(ctx, msg, state, outputs, err)
		return h.unit.Health() == fabric.HealthFailed
	default:
		return false
	}
}

func (h *Host) dispatchControl(ctx context.Context, msg fabric.Message) (exit bool) {
	switch msg.ControlOp {
	case fabric.ControlDrain:
		h.drain(ctx, msg)
		return true
	case fabric.ControlShutdown:
		h.bus.Emit(observer.KindUnitTerminated, map[string]any{"unit_id": string(h.unit.ID)})
		return true
	case fabric.ControlReconfigure:
		return false
	default:
		return false
	}
}

// drain implements the unit's Drain lifecycle: mark Draining (which stops
// the Router from admitting it any new Signal/Gradient), run OnDrain,
// then flush whatever is already queued in the mailbox up to the unit's
// configured DrainDeadline. Anything still queued once the deadline
// passes is dropped; the drop is reported via KindDrained, never silent.
func (h *Host) drain(ctx context.Context, msg fabric.Message) {
	h.unit.SetHealth(fabric.HealthDraining)
	state, outputs, err := h.guardedDrain(ctx)
	h.commit(ctx, msg, state, outputs, err)

	deadline := h.unit.Budget.DrainDeadline
	if deadline <= 0 {
		deadline = defaultDrainDeadline
	}
	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Flush only what is already queued: the Draining health published by
	// the Orchestrator stops the Router admitting anything new, so an empty
	// mailbox means the drain is done, not that more might arrive.
	for drainCtx.Err() == nil {
		pending, ok := h.mailbox.TryRecv()
		if !ok {
			break
		}
		if h.drainOne(drainCtx, pending) {
			break
		}
	}

	h.bus.Emit(observer.KindDrained, map[string]any{
		"unit_id": string(h.unit.ID),
		"dropped": h.mailbox.Len(),
	})
}

// drainOne dispatches one message flushed during drain. It returns true if
// draining should stop immediately (a Shutdown control arrived mid-drain).
func (h *Host) drainOne(ctx context.Context, msg fabric.Message) (stop bool) {
	switch msg.Kind {
	case fabric.SignalKind:
		state, outputs, err := h.guardedProcessSignal(ctx, msg)
		h.commit(ctx, msg, state, outputs, err)
	case fabric.GradientKind:
		state, outputs, err := h.guardedProcessGradient(ctx, msg)
		h.commit(ctx, msg, state, outputs, err)
	case fabric.ControlKind:
		if msg.ControlOp == fabric.ControlShutdown {
			h.bus.Emit(observer.KindUnitTerminated, map[string]any{"unit_id": string(h.unit.ID)})
			return true
		}
	}
	return h.unit.Health() == fabric.HealthFailed
}

// commit applies a Capability call's result: updates state, routes every
// emitted output, and on error invokes OnRoutingError synchronously in
// this same task. On a fatal error the state returned by the failing call
// is discarded — the unit's last-good committed state is what survives
// (in memory and in the State Store).
func (h *Host) commit(ctx context.Context, inbound fabric.Message, state State, outputs []fabric.CapabilityOutput, err error) {
	if err != nil {
		h.fail(err)
		return
	}
	h.setState(state)
	for _, out := range outputs {
		h.emit(ctx, inbound, out)
	}
}

// setState installs state as the unit's live State and, if it implements
// encoding.BinaryMarshaler, write-through checkpoints it to the State
// Store's "units/<id>" namespace — the unit's own task is the sole writer
// for its key. Capability State values that don't implement
// BinaryMarshaler are kept in memory only; persistence is opt-in rather
// than forced serialization of arbitrary opaque state.
func (h *Host) setState(state State) {
	h.state = state
	if h.store == nil || state == nil {
		return
	}
	marshaler, ok := state.(encoding.BinaryMarshaler)
	if !ok {
		return
	}
	blob, err := marshaler.MarshalBinary()
	if err != nil {
		return
	}
	_ = h.store.Put(UnitNamespace(h.unit.ID), stateKey, blob)
}

// emit fills in the fields the Capability contract leaves to the Host:
// source/layer_from are this unit's identity, hop_count is incremented from
// the inbound message that triggered this output, and correlation_id is
// propagated unchanged so derived signals/gradients stay traceable back to
// the originating request.
func (h *Host) emit(ctx context.Context, inbound fabric.Message, out fabric.CapabilityOutput) {
	origin := inbound.Origin
	if origin == "" {
		origin = h.unit.ID
	}
	template := fabric.Message{
		Kind:           out.Kind,
		ID:             fabric.NewMessageID(),
		Origin:         origin,
		Source:         h.unit.ID,
		LayerFrom:      h.unit.Layer,
		Direction:      out.Direction,
		Payload:        out.Payload,
		CorrelationID:  inbound.CorrelationID,
		HopCount:       inbound.HopCount + 1,
		TargetSignalID: out.TargetSignalID,
	}

	if out.Kind == fabric.GradientKind && out.Destination.Explicit == nil && out.Destination.Selector == nil {
		resolved, ok := h.resolveGradientDestination(ctx, out)
		if !ok {
			return
		}
		out.Destination = fabric.ExplicitHint(resolved)
	}

	for _, e := range h.outbound.Dispatch(ctx, template, out.Destination) {
		if e != nil {
			h.reactToRoutingError(ctx, e)
		}
	}
}

// resolveGradientDestination fills in a downstream gradient's destination
// by asking the Propagator to resolve TargetSignalID's producer via the
// Correlation Record, when the Capability didn't name one explicitly. A
// GradientLost event is already emitted by the resolver on failure; the gradient is simply dropped here (never silently — the
// event trail is the record).
func (h *Host) resolveGradientDestination(ctx context.Context, out fabric.CapabilityOutput) (fabric.UnitID, bool) {
	if h.gradients == nil || out.TargetSignalID == "" {
		h.reactToRoutingError(ctx, fabric.Rejected(fabric.ReasonUnknownDestination, "gradient output missing destination and target_signal_id"))
		return "", false
	}
	target, err := h.gradients.ResolveGradientTarget(out.TargetSignalID)
	if err != nil {
		return "", false
	}
	return target, true
}

// reactToRoutingError reports a post-admission delivery failure for one of
// this unit's own outputs: a RoutingError event on the bus (distinct from
// the Router's synchronous MessageRejected admission events), then the
// capability's OnRoutingError hook, synchronously in this task.
func (h *Host) reactToRoutingError(ctx context.Context, routeErr error) {
	h.bus.Emit(observer.KindRoutingError, map[string]any{
		"unit_id": string(h.unit.ID),
		"error":   routeErr.Error(),
	})
	state, err := h.guardedRoutingError(ctx, routeErr)
	if err != nil {
		h.fail(err)
		return
	}
	h.setState(state)
}

func (h *Host) fail(err error) {
	h.unit.SetHealth(fabric.HealthFailed)
	h.bus.Emit(observer.KindUnitFailed, map[string]any{
		"unit_id": string(h.unit.ID),
		"error":   err.Error(),
	})
}

// watermarkCheck signals the Router when the mailbox crosses the unit's
// configured high/low watermark, so upstream admission can throttle or
// resume.
func (h *Host) watermarkCheck() {
	depth := h.mailbox.Len()
	if depth >= h.unit.Watermarks.High {
		h.throttle.SetInboundThrottle(h.unit.ID, true)
	} else if depth <= h.unit.Watermarks.Low {
		h.throttle.SetInboundThrottle(h.unit.ID, false)
	}
}
