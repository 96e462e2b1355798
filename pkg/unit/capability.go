// Package unit implements the Cognitive Unit Host: the per-unit task loop
// that dispatches Control/Signal/Gradient messages into arbitrary user
// Capability code under isolation, with panic and budget containment.
package unit

import (
	"context"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// State is the opaque per-unit state a Capability may persist across
// calls. The Host never inspects it; it exists purely so capabilities can
// carry state between invocations without package-level globals.
type State any

// Capability is the arbitrary, user-supplied behavior hosted by a Unit.
// All five methods run inside the Host's failure boundary: a panic or a
// budget overrun inside any of them is contained and surfaced as a Host-
// level failure, never propagated to other units.
type Capability interface {
	// OnSpawn is called once, synchronously, before the unit begins
	// receiving messages. It returns the initial State.
	OnSpawn(ctx context.Context) (State, error)

	// ProcessSignal handles an inbound Signal message, returning zero or
	// more outputs to be routed onward and the (possibly updated) State.
	ProcessSignal(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error)

	// ProcessGradient handles an inbound Gradient message answering a
	// previously emitted Signal.
	ProcessGradient(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error)

	// OnRoutingError is called synchronously, in the unit's own task, when
	// a Route call for one of this unit's own outputs was rejected. It
	// gives the capability a chance to react (e.g. retry with a different
	// destination hint) without the Host retrying on its behalf.
	OnRoutingError(ctx context.Context, state State, rejected error) (State, error)

	// OnDrain is called when the unit is asked to drain: it should stop
	// accepting new self-initiated work and flush any pending output, then
	// return promptly.
	OnDrain(ctx context.Context, state State) (State, []fabric.CapabilityOutput, error)
}
