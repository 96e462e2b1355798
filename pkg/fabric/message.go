package fabric

import "time"

// Kind discriminates the tagged Message union. Messages use a tagged
// variant rather than virtual dispatch to keep allocation and dispatch
// cost low on this hot path.
type Kind int8

const (
	SignalKind Kind = iota
	GradientKind
	ControlKind
)

func (k Kind) String() string {
	switch k {
	case SignalKind:
		return "signal"
	case GradientKind:
		return "gradient"
	case ControlKind:
		return "control"
	default:
		return "unknown"
	}
}

// ControlOp enumerates Control message operations.
type ControlOp int8

const (
	ControlDrain ControlOp = iota
	ControlShutdown
	ControlReconfigure
)

func (c ControlOp) String() string {
	switch c {
	case ControlDrain:
		return "drain"
	case ControlShutdown:
		return "shutdown"
	case ControlReconfigure:
		return "reconfigure"
	default:
		return "unknown"
	}
}

// MaxHops is the default bound on Message.HopCount.
const MaxHops = 64

// Message is the single wire type flowing through the fabric: a Signal,
// Gradient, or Control, discriminated by Kind. Unused fields for a given
// Kind are left zero.
type Message struct {
	Kind Kind
	ID   MessageID

	// Signal fields.
	Origin        UnitID
	Source        UnitID
	Destination   UnitID
	LayerFrom     Layer
	LayerTo       Layer
	Direction     Direction
	Payload       any
	CorrelationID CorrelationID
	Deadline      time.Time
	HopCount      int

	// Gradient fields. Source/Destination/Payload/HopCount are shared with
	// Signal above; TargetSignalID names the signal this gradient answers.
	TargetSignalID MessageID

	// Control fields.
	ControlOp ControlOp
	Target    UnitID
}

// Clone returns a shallow copy of m, suitable for mutating hop count or
// destination without aliasing the original.
func (m Message) Clone() Message {
	return m
}

// NextHop returns a copy of m with HopCount incremented, as the Host does
// for every derived output.
func (m Message) NextHop() Message {
	out := m.Clone()
	out.HopCount = m.HopCount + 1
	return out
}

// Expired reports whether m's deadline has already passed as of now.
func (m Message) Expired(now time.Time) bool {
	return !m.Deadline.IsZero() && now.After(m.Deadline)
}

// SelectorPolicy chooses among multiple candidate units satisfying a
// LayerSelector.
type SelectorPolicy int8

const (
	SelectorBroadcast SelectorPolicy = iota
	SelectorAnyOne
	SelectorWeighted
)

func (p SelectorPolicy) String() string {
	switch p {
	case SelectorBroadcast:
		return "broadcast"
	case SelectorAnyOne:
		return "any_one"
	case SelectorWeighted:
		return "weighted"
	default:
		return "unknown"
	}
}

// LayerSelector is a symbolic destination: "some unit(s) at this layer",
// resolved by the Router against the current topology snapshot at
// admission time. Capabilities never see the topology
// directly; they only ever construct this descriptor.
type LayerSelector struct {
	Layer  Layer
	Policy SelectorPolicy
}

// DestinationHint is how a capability names where an output should go:
// either an explicit UnitID (which must already be in the unit's
// connections and adjacency-valid) or a symbolic LayerSelector.
type DestinationHint struct {
	Explicit *UnitID
	Selector *LayerSelector
}

// ExplicitHint builds a DestinationHint naming a concrete unit.
func ExplicitHint(id UnitID) DestinationHint {
	return DestinationHint{Explicit: &id}
}

// SelectorHint builds a DestinationHint naming a symbolic layer selector.
func SelectorHint(layer Layer, policy SelectorPolicy) DestinationHint {
	sel := LayerSelector{Layer: layer, Policy: policy}
	return DestinationHint{Selector: &sel}
}

// CapabilityOutput is what a Capability emits from ProcessSignal,
// ProcessGradient, or OnDrain: a destination description plus a payload.
// The Host fills in Source, LayerFrom, HopCount, CorrelationID, etc.
type CapabilityOutput struct {
	Kind           Kind
	Destination    DestinationHint
	Payload        any
	Direction      Direction
	TargetSignalID MessageID
}
