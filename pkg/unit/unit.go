package unit

import (
	"sync/atomic"
	"time"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// Watermarks bounds a unit's mailbox depth for inbound-throttle signaling:
// crossing HighWatermark tells the Router to stop admitting new Signals to
// this unit; dropping back below LowWatermark lifts the throttle.
type Watermarks struct {
	High int
	Low  int
}

// Budget bounds a single Process* invocation, plus how long a Drain control
// waits for already-queued work to flush before the Host drops the rest.
// The self-loop output rate is not part of it; the Router's rate limiters
// enforce that.
type Budget struct {
	PerMessage    time.Duration
	DrainDeadline time.Duration
}

// Unit is a single cognitive unit's static identity and runtime health, as
// tracked by the Host. The mailbox and task handle live on Host, not here,
// so Unit stays a plain value the Orchestrator can freely copy into
// Snapshots.
type Unit struct {
	ID         fabric.UnitID
	Layer      fabric.Layer
	Watermarks Watermarks
	Budget     Budget

	health atomic.Int32
}

// NewUnit builds a Unit in the Alive state.
func NewUnit(id fabric.UnitID, layer fabric.Layer, wm Watermarks, budget Budget) *Unit {
	u := &Unit{ID: id, Layer: layer, Watermarks: wm, Budget: budget}
	u.health.Store(int32(fabric.HealthAlive))
	return u
}

// Health returns the unit's current lifecycle state.
func (u *Unit) Health() fabric.Health {
	return fabric.Health(u.health.Load())
}

// SetHealth transitions the unit's lifecycle state. The Host writes it
// (Draining on a Drain control, Failed on failure); the Orchestrator also
// sets Draining when it terminates or reorganizes a unit away.
func (u *Unit) SetHealth(h fabric.Health) {
	u.health.Store(int32(h))
}
