package orchestrator

import (
	"context"
	"time"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
	"github.com/linkerd/neurofabric/pkg/unit"
)

// PolicyKind names how the Orchestrator reacts to a UnitFailed event.
type PolicyKind int8

const (
	// PolicyDiscard does nothing further: the failed unit stays quarantined
	// in the topology with Failed health.
	PolicyDiscard PolicyKind = iota
	// PolicyRestart respawns the same capability up to MaxAttempts times,
	// with exponential backoff between attempts.
	PolicyRestart
	// PolicyReplace respawns with a different capability factory in place
	// of the failed one (e.g. a degraded-mode fallback).
	PolicyReplace
)

// RestartSpec configures PolicyRestart/PolicyReplace behavior. Factory
// builds the Capability for the respawned unit: for PolicyRestart it
// reconstructs an equivalent instance of the original capability; for
// PolicyReplace it builds a different one (e.g. a degraded-mode
// fallback). PolicyDiscard ignores Factory entirely.
type RestartSpec struct {
	Kind        PolicyKind
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Factory     func() unit.Capability
}

// FailurePolicy subscribes to the Observer bus and reacts to UnitFailed
// events according to a per-unit RestartSpec, using the same
// retry-with-backoff idiom as a connection health check.
type FailurePolicy struct {
	o     *Orchestrator
	bus   *observer.Bus
	specs map[fabric.UnitID]failureState
}

type failureState struct {
	spec     RestartSpec
	layer    fabric.Layer
	wm       unit.Watermarks
	budget   unit.Budget
	attempts int
}

func newFailurePolicy(o *Orchestrator, bus *observer.Bus) *FailurePolicy {
	fp := &FailurePolicy{o: o, bus: bus, specs: make(map[fabric.UnitID]failureState)}
	bus.Subscribe(observer.SinkFunc(fp.handle))
	return fp
}

// Register associates a RestartSpec with a unit so that a future
// UnitFailed event for it triggers the configured policy. Units spawned
// without a Register call default to PolicyDiscard.
func (fp *FailurePolicy) Register(id fabric.UnitID, layer fabric.Layer, wm unit.Watermarks, budget unit.Budget, spec RestartSpec) {
	fp.o.mu.Lock()
	defer fp.o.mu.Unlock()
	fp.specs[id] = failureState{spec: spec, layer: layer, wm: wm, budget: budget}
}

func (fp *FailurePolicy) handle(e observer.Event) {
	if e.Kind != observer.KindUnitFailed {
		return
	}
	raw, ok := e.Fields["unit_id"]
	if !ok {
		return
	}
	id := fabric.UnitID(raw.(string))

	fp.o.mu.Lock()
	st, ok := fp.specs[id]
	if ok {
		delete(fp.specs, id)
	}
	fp.o.mu.Unlock()
	if !ok || st.spec.Kind == PolicyDiscard || st.spec.Factory == nil {
		return
	}
	if st.attempts >= st.spec.MaxAttempts {
		// Persistent failure: restart attempts exhausted, promote to
		// Discard and make that observable.
		fp.bus.Emit(observer.KindUnitTerminated, map[string]any{
			"unit_id":          string(id),
			"policy_exhausted": true,
			"attempts":         st.attempts,
		})
		return
	}

	go fp.restart(st, st.spec.Factory())
}

// restart is a dispatch-class bookkeeping task, bounded by the Scheduler's
// dispatch semaphore independent of the (much larger) per-unit task
// population, so a burst of simultaneous failures cannot spawn an
// unbounded number of concurrent restart attempts.
func (fp *FailurePolicy) restart(st failureState, capability unit.Capability) {
	if err := fp.o.scheduler.AcquireDispatch(context.Background()); err != nil {
		return
	}
	defer fp.o.scheduler.ReleaseDispatch()

	delay := st.spec.BackoffBase
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	for i := 0; i < st.attempts; i++ {
		delay *= 2
		if st.spec.BackoffMax > 0 && delay > st.spec.BackoffMax {
			delay = st.spec.BackoffMax
			break
		}
	}
	time.Sleep(delay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	newID, err := fp.o.SpawnUnit(ctx, st.layer, capability, st.wm, st.budget)
	if err != nil {
		return
	}
	st.attempts++
	fp.Register(newID, st.layer, st.wm, st.budget, st.spec)
}
