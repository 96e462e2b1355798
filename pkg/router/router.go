// Package router implements the Router component: address resolution, ±1
// admission, per-link backpressure, and retries.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
	"github.com/linkerd/neurofabric/pkg/substrate"
)

// Outcome is the terminal result of Route: either Accepted (admitted and
// delivered into the destination mailbox) or Rejected (with a Reason).
type Outcome int8

const (
	Accepted Outcome = iota
	Rejected
)

// Config tunes admission, retry, and rate-limiting behavior.
type Config struct {
	MaxHops          int
	GradientTTL      time.Duration
	CorrelationMax   int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryCap         int
	ThrottleCooldown time.Duration
	LayerRates       map[fabric.Layer]RateConfig
	SelfLoopDivisor  int
}

// DefaultConfig returns the runtime's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:          fabric.MaxHops,
		GradientTTL:      5 * time.Minute,
		CorrelationMax:   100_000,
		RetryBase:        10 * time.Millisecond,
		RetryMax:         1 * time.Second,
		RetryCap:         3,
		ThrottleCooldown: 2 * time.Second,
		LayerRates:       map[fabric.Layer]RateConfig{},
		SelfLoopDivisor:  10,
	}
}

// Router routes Signal and Gradient messages from a source unit to a
// destination unit, enforcing its admission checks in order, fail-fast.
type Router struct {
	cfg       Config
	scheduler *substrate.Scheduler
	bus       *observer.Bus

	topology atomic.Pointer[topologyBox]

	mu        sync.RWMutex
	mailboxes map[fabric.UnitID]*substrate.Channel[fabric.Message]
	links     map[linkKey]*Connection
	throttled map[fabric.UnitID]bool // inbound-throttled via Host watermark signal

	rates        *rateLimiters
	correlations *correlationIndex
}

// New builds a Router with no topology installed; until SetTopology is
// called, admission rejects every message as UnknownDestination.
func New(cfg Config, scheduler *substrate.Scheduler, bus *observer.Bus) *Router {
	r := &Router{
		cfg:       cfg,
		scheduler: scheduler,
		bus:       bus,
		mailboxes: make(map[fabric.UnitID]*substrate.Channel[fabric.Message]),
		links:     make(map[linkKey]*Connection),
		throttled: make(map[fabric.UnitID]bool),
		rates:     newRateLimiters(cfg.LayerRates, cfg.SelfLoopDivisor),
	}
	r.correlations = newCorrelationIndex(cfg.GradientTTL, cfg.CorrelationMax, r.onCorrelationEvict)
	return r
}

func (r *Router) onCorrelationEvict(entry correlationEntry, expired bool) {
	r.bus.Emit(observer.KindGradientLost, map[string]any{
		"signal_id": string(entry.SignalID),
		"producer":  string(entry.Producer),
		"consumer":  string(entry.Consumer),
		"expired":   expired,
	})
}

// SetTopology installs the current TopologyView, called by the
// Orchestrator every time it publishes a new snapshot.
func (r *Router) SetTopology(view TopologyView) {
	r.topology.Store(&topologyBox{view: view})
}

func (r *Router) view() TopologyView {
	box := r.topology.Load()
	if box == nil {
		return nil
	}
	return box.view
}

// ReconfigureRates swaps in new per-layer token-bucket parameters, taking
// effect immediately for future admission checks. It is not tied to
// snapshot publication: nothing in the fabric calls it on its own.
func (r *Router) ReconfigureRates(cfg map[fabric.Layer]RateConfig) {
	r.rates.Reconfigure(cfg)
}

// Subscribe is called by the Orchestrator when a unit spawns: it creates
// and returns the unit's inbound mailbox channel.
func (r *Router) Subscribe(id fabric.UnitID, capacity int) *substrate.Channel[fabric.Message] {
	ch := substrate.NewChannel[fabric.Message](capacity)
	r.mu.Lock()
	r.mailboxes[id] = ch
	r.mu.Unlock()
	return ch
}

// Unsubscribe is called on unit termination: it removes and closes the
// mailbox, closes every connection touching the unit, drops its self-loop
// limiter, and emits GradientOrphaned for each correlation it invalidates.
// It does not process messages still queued in the mailbox.
func (r *Router) Unsubscribe(id fabric.UnitID) {
	r.mu.Lock()
	ch, ok := r.mailboxes[id]
	delete(r.mailboxes, id)
	delete(r.throttled, id)
	for key, conn := range r.links {
		if key.Src == id || key.Dst == id {
			conn.Close()
		}
	}
	r.mu.Unlock()
	if ok {
		ch.Close()
	}
	r.rates.RemoveUnit(id)
	for _, entry := range r.correlations.Invalidate(id) {
		r.bus.Emit(observer.KindGradientOrphaned, map[string]any{
			"signal_id": string(entry.SignalID),
			"producer":  string(entry.Producer),
			"consumer":  string(entry.Consumer),
		})
	}
}

// SetInboundThrottle is called by the Host when a unit's mailbox crosses
// its high/low watermark.
func (r *Router) SetInboundThrottle(id fabric.UnitID, throttled bool) {
	r.mu.Lock()
	r.throttled[id] = throttled
	r.mu.Unlock()
}

// AddConnection registers a directed edge in the Router's link table. The
// Orchestrator calls this after validating adjacency; the Router itself
// also re-validates as defense in depth — a connection that violates
// adjacency must never be stored, regardless of caller.
func (r *Router) AddConnection(src, dst fabric.UnitID, srcLayer, dstLayer fabric.Layer, capacity int, weight float64) error {
	if !fabric.Adjacent(srcLayer, dstLayer) {
		return fabric.Rejected(fabric.ReasonAdjacencyViolation, "connection endpoints not adjacent")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[linkKey{Src: src, Dst: dst}] = NewConnection(src, dst, capacity, weight)
	return nil
}

// RemoveConnection closes and removes a directed edge.
func (r *Router) RemoveConnection(src, dst fabric.UnitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := linkKey{Src: src, Dst: dst}
	if c, ok := r.links[key]; ok {
		c.Close()
		delete(r.links, key)
	}
}

func (r *Router) connection(src, dst fabric.UnitID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.links[linkKey{Src: src, Dst: dst}]
	return c, ok
}

// SendControl delivers a Control message directly into id's mailbox,
// bypassing the Signal/Gradient admission pipeline. Control messages come
// from the Orchestrator's administrative interface, not from a peer unit,
// and commonly target a unit the Orchestrator has just marked Draining —
// a destination the ordinary admission checks would themselves reject.
func (r *Router) SendControl(ctx context.Context, id fabric.UnitID, msg fabric.Message) error {
	r.mu.RLock()
	mailbox, ok := r.mailboxes[id]
	r.mu.RUnlock()
	if !ok {
		return fabric.Rejected(fabric.ReasonUnknownDestination, "no mailbox for destination")
	}
	outcome, err := mailbox.Send(ctx, msg, time.Time{})
	if outcome != substrate.Ok {
		return err
	}
	return nil
}

// Route performs the six ordered admission checks and, on success,
// delivers msg into the destination mailbox with bounded retry on
// backpressure. msg must already have a concrete Destination/LayerTo;
// symbolic destinations are resolved first via Dispatch.
func (r *Router) Route(ctx context.Context, msg fabric.Message) (Outcome, error) {
	if err := r.admit(msg); err != nil {
		r.bus.Emit(observer.KindMessageRejected, rejectFields(msg, err))
		return Rejected, err
	}

	outcome, err := r.deliver(ctx, msg)
	if err != nil {
		r.bus.Emit(observer.KindMessageRejected, rejectFields(msg, err))
		return Rejected, err
	}
	r.bus.Emit(observer.KindMessageAdmitted, map[string]any{
		"message_id":  string(msg.ID),
		"source":      string(msg.Source),
		"destination": string(msg.Destination),
		"kind":        msg.Kind.String(),
	})
	if msg.Kind == fabric.SignalKind {
		r.correlations.Record(msg.ID, msg.Source, msg.Destination, time.Now())
	}
	return outcome, nil
}

func rejectFields(msg fabric.Message, err error) map[string]any {
	fields := map[string]any{
		"message_id":  string(msg.ID),
		"source":      string(msg.Source),
		"destination": string(msg.Destination),
		"kind":        msg.Kind.String(),
	}
	if re, ok := err.(*fabric.RejectedError); ok {
		fields["reason"] = string(re.Reason)
	}
	return fields
}

// admit runs the six fail-fast admission checks, in order.
func (r *Router) admit(msg fabric.Message) error {
	// 1. hop_count <= MaxHops.
	maxHops := r.cfg.MaxHops
	if maxHops <= 0 {
		maxHops = fabric.MaxHops
	}
	if msg.HopCount > maxHops {
		r.synthesizeGradientLoss(msg)
		return fabric.Rejected(fabric.ReasonHopExceeded, "hop_count exceeds MaxHops")
	}

	// 2. Adjacency + direction.
	if msg.Kind != fabric.ControlKind {
		if !fabric.Adjacent(msg.LayerFrom, msg.LayerTo) {
			return fabric.Rejected(fabric.ReasonAdjacencyViolation, "layers not adjacent")
		}
		if msg.Kind == fabric.SignalKind && !fabric.ConsistentWithDirection(msg.Direction, msg.LayerFrom, msg.LayerTo) {
			return fabric.Rejected(fabric.ReasonAdjacencyViolation, "layer transition inconsistent with declared direction")
		}
	}

	view := r.view()
	if view == nil {
		return fabric.Rejected(fabric.ReasonUnknownDestination, "no topology snapshot installed")
	}

	// 3. Destination exists and is not Draining/Failed.
	health, ok := view.UnitHealth(msg.Destination)
	if !ok {
		return fabric.Rejected(fabric.ReasonUnknownDestination, "destination not known to current snapshot")
	}
	if health != fabric.HealthAlive {
		return fabric.Rejected(fabric.ReasonDestinationDraining, "destination is "+health.String())
	}

	// 4. Connection exists in current snapshot.
	if !view.ConnectionExists(msg.Source, msg.Destination) {
		return fabric.Rejected(fabric.ReasonUnknownDestination, "no connection from source to destination")
	}

	// 5. Per-source/destination rate budgets.
	r.mu.RLock()
	srcThrottled := r.throttled[msg.Source]
	dstThrottled := r.throttled[msg.Destination]
	r.mu.RUnlock()
	if srcThrottled || dstThrottled {
		return fabric.Rejected(fabric.ReasonRateLimited, "endpoint inbound-throttled")
	}
	if conn, ok := r.connection(msg.Source, msg.Destination); ok {
		if conn.State() == ConnClosed {
			return fabric.Rejected(fabric.ReasonDestinationDraining, "connection closed")
		}
	}
	if msg.Source == msg.Destination {
		if !r.rates.AllowSelfLoop(msg.Source, msg.LayerFrom) {
			return fabric.Rejected(fabric.ReasonRateLimited, "self-loop budget exhausted")
		}
	} else if !r.rates.AllowLayer(msg.LayerTo) {
		return fabric.Rejected(fabric.ReasonRateLimited, "layer token bucket exhausted")
	}

	// 6. Deadline not already expired.
	if msg.Expired(time.Now()) {
		return fabric.Rejected(fabric.ReasonDeadlineExceeded, "deadline already passed")
	}

	return nil
}

// deliver enqueues msg into the destination mailbox, retrying on
// backpressure with bounded exponential backoff (base 10ms, max 1s, cap 3
// attempts).
func (r *Router) deliver(ctx context.Context, msg fabric.Message) (Outcome, error) {
	r.mu.RLock()
	mailbox, ok := r.mailboxes[msg.Destination]
	r.mu.RUnlock()
	if !ok {
		return Rejected, fabric.Rejected(fabric.ReasonUnknownDestination, "no mailbox for destination")
	}

	conn, hasConn := r.connection(msg.Source, msg.Destination)

	retryCap := r.cfg.RetryCap
	if retryCap <= 0 {
		retryCap = 3
	}
	for attempt := 1; attempt <= retryCap; attempt++ {
		// Each attempt waits at most one backoff window for mailbox room, so
		// a message without its own deadline still gets its bounded retries.
		attemptDeadline := time.Now().Add(backoffDelay(attempt, r.cfg.RetryBase, r.cfg.RetryMax))
		if !msg.Deadline.IsZero() && msg.Deadline.Before(attemptDeadline) {
			attemptDeadline = msg.Deadline
		}
		outcome, _ := mailbox.Send(ctx, msg, attemptDeadline)
		switch outcome {
		case substrate.Ok:
			if hasConn {
				conn.RecordSuccess()
			}
			return Accepted, nil
		case substrate.ChannelClosed:
			return Rejected, fabric.Rejected(fabric.ReasonDestinationFailed, "destination mailbox closed mid-flight")
		default: // BackpressureTimedOut
			if hasConn {
				conn.RecordBackpressureTimeout(r.cfg.ThrottleCooldown)
			}
			if attempt == retryCap {
				return Rejected, fabric.Rejected(fabric.ReasonBackpressureTimeout, "retries exhausted")
			}
			delay := backoffDelay(attempt, r.cfg.RetryBase, r.cfg.RetryMax)
			if err := r.scheduler.Sleep(ctx, delay); err != nil {
				return Rejected, fabric.Rejected(fabric.ReasonBackpressureTimeout, "cancelled during retry backoff")
			}
		}
	}
	return Rejected, fabric.Rejected(fabric.ReasonBackpressureTimeout, "retries exhausted")
}

// synthesizeGradientLoss best-effort notifies msg's origin that a message
// was dropped for exceeding MaxHops. This is the only silent-drop
// exception the design permits, and even it is observable via this
// synthesized notification plus the MessageRejected (hop_exceeded) event
// that Route emits.
func (r *Router) synthesizeGradientLoss(msg fabric.Message) {
	r.mu.RLock()
	mailbox, ok := r.mailboxes[msg.Origin]
	r.mu.RUnlock()
	if !ok || msg.Origin == "" {
		return
	}
	notice := fabric.Message{
		Kind:           fabric.GradientKind,
		ID:             fabric.NewMessageID(),
		Source:         msg.Destination,
		Destination:    msg.Origin,
		TargetSignalID: msg.ID,
		Payload:        nil,
		CorrelationID:  msg.CorrelationID,
		HopCount:       0,
	}
	_, _ = mailbox.TrySend(notice)
}

// Dispatch resolves a capability output's DestinationHint against the
// current snapshot (explicit UnitID pass-through, or LayerSelector
// resolution per the Broadcast/AnyOne/Weighted policy) and calls Route for
// each resolved concrete message. This is the Router's only point of
// read-access to the topology on behalf of capability output — capability
// code itself never sees the topology.
func (r *Router) Dispatch(ctx context.Context, template fabric.Message, hint fabric.DestinationHint) ([]Outcome, []error) {
	view := r.view()
	if view == nil {
		return []Outcome{Rejected}, []error{fabric.Rejected(fabric.ReasonUnknownDestination, "no topology snapshot installed")}
	}

	var targets []fabric.UnitID
	if hint.Explicit != nil {
		targets = []fabric.UnitID{*hint.Explicit}
	} else if hint.Selector != nil {
		candidates, err := view.ResolveSelector(template.Source, *hint.Selector)
		if err != nil {
			return []Outcome{Rejected}, []error{err}
		}
		if len(candidates) == 0 {
			return []Outcome{Rejected}, []error{fabric.Rejected(fabric.ReasonUnknownDestination, "selector resolved to no candidates")}
		}
		switch hint.Selector.Policy {
		case fabric.SelectorBroadcast:
			targets = candidates
		case fabric.SelectorAnyOne:
			targets = []fabric.UnitID{candidates[0]}
		case fabric.SelectorWeighted:
			targets = []fabric.UnitID{r.pickWeighted(template.Source, candidates)}
		default:
			targets = candidates
		}
	} else {
		return []Outcome{Rejected}, []error{fabric.Rejected(fabric.ReasonUnknownDestination, "empty destination hint")}
	}

	outcomes := make([]Outcome, 0, len(targets))
	errs := make([]error, 0, len(targets))
	for _, dst := range targets {
		msg := template
		msg.Destination = dst
		layer, ok := view.UnitLayer(dst)
		if !ok {
			err := fabric.Rejected(fabric.ReasonUnknownDestination, "destination not known to current snapshot")
			r.bus.Emit(observer.KindMessageRejected, rejectFields(msg, err))
			outcomes = append(outcomes, Rejected)
			errs = append(errs, err)
			continue
		}
		msg.LayerTo = layer
		outcome, err := r.Route(ctx, msg)
		outcomes = append(outcomes, outcome)
		errs = append(errs, err)
	}
	return outcomes, errs
}

func (r *Router) pickWeighted(src fabric.UnitID, candidates []fabric.UnitID) fabric.UnitID {
	best := candidates[0]
	bestWeight := -1.0
	for _, c := range candidates {
		if conn, ok := r.connection(src, c); ok && conn.Weight > bestWeight {
			bestWeight = conn.Weight
			best = c
		}
	}
	return best
}

// LookupProducer implements propagator.CorrelationSource: it resolves the
// producer unit that originally sent the signal named by signalID, for
// backward gradient decomposition.
func (r *Router) LookupProducer(signalID fabric.MessageID) (fabric.UnitID, bool) {
	return r.correlations.LookupProducer(signalID)
}

// RunMaintenance periodically sweeps TTL-expired correlation entries;
// cmd/neurofabricd spawns this as a bookkeeping task via the Scheduler.
func (r *Router) RunMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.correlations.sweepExpired()
		}
	}
}
