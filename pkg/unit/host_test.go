package unit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
	"github.com/linkerd/neurofabric/pkg/substrate"
)

// fakeOutbound records every Dispatch call a capability makes, in place of
// a real *router.Router, resolving explicit hints the way the Router would.
type fakeOutbound struct {
	mu       sync.Mutex
	routed   []fabric.Message
	nextErr  error
	throttle *fakeThrottle
}

func (f *fakeOutbound) Dispatch(ctx context.Context, template fabric.Message, hint fabric.DestinationHint) []error {
	msg := template
	if hint.Explicit != nil {
		msg.Destination = *hint.Explicit
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, msg)
	return []error{f.nextErr}
}

type fakeThrottle struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fakeThrottle) SetInboundThrottle(id fabric.UnitID, throttled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, throttled)
}

// echoCapability replies to every Signal with one Gradient output and
// never fails or panics.
type echoCapability struct {
	spawned int
}

func (e *echoCapability) OnSpawn(ctx context.Context) (State, error) {
	e.spawned++
	return 0, nil
}

func (e *echoCapability) ProcessSignal(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error) {
	out := fabric.CapabilityOutput{
		Kind:           fabric.GradientKind,
		Destination:    fabric.ExplicitHint(msg.Source),
		TargetSignalID: msg.ID,
	}
	return state, []fabric.CapabilityOutput{out}, nil
}

func (e *echoCapability) ProcessGradient(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error) {
	return state, nil, nil
}

func (e *echoCapability) OnRoutingError(ctx context.Context, state State, rejected error) (State, error) {
	return state, nil
}

func (e *echoCapability) OnDrain(ctx context.Context, state State) (State, []fabric.CapabilityOutput, error) {
	return state, nil, nil
}

type panicCapability struct{ echoCapability }

func (p *panicCapability) ProcessSignal(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error) {
	panic("boom")
}

func newTestHost(t *testing.T, cap Capability) (*Host, *fakeOutbound, *substrate.Channel[fabric.Message], *observer.Bus) {
	t.Helper()
	u := NewUnit(fabric.NewUnitID(), fabric.L2, Watermarks{High: 8, Low: 2}, Budget{PerMessage: 100 * time.Millisecond})
	mailbox := substrate.NewChannel[fabric.Message](8)
	outbound := &fakeOutbound{throttle: &fakeThrottle{}}
	bus := observer.NewBus()
	sched := substrate.NewScheduler(10*time.Millisecond, 2)
	h := NewHost(u, cap, mailbox, outbound, outbound.throttle, nil, nil, bus, sched)
	return h, outbound, mailbox, bus
}

func TestHostProcessesSignalAndRoutesOutput(t *testing.T) {
	h, outbound, mailbox, _ := newTestHost(t, &echoCapability{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	src := fabric.NewUnitID()
	mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Source: src, Destination: h.unit.ID}, time.Time{})

	require.Eventually(t, func() bool {
		outbound.mu.Lock()
		defer outbound.mu.Unlock()
		return len(outbound.routed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, fabric.HealthAlive, h.unit.Health())
}

func TestHostCapabilityPanicMarksFailed(t *testing.T) {
	h, _, mailbox, bus := newTestHost(t, &panicCapability{})
	var failedEvents int
	var mu sync.Mutex
	bus.Subscribe(observer.SinkFunc(func(e observer.Event) {
		if e.Kind == observer.KindUnitFailed {
			mu.Lock()
			failedEvents++
			mu.Unlock()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Destination: h.unit.ID}, time.Time{})

	require.Eventually(t, func() bool {
		return h.unit.Health() == fabric.HealthFailed
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, failedEvents)
	mu.Unlock()
}

func TestHostShutdownControlExitsLoop(t *testing.T) {
	h, _, mailbox, _ := newTestHost(t, &echoCapability{})
	ctx := context.Background()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	mailbox.Send(ctx, fabric.Message{Kind: fabric.ControlKind, ControlOp: fabric.ControlShutdown, Target: h.unit.ID}, time.Time{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("host did not exit on shutdown control")
	}
}

func TestHostRoutingErrorInvokesCapabilityHook(t *testing.T) {
	h, outbound, mailbox, bus := newTestHost(t, &echoCapability{})
	outbound.nextErr = errors.New("rejected")

	var routingErrEvents int
	var mu sync.Mutex
	bus.Subscribe(observer.SinkFunc(func(e observer.Event) {
		if e.Kind == observer.KindRoutingError {
			mu.Lock()
			routingErrEvents++
			mu.Unlock()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Source: fabric.NewUnitID(), Destination: h.unit.ID}, time.Time{})

	require.Eventually(t, func() bool {
		outbound.mu.Lock()
		defer outbound.mu.Unlock()
		return len(outbound.routed) == 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, fabric.HealthAlive, h.unit.Health())
	mu.Lock()
	assert.Equal(t, 1, routingErrEvents)
	mu.Unlock()
}

// bareGradientCapability emits a downstream gradient naming only a
// TargetSignalID, leaving the Host to resolve the destination via the
// GradientResolver fallback.
type bareGradientCapability struct{ echoCapability }

func (b *bareGradientCapability) ProcessGradient(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error) {
	out := fabric.CapabilityOutput{Kind: fabric.GradientKind, TargetSignalID: msg.TargetSignalID}
	return state, []fabric.CapabilityOutput{out}, nil
}

type fakeResolver struct {
	target fabric.UnitID
	err    error
}

func (f *fakeResolver) ResolveGradientTarget(fabric.MessageID) (fabric.UnitID, error) {
	return f.target, f.err
}

func TestHostResolvesGradientDestinationViaPropagator(t *testing.T) {
	u := NewUnit(fabric.NewUnitID(), fabric.L2, Watermarks{High: 8, Low: 2}, Budget{PerMessage: 100 * time.Millisecond})
	mailbox := substrate.NewChannel[fabric.Message](8)
	outbound := &fakeOutbound{throttle: &fakeThrottle{}}
	bus := observer.NewBus()
	sched := substrate.NewScheduler(10*time.Millisecond, 2)
	producer := fabric.NewUnitID()
	h := NewHost(u, &bareGradientCapability{}, mailbox, outbound, outbound.throttle, &fakeResolver{target: producer}, nil, bus, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	signalID := fabric.NewMessageID()
	mailbox.Send(ctx, fabric.Message{Kind: fabric.GradientKind, ID: fabric.NewMessageID(), TargetSignalID: signalID, Destination: h.unit.ID}, time.Time{})

	require.Eventually(t, func() bool {
		outbound.mu.Lock()
		defer outbound.mu.Unlock()
		return len(outbound.routed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	outbound.mu.Lock()
	defer outbound.mu.Unlock()
	assert.Equal(t, producer, outbound.routed[0].Destination)
}

func TestHostPropagatesCorrelationIDAndHopCount(t *testing.T) {
	h, outbound, mailbox, _ := newTestHost(t, &echoCapability{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	mailbox.Send(ctx, fabric.Message{
		Kind:          fabric.SignalKind,
		ID:            fabric.NewMessageID(),
		Source:        fabric.NewUnitID(),
		Destination:   h.unit.ID,
		CorrelationID: "corr-1",
		HopCount:      3,
	}, time.Time{})

	require.Eventually(t, func() bool {
		outbound.mu.Lock()
		defer outbound.mu.Unlock()
		return len(outbound.routed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	outbound.mu.Lock()
	defer outbound.mu.Unlock()
	assert.Equal(t, fabric.CorrelationID("corr-1"), outbound.routed[0].CorrelationID)
	assert.Equal(t, 4, outbound.routed[0].HopCount)
}

// marshalableState implements encoding.BinaryMarshaler so Host.setState can
// exercise the opt-in State Store checkpoint path.
type marshalableState struct{ value string }

func (m marshalableState) MarshalBinary() ([]byte, error) {
	return []byte(m.value), nil
}

type persistingCapability struct{ echoCapability }

func (p *persistingCapability) OnSpawn(ctx context.Context) (State, error) {
	return marshalableState{value: "spawned"}, nil
}

func (p *persistingCapability) ProcessSignal(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error) {
	return marshalableState{value: "signaled"}, nil, nil
}

type fakeStateStore struct {
	mu    sync.Mutex
	puts  []string
	blobs map[string][]byte
}

func (f *fakeStateStore) Put(namespace, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.puts = append(f.puts, namespace+"/"+key)
	f.blobs[namespace+"/"+key] = value
	return nil
}

func TestHostCheckpointsMarshalableStateToStore(t *testing.T) {
	u := NewUnit(fabric.NewUnitID(), fabric.L2, Watermarks{High: 8, Low: 2}, Budget{PerMessage: 100 * time.Millisecond})
	mailbox := substrate.NewChannel[fabric.Message](8)
	outbound := &fakeOutbound{throttle: &fakeThrottle{}}
	bus := observer.NewBus()
	sched := substrate.NewScheduler(10*time.Millisecond, 2)
	store := &fakeStateStore{}
	h := NewHost(u, &persistingCapability{}, mailbox, outbound, outbound.throttle, nil, store, bus, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Destination: h.unit.ID}, time.Time{})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.puts) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	key := UnitNamespace(h.unit.ID) + "/state"
	assert.Equal(t, []byte("signaled"), store.blobs[key])
}

// countingCapability counts ProcessSignal invocations.
type countingCapability struct {
	echoCapability
	mu        sync.Mutex
	processed int
}

func (c *countingCapability) ProcessSignal(ctx context.Context, state State, msg fabric.Message) (State, []fabric.CapabilityOutput, error) {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
	return state, nil, nil
}

func (c *countingCapability) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

func TestHostDrainFlushesQueuedWorkThenExits(t *testing.T) {
	cap := &countingCapability{}
	u := NewUnit(fabric.NewUnitID(), fabric.L2, Watermarks{High: 8, Low: 2}, Budget{DrainDeadline: 5 * time.Second})
	mailbox := substrate.NewChannel[fabric.Message](8)
	outbound := &fakeOutbound{throttle: &fakeThrottle{}}
	bus := observer.NewBus()
	var drainedEvents int
	var mu sync.Mutex
	bus.Subscribe(observer.SinkFunc(func(e observer.Event) {
		if e.Kind == observer.KindDrained {
			mu.Lock()
			drainedEvents++
			mu.Unlock()
		}
	}))
	sched := substrate.NewScheduler(10*time.Millisecond, 2)
	h := NewHost(u, cap, mailbox, outbound, outbound.throttle, nil, nil, bus, sched)

	ctx := context.Background()
	// Queue three signals ahead of the drain control before the loop starts.
	// The main loop handles them in FIFO order, so all three are processed
	// before the Drain arrives and the flush then finds an empty mailbox.
	for i := 0; i < 3; i++ {
		mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Destination: u.ID}, time.Time{})
	}
	mailbox.Send(ctx, fabric.Message{Kind: fabric.ControlKind, ControlOp: fabric.ControlDrain, Target: u.ID}, time.Time{})

	done := make(chan struct{})
	start := time.Now()
	go func() { h.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("host did not exit after drain")
	}

	assert.Less(t, time.Since(start), time.Second, "drain of an empty mailbox must not wait out the full deadline")
	assert.Equal(t, 3, cap.count())
	assert.Equal(t, 0, mailbox.Len())
	assert.Equal(t, fabric.HealthDraining, u.Health())
	mu.Lock()
	assert.Equal(t, 1, drainedEvents)
	mu.Unlock()
}

func TestHostStopsProcessingAfterFailure(t *testing.T) {
	h, _, mailbox, _ := newTestHost(t, &panicCapability{})
	ctx := context.Background()
	done := make(chan struct{})

	// First signal panics the capability; the second must never be
	// dispatched — a Failed unit's task loop exits.
	mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Destination: h.unit.ID}, time.Time{})
	mailbox.Send(ctx, fabric.Message{Kind: fabric.SignalKind, ID: fabric.NewMessageID(), Destination: h.unit.ID}, time.Time{})

	go func() { h.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("host did not exit after capability failure")
	}
	assert.Equal(t, fabric.HealthFailed, h.unit.Health())
	assert.Equal(t, 1, mailbox.Len(), "message after the poison one stays undispatched")
}
