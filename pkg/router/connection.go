package router

import (
	"sync/atomic"
	"time"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// ConnState is a Connection's admission state machine: Open -> Throttled ->
// Open (soft, on sustained backpressure / cooldown), Open -> Closed (on
// either endpoint terminating).
type ConnState int32

const (
	ConnOpen ConnState = iota
	ConnThrottled
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnThrottled:
		return "throttled"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// throttledAfter is the number of consecutive BackpressureTimeouts that
// enters Throttled.
const throttledAfter = 3

// Connection is a directed edge (src -> dst) with capacity (max in-flight
// messages, realized as the mailbox channel's buffer), a routing-preference
// weight, and a soft admission state machine.
type Connection struct {
	Src, Dst fabric.UnitID
	Capacity int
	Weight   float64

	state               atomic.Int32
	consecutiveTimeouts atomic.Int32
	cooldownUntil       atomic.Int64 // unix nanos
}

// NewConnection builds an Open connection.
func NewConnection(src, dst fabric.UnitID, capacity int, weight float64) *Connection {
	c := &Connection{Src: src, Dst: dst, Capacity: capacity, Weight: weight}
	c.state.Store(int32(ConnOpen))
	return c
}

// State returns the connection's current admission state, auto-recovering
// from Throttled once the cooldown has elapsed.
func (c *Connection) State() ConnState {
	if ConnState(c.state.Load()) == ConnThrottled {
		if time.Now().UnixNano() >= c.cooldownUntil.Load() {
			c.state.CompareAndSwap(int32(ConnThrottled), int32(ConnOpen))
			c.consecutiveTimeouts.Store(0)
		}
	}
	return ConnState(c.state.Load())
}

// RecordSuccess resets the consecutive-timeout counter and, if Throttled,
// recovers to Open immediately (destination health recovery).
func (c *Connection) RecordSuccess() {
	c.consecutiveTimeouts.Store(0)
	c.state.CompareAndSwap(int32(ConnThrottled), int32(ConnOpen))
}

// RecordBackpressureTimeout increments the consecutive-timeout counter and
// enters Throttled with the given cooldown once the threshold is reached.
func (c *Connection) RecordBackpressureTimeout(cooldown time.Duration) {
	n := c.consecutiveTimeouts.Add(1)
	if n >= throttledAfter {
		c.cooldownUntil.Store(time.Now().Add(cooldown).UnixNano())
		c.state.CompareAndSwap(int32(ConnOpen), int32(ConnThrottled))
	}
}

// Close transitions the connection to Closed, permanently.
func (c *Connection) Close() {
	c.state.Store(int32(ConnClosed))
}

type linkKey struct {
	Src, Dst fabric.UnitID
}
