// Package observer implements the fabric's Observer interface: an event stream consumed by external metrics/logging collaborators.
// The core never depends on a specific sink; it only emits onto a Bus.
package observer

import "time"

// Kind enumerates every observable event the fabric emits.
type Kind string

const (
	KindMessageAdmitted   Kind = "message_admitted"
	KindMessageRejected   Kind = "message_rejected"
	KindUnitSpawned       Kind = "unit_spawned"
	KindUnitFailed        Kind = "unit_failed"
	KindUnitTerminated    Kind = "unit_terminated"
	KindSnapshotPublished Kind = "snapshot_published"
	KindGradientLost      Kind = "gradient_lost"
	KindGradientOrphaned  Kind = "gradient_orphaned"
	KindDrained           Kind = "drained"
	KindRoutingError      Kind = "routing_error"
)

// Event carries enough structured data to reconstruct flow without
// depending on any single sink's schema.
type Event struct {
	Kind   Kind
	At     time.Time
	Fields map[string]any
}

// Field constructs a single-entry Fields map, a small convenience for call
// sites that only need one field.
func Field(k string, v any) map[string]any {
	return map[string]any{k: v}
}
