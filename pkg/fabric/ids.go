package fabric

import "github.com/google/uuid"

// UnitID is an opaque, globally unique (within a process) cognitive unit
// identity. Stable for the unit's lifetime, never reused.
type UnitID string

// NewUnitID mints a fresh UnitID.
func NewUnitID() UnitID {
	return UnitID(uuid.NewString())
}

func (id UnitID) String() string { return string(id) }

// MessageID uniquely identifies a Message within the process lifetime.
type MessageID string

// NewMessageID mints a fresh MessageID.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

func (id MessageID) String() string { return string(id) }

// CorrelationID groups a chain of derived signals/gradients for tracing.
// Propagated verbatim by the Host from an inbound message to every derived
// output.
type CorrelationID string
