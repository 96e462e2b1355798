package orchestrator

import (
	"fmt"
	"sort"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// UnitInfo is the admin-facing view of one live unit: identity, layer,
// health, and its directed connections in both directions.
type UnitInfo struct {
	ID       fabric.UnitID
	Layer    fabric.Layer
	Health   fabric.Health
	Outbound []fabric.UnitID
	Inbound  []fabric.UnitID
}

// QueryUnit returns the current view of a single unit. Connection slices
// are sorted so repeated queries of an unchanged unit compare equal.
func (o *Orchestrator) QueryUnit(id fabric.UnitID) (UnitInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.units[id]
	if !ok {
		return UnitInfo{}, fmt.Errorf("%w: unknown unit %s", fabric.ErrInvalidTopologyPlan, id)
	}

	info := UnitInfo{
		ID:       id,
		Layer:    rec.u.Layer,
		Health:   rec.u.Health(),
		Outbound: make([]fabric.UnitID, 0, len(rec.out)),
		Inbound:  make([]fabric.UnitID, 0, len(rec.in)),
	}
	for dst := range rec.out {
		info.Outbound = append(info.Outbound, dst)
	}
	for src := range rec.in {
		info.Inbound = append(info.Inbound, src)
	}
	sort.Slice(info.Outbound, func(i, j int) bool { return info.Outbound[i] < info.Outbound[j] })
	sort.Slice(info.Inbound, func(i, j int) bool { return info.Inbound[i] < info.Inbound[j] })
	return info, nil
}

// QueryTopology returns the currently published Snapshot, the immutable
// whole-topology counterpart to QueryUnit.
func (o *Orchestrator) QueryTopology() *Snapshot {
	return o.CurrentSnapshot()
}
