// Package orchestrator implements topology management: spawning and
// terminating units, connecting and disconnecting them, and atomically
// republishing the topology snapshot the Router reads.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/router"
)

// edge is a directed connection key, local to orchestrator (router's own
// linkKey is unexported and not worth exporting just for this).
type edge struct {
	Src, Dst fabric.UnitID
}

// snapshotUnit is the read-only view of a unit carried in a Snapshot.
type snapshotUnit struct {
	Layer  fabric.Layer
	Health fabric.Health
}

// Snapshot is the immutable, versioned topology view published to the
// Router on every structural change, implementing router.TopologyView.
type Snapshot struct {
	version     uint64
	units       map[fabric.UnitID]snapshotUnit
	connections map[edge]struct{}
	byLayer     map[fabric.Layer][]fabric.UnitID
}

var _ router.TopologyView = (*Snapshot)(nil)

func newSnapshot(version uint64, units map[fabric.UnitID]snapshotUnit, connections map[edge]struct{}) *Snapshot {
	byLayer := make(map[fabric.Layer][]fabric.UnitID)
	for id, u := range units {
		byLayer[u.Layer] = append(byLayer[u.Layer], id)
	}
	return &Snapshot{version: version, units: units, connections: connections, byLayer: byLayer}
}

// snapshotDTO is the wire/storage shape of a Snapshot, persisted to the
// State Store's "topology" namespace keyed by version on every publish.
// Kept distinct from Snapshot itself so the live type's fields (and its
// derived byLayer index) never need to be exported.
type snapshotDTO struct {
	Version     uint64
	Units       map[fabric.UnitID]snapshotUnit
	Connections []edge
}

// MarshalBinary implements encoding.BinaryMarshaler, serializing the
// Snapshot for State Store persistence.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	dto := snapshotDTO{Version: s.version, Units: s.units, Connections: make([]edge, 0, len(s.connections))}
	for e := range s.connections {
		dto.Connections = append(dto.Connections, e)
	}
	return json.Marshal(dto)
}

// Version implements router.TopologyView.
func (s *Snapshot) Version() uint64 { return s.version }

// UnitLayer implements router.TopologyView.
func (s *Snapshot) UnitLayer(id fabric.UnitID) (fabric.Layer, bool) {
	u, ok := s.units[id]
	return u.Layer, ok
}

// UnitHealth implements router.TopologyView.
func (s *Snapshot) UnitHealth(id fabric.UnitID) (fabric.Health, bool) {
	u, ok := s.units[id]
	return u.Health, ok
}

// ConnectionExists implements router.TopologyView.
func (s *Snapshot) ConnectionExists(src, dst fabric.UnitID) bool {
	_, ok := s.connections[edge{Src: src, Dst: dst}]
	return ok
}

// ResolveSelector implements router.TopologyView: it returns every unit at
// sel.Layer reachable from src (i.e. a connection src->candidate exists)
// that is currently Alive. Policy-specific narrowing (AnyOne/Weighted) is
// left to the Router: the Snapshot only builds candidate sets, the Router
// resolves them.
func (s *Snapshot) ResolveSelector(src fabric.UnitID, sel fabric.LayerSelector) ([]fabric.UnitID, error) {
	if !sel.Layer.Valid() {
		return nil, fmt.Errorf("%w: invalid layer %v", fabric.ErrInvalidTopologyPlan, sel.Layer)
	}
	var out []fabric.UnitID
	for _, candidate := range s.byLayer[sel.Layer] {
		if !s.ConnectionExists(src, candidate) {
			continue
		}
		if u, ok := s.units[candidate]; ok && u.Health == fabric.HealthAlive {
			out = append(out, candidate)
		}
	}
	return out, nil
}
