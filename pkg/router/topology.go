package router

import (
	"github.com/linkerd/neurofabric/pkg/fabric"
)

// TopologyView is the narrow read-only interface the Router needs from the
// Orchestrator's published Snapshot: unit existence/health/layer,
// connection existence, and symbolic-selector resolution. Keeping this
// interface narrow (rather than importing pkg/orchestrator directly) keeps
// Router free of an import cycle — the Orchestrator wires a concrete
// Snapshot into the Router, never the reverse.
type TopologyView interface {
	Version() uint64
	UnitLayer(id fabric.UnitID) (fabric.Layer, bool)
	UnitHealth(id fabric.UnitID) (fabric.Health, bool)
	ConnectionExists(src, dst fabric.UnitID) bool
	// ResolveSelector returns the candidate destination unit(s) for a
	// symbolic LayerSelector, already filtered to adjacency-valid,
	// connected, non-Draining/Failed candidates reachable from src.
	ResolveSelector(src fabric.UnitID, sel fabric.LayerSelector) ([]fabric.UnitID, error)
}

// topologyBox lets Route() read the current TopologyView without
// blocking a concurrent Orchestrator snapshot publish. atomic.Pointer
// cannot hold an interface value directly, so the interface is boxed in a
// small wrapper struct.
type topologyBox struct {
	view TopologyView
}

