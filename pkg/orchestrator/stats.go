package orchestrator

import "github.com/linkerd/neurofabric/pkg/fabric"

// LayerStats is a per-layer unit supervision rollup: a cheap, read-only
// summary an admin surface can poll without walking the full unit map
// under lock.
type LayerStats struct {
	Layer         fabric.Layer
	ActiveUnits   int
	DrainingUnits int
	FailedUnits   int
}

// Stats computes a LayerStats rollup per populated layer from the current
// Snapshot. It is O(units) and takes no lock beyond the atomic snapshot
// load, safe to call from the admin HTTP handler on every scrape.
func (o *Orchestrator) Stats() []LayerStats {
	snap := o.CurrentSnapshot()
	if snap == nil {
		return nil
	}
	byLayer := make(map[fabric.Layer]*LayerStats)
	for _, u := range snap.units {
		s, ok := byLayer[u.Layer]
		if !ok {
			s = &LayerStats{Layer: u.Layer}
			byLayer[u.Layer] = s
		}
		switch u.Health {
		case fabric.HealthAlive:
			s.ActiveUnits++
		case fabric.HealthDraining:
			s.DrainingUnits++
		case fabric.HealthFailed:
			s.FailedUnits++
		}
	}
	out := make([]LayerStats, 0, len(byLayer))
	for l := fabric.MinLayer; l <= fabric.MaxLayer; l++ {
		if s, ok := byLayer[l]; ok {
			out = append(out, *s)
		}
	}
	return out
}
