// Package admin exposes the fabric's health and metrics endpoints:
// /ping, /ready, /metrics, and optionally /debug/pprof/*, serving
// fabric-specific gauges (active units per layer, current snapshot
// version) computed from an orchestrator.Orchestrator on every scrape.
package admin

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linkerd/neurofabric/pkg/orchestrator"
)

// statsCollector adapts Orchestrator.Stats() into Prometheus gauges,
// recomputed on every scrape rather than pushed, since the underlying
// Snapshot is already a cheap atomic-pointer read.
type statsCollector struct {
	o             *orchestrator.Orchestrator
	activeUnits   *prometheus.Desc
	drainingUnits *prometheus.Desc
	failedUnits   *prometheus.Desc
	snapshotVer   *prometheus.Desc
}

func newStatsCollector(o *orchestrator.Orchestrator) *statsCollector {
	return &statsCollector{
		o: o,
		activeUnits: prometheus.NewDesc("neurofabric_active_units", "Units currently Alive, by layer.", []string{"layer"}, nil),
		drainingUnits: prometheus.NewDesc("neurofabric_draining_units", "Units currently Draining, by layer.", []string{"layer"}, nil),
		failedUnits: prometheus.NewDesc("neurofabric_failed_units", "Units currently Failed, by layer.", []string{"layer"}, nil),
		snapshotVer: prometheus.NewDesc("neurofabric_snapshot_version", "Current topology snapshot version.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeUnits
	ch <- c.drainingUnits
	ch <- c.failedUnits
	ch <- c.snapshotVer
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.o.Stats() {
		layer := s.Layer.String()
		ch <- prometheus.MustNewConstMetric(c.activeUnits, prometheus.GaugeValue, float64(s.ActiveUnits), layer)
		ch <- prometheus.MustNewConstMetric(c.drainingUnits, prometheus.GaugeValue, float64(s.DrainingUnits), layer)
		ch <- prometheus.MustNewConstMetric(c.failedUnits, prometheus.GaugeValue, float64(s.FailedUnits), layer)
	}
	if snap := c.o.CurrentSnapshot(); snap != nil {
		ch <- prometheus.MustNewConstMetric(c.snapshotVer, prometheus.GaugeValue, float64(snap.Version()))
	}
}

// NewServer returns an initialized http.Server listening on addr. o's
// per-layer stats and snapshot version are exposed as gauges on /metrics
// alongside the Observer's own PrometheusSink counters, registered on reg.
// /ready reports 503 until the Orchestrator has published its first
// Snapshot.
func NewServer(addr string, enablePprof bool, o *orchestrator.Orchestrator, reg *prometheus.Registry) *http.Server {
	reg.MustRegister(newStatsCollector(o))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "pong")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if o.CurrentSnapshot() == nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}
