// Package config loads the fabric's runtime tunables (MaxHops,
// fairness_window, gradient_ttl, drain_deadline, per-layer rate/burst,
// watermarks) via github.com/spf13/viper. This is deliberately not a
// general file-format/CLI config surface — configuration file parsing
// beyond these named tunables is out of scope.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/router"
	"github.com/linkerd/neurofabric/pkg/unit"
)

// LayerRate is one layer's token-bucket tunable.
type LayerRate struct {
	Rate           float64
	Burst          int
	SoftQueueDepth int
}

// Config is the fully-resolved set of fabric tunables.
type Config struct {
	MaxHops          int
	FairnessWindow   time.Duration
	GradientTTL      time.Duration
	DrainDeadline    time.Duration
	CorrelationMax   int
	SelfLoopDivisor  int
	Watermarks       unit.Watermarks
	PerMessageBudget time.Duration
	Layers           map[fabric.Layer]LayerRate
	LayerUnitCap     int

	AdminAddr string
}

// defaults holds the runtime's stated defaults (MaxHops=64, fairness_window
// 100ms, drain_deadline 10s) plus this module's own resolved defaults for
// gradient_ttl and the self-loop divisor.
func defaults() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NEUROFABRIC")
	v.AutomaticEnv()

	v.SetDefault("max_hops", fabric.MaxHops)
	v.SetDefault("fairness_window", "100ms")
	v.SetDefault("gradient_ttl", "5m")
	v.SetDefault("drain_deadline", "10s")
	v.SetDefault("correlation_max", 100_000)
	v.SetDefault("self_loop_divisor", 10)
	v.SetDefault("per_message_budget", "250ms")
	v.SetDefault("watermark_high", 64)
	v.SetDefault("watermark_low", 16)
	v.SetDefault("admin_addr", ":9995")
	v.SetDefault("default_layer_rate", 200.0)
	v.SetDefault("default_layer_burst", 50)
	v.SetDefault("default_layer_soft_queue_depth", 100)
	v.SetDefault("layer_unit_cap", 10_000)
	return v
}

// Load reads tunables from the process environment (NEUROFABRIC_* vars,
// via viper's AutomaticEnv), falling back to spec-stated defaults for
// anything unset, and builds one uniform LayerRate for every layer. The
// per-layer map is kept (rather than a single scalar) so a future
// Reconfigure path can differentiate layers without a signature change.
func Load() *Config {
	v := defaults()

	layers := make(map[fabric.Layer]LayerRate, int(fabric.MaxLayer))
	rate := LayerRate{
		Rate:           v.GetFloat64("default_layer_rate"),
		Burst:          v.GetInt("default_layer_burst"),
		SoftQueueDepth: v.GetInt("default_layer_soft_queue_depth"),
	}
	for l := fabric.MinLayer; l <= fabric.MaxLayer; l++ {
		layers[l] = rate
	}

	return &Config{
		MaxHops:          v.GetInt("max_hops"),
		FairnessWindow:   v.GetDuration("fairness_window"),
		GradientTTL:      v.GetDuration("gradient_ttl"),
		DrainDeadline:    v.GetDuration("drain_deadline"),
		CorrelationMax:   v.GetInt("correlation_max"),
		SelfLoopDivisor:  v.GetInt("self_loop_divisor"),
		PerMessageBudget: v.GetDuration("per_message_budget"),
		Watermarks: unit.Watermarks{
			High: v.GetInt("watermark_high"),
			Low:  v.GetInt("watermark_low"),
		},
		Layers:       layers,
		LayerUnitCap: v.GetInt("layer_unit_cap"),
		AdminAddr:    v.GetString("admin_addr"),
	}
}

// RouterConfig projects Config into the router.Config shape.
func (c *Config) RouterConfig() router.Config {
	rc := router.DefaultConfig()
	rc.MaxHops = c.MaxHops
	rc.GradientTTL = c.GradientTTL
	rc.CorrelationMax = c.CorrelationMax
	rc.SelfLoopDivisor = c.SelfLoopDivisor
	rc.LayerRates = make(map[fabric.Layer]router.RateConfig, len(c.Layers))
	for l, lr := range c.Layers {
		rc.LayerRates[l] = router.RateConfig{Rate: lr.Rate, Burst: lr.Burst, SoftQueueDepth: lr.SoftQueueDepth}
	}
	return rc
}

// UnitBudget projects Config into a unit.Budget for newly spawned units.
func (c *Config) UnitBudget() unit.Budget {
	return unit.Budget{PerMessage: c.PerMessageBudget, DrainDeadline: c.DrainDeadline}
}
