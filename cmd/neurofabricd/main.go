// Command neurofabricd boots the fabric runtime: Substrate, Router,
// Orchestrator, and Propagator wired together, plus the admin HTTP
// server. It is deliberately a minimal bootstrap entrypoint, not a full
// admin CLI tree — CLI/RPC surfaces over the Orchestrator are an explicit
// Non-goal; operators embed pkg/orchestrator directly for anything beyond
// process lifecycle.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/linkerd/neurofabric/pkg/admin"
	"github.com/linkerd/neurofabric/pkg/config"
	"github.com/linkerd/neurofabric/pkg/fabric"
	"github.com/linkerd/neurofabric/pkg/observer"
	"github.com/linkerd/neurofabric/pkg/orchestrator"
	"github.com/linkerd/neurofabric/pkg/router"
	"github.com/linkerd/neurofabric/pkg/substrate"
)

func main() {
	var enablePprof bool
	var logLevel string

	root := &cobra.Command{
		Use:   "neurofabricd",
		Short: "Run the neurofabric orchestration runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel, enablePprof)
		},
	}
	root.Flags().BoolVar(&enablePprof, "enable-pprof", false, "expose pprof handlers under /debug/pprof/")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(logLevel string, enablePprof bool) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	cfg := config.Load()

	bus := observer.NewBus()
	bus.Subscribe(observer.NewLogrusSink(log.StandardLogger()))

	reg := prometheus.NewRegistry()
	bus.Subscribe(observer.NewPrometheusSink(reg))

	scheduler := substrate.NewScheduler(cfg.FairnessWindow, 0)
	scheduler.OnPanic(func(taskName string, recovered any) {
		log.WithField("task", taskName).Errorf("task panicked: %v", recovered)
	})

	r := router.New(cfg.RouterConfig(), scheduler, bus)
	store := substrate.NewStore()
	orch := orchestrator.New(r, scheduler, store, bus, fabric.DefaultAbort, cfg.LayerUnitCap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Spawn(ctx, "router-maintenance", func(taskCtx context.Context) {
		r.RunMaintenance(taskCtx, cfg.GradientTTL/2)
	})

	adminServer := admin.NewServer(cfg.AdminAddr, enablePprof, orch, reg)
	go func() {
		log.Infof("admin server listening on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server exited")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainDeadline)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)
	cancel()
	return nil
}
