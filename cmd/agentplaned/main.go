// Command agentplaned runs the control plane: discovery, agent
// registry, balancer, router, and the metrics endpoint, wired over an
// in-memory or NATS bus per the configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentplane/agentplane/audit"
	"github.com/agentplane/agentplane/balancer"
	"github.com/agentplane/agentplane/bus"
	"github.com/agentplane/agentplane/config"
	"github.com/agentplane/agentplane/discovery"
	"github.com/agentplane/agentplane/internal/telemetry"
	"github.com/agentplane/agentplane/manager"
	"github.com/agentplane/agentplane/registry"
	"github.com/agentplane/agentplane/router"
	"github.com/agentplane/agentplane/shutdown"
	"github.com/agentplane/agentplane/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to TOML config (empty = defaults)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentplaned: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentplaned: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	telemetry.SetBuildInfo(version)
	logger.Info("starting", zap.String("version", version))

	// Message bus.
	var msgBus bus.MessageBus
	if cfg.Bus.URL == "" {
		msgBus = bus.NewMemoryBus(bus.DefaultConfig())
		logger.Info("bus: in-memory")
	} else {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.URL
		natsCfg.Name = "agentplaned"
		natsBus, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return err
		}
		msgBus = natsBus
		logger.Info("bus: nats", zap.String("url", cfg.Bus.URL))
	}

	// Shared registry plus the two services over it.
	store := registry.NewStore()
	disco := discovery.New(store, discovery.Config{
		HeartbeatInterval: cfg.Discovery.HeartbeatInterval.Duration,
		Timeout:           cfg.Discovery.Timeout.Duration,
		Grace:             cfg.Discovery.Grace.Duration,
		ReapAfter:         cfg.Discovery.ReapAfter.Duration,
		Logger:            logger,
	})
	mgr := manager.New(store, logger)
	lifecycle := manager.NewAPI(msgBus, mgr, logger)

	heartbeats := discovery.NewSource(msgBus, disco, logger)

	bal, err := balancer.New(disco, store, balancer.Config{
		Policy:      balancer.Policy(cfg.Router.Policy),
		ExcludeBusy: cfg.Router.ExcludeBusy,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Dead nodes take their sticky bindings with them.
	disco.OnDead(func(nodeID string) {
		for _, a := range store.AgentsOnNode(nodeID) {
			bal.DropAgent(a.ID)
		}
	})

	// Transport and audit trail.
	trans, err := transport.NewBusTransport(msgBus, logger)
	if err != nil {
		return err
	}

	var auditor audit.Store
	if cfg.Audit.Path == "" {
		auditor = audit.NewMemoryStore()
		logger.Info("audit: in-memory")
	} else {
		auditor, err = audit.NewBleveStore(cfg.Audit.Path)
		if err != nil {
			return err
		}
		logger.Info("audit: bleve", zap.String("path", cfg.Audit.Path))
	}

	rt := router.New(store, bal, disco, trans, trans, auditor, router.Config{
		MaxAttempts: cfg.Router.MaxAttempts,
		BackoffBase: cfg.Router.BackoffBase.Duration,
		BackoffCap:  cfg.Router.BackoffCap.Duration,
		Logger:      logger,
	})

	if err := disco.Start(ctx); err != nil {
		return err
	}
	if err := heartbeats.Start(ctx); err != nil {
		return err
	}
	if err := lifecycle.Start(ctx); err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	// Periodic audit purge.
	purgeStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Router.AuditWindow.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-purgeStop:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.Router.AuditWindow.Duration)
				if n, err := rt.PurgeBefore(ctx, cutoff); err != nil {
					logger.Warn("audit purge failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("audit purged", zap.Int("entries", n))
				}
			}
		}
	}()

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	httpServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	// Phased shutdown: stop intake first, bus last.
	coord := shutdown.New(shutdown.Config{Timeout: 30 * time.Second, Logger: logger})
	coord.Register("router", shutdown.PhaseIngress, func(context.Context) error {
		return rt.Stop()
	})
	coord.Register("metrics", shutdown.PhaseIngress, func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	})
	coord.Register("audit-purge", shutdown.PhaseIngress, func(context.Context) error {
		close(purgeStop)
		return nil
	})
	coord.Register("lifecycle-api", shutdown.PhaseIngress, func(context.Context) error {
		return lifecycle.Stop()
	})
	coord.Register("heartbeats", shutdown.PhaseDetection, func(context.Context) error {
		return heartbeats.Stop()
	})
	coord.Register("discovery", shutdown.PhaseDetection, func(context.Context) error {
		return disco.Stop()
	})
	coord.Register("transport", shutdown.PhaseTransport, func(context.Context) error {
		return trans.Close()
	})
	coord.Register("audit", shutdown.PhaseStorage, func(context.Context) error {
		return auditor.Close()
	})
	coord.Register("bus", shutdown.PhaseBus, func(context.Context) error {
		return msgBus.Close()
	})
	coord.HandleSignals()

	logger.Info("control plane ready")
	<-coord.Done()
	return coord.Err()
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	zc := zap.NewProductionConfig()
	if !cfg.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
