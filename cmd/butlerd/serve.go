package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaiyawut/butler/pkg/bus"
	"github.com/chaiyawut/butler/pkg/channel"
	"github.com/chaiyawut/butler/pkg/config"
	"github.com/chaiyawut/butler/pkg/dispatch"
	"github.com/chaiyawut/butler/pkg/health"
	"github.com/chaiyawut/butler/pkg/heartbeat"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/memapi"
	"github.com/chaiyawut/butler/pkg/memory"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/pool"
	"github.com/chaiyawut/butler/pkg/provider"
	"github.com/chaiyawut/butler/pkg/queue"
	"github.com/chaiyawut/butler/pkg/retrieval"
	"github.com/chaiyawut/butler/pkg/runtime"
	"github.com/chaiyawut/butler/pkg/sched"
	"github.com/chaiyawut/butler/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("butlerd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores.
	boltStore, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open dispatcher store: %w", err)
	}
	defer boltStore.Close()

	var vectors *memstore.VectorClient
	if cfg.VectorBackendURL != "" {
		vectors = memstore.NewVectorClient(cfg.VectorBackendURL)
		if !vectors.Ping(ctx) {
			logger.Warn().Str("url", cfg.VectorBackendURL).Msg("vector backend unreachable, starting lexical-only")
		}
	}
	memStore, err := memstore.Open(cfg.DataDir, vectors)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer memStore.Close()
	if err := memStore.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation incomplete")
	}

	// Memory core.
	var seg *retrieval.Segmenter
	if cfg.ThaiNLPURL != "" {
		seg = retrieval.NewSegmenter(cfg.ThaiNLPURL)
	}
	engine := retrieval.NewEngine(memStore, seg)
	manager := memory.NewManager(memStore, engine)
	manager.Start()
	defer manager.Stop()

	apiServer := memapi.New(manager, cfg.MemoryAPIToken)

	// Dispatcher core.
	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	defer rt.Close()

	p := pool.New(pool.Config{
		Min:            cfg.PoolMin,
		Max:            cfg.PoolMax,
		HardMax:        cfg.MaxConcurrentContainers,
		MaxReuse:       cfg.PoolMaxReuse,
		SessionMaxAge:  cfg.SessionMaxAge,
		IdleTimeout:    cfg.PoolIdleTimeout,
		WarmupInterval: cfg.PoolWarmupInterval,
		WarmingMax:     cfg.WarmingMax,
		IPCPoll:        cfg.IPCPollInterval,
		Image:          cfg.ContainerImage,
		MemoryLimit:    cfg.ContainerMemoryLimit,
		CPULimit:       cfg.ContainerCPULimit,
		DataDir:        cfg.DataDir,
		HMACSecret:     cfg.IPCHMACSecret,
	}, rt)
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop(context.Background())

	q, err := queue.New(boltStore, cfg.QueueCapacity, cfg.MaxAttempts)
	if err != nil {
		return err
	}
	b := bus.New(boltStore, q, cfg.DebounceWindow)

	registry := channel.NewRegistry()
	watchdog := channel.NewWatchdog(registry, cfg.SchedulerPollInterval, 0)
	watchdog.Start()
	defer watchdog.Stop()

	hb := heartbeat.New(heartbeat.Knobs{
		ShowOK:        cfg.HeartbeatShowOK,
		ShowAlerts:    cfg.HeartbeatShowAlerts,
		UseIndicator:  cfg.HeartbeatUseIndicator,
		DeliveryMuted: cfg.HeartbeatDeliveryMuted,
		AlertCooldown: cfg.HeartbeatAlertCooldown,
	}, cfg.HeartbeatInterval, boltStore, b)

	providers, err := provider.LoadRegistry(cfg.ProviderRegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load provider registry: %w", err)
	}
	if err := providers.Watch(); err != nil {
		logger.Warn().Err(err).Msg("provider registry hot reload unavailable")
	}
	defer providers.Stop()

	d := dispatch.New(dispatch.Config{
		OutputTimeout:  cfg.ContainerOutputTimeout,
		HardKill:       cfg.ContainerHardKill,
		IdleCloseStdin: cfg.IdleCloseStdin,
		SessionMaxAge:  cfg.SessionMaxAge,
		TypingMaxTTL:   cfg.TypingMaxTTL,
		IPCPoll:        cfg.IPCPollInterval,
	}, boltStore, q, p, registry)
	d.SetPolicy(hb)
	d.SetProviders(providers)
	d.Start()
	defer d.Stop()

	scheduler := sched.New(boltStore, b, cfg.SchedulerPollInterval)
	scheduler.Start()
	defer scheduler.Stop()

	hb.Start()
	defer hb.Stop()

	healthServer := health.New(boltStore, memStore, p, q, scheduler, hb, registry)

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.Start(ctx, cfg.MemoryAPIAddr) }()
	go func() { errCh <- healthServer.Start(ctx, cfg.HealthAddr) }()

	logger.Info().Str("data_dir", cfg.DataDir).Msg("butler runtime started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Release any burst still inside the debounce window before the
	// dispatcher drains.
	b.Flush()
	return nil
}
