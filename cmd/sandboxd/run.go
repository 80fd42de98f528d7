package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mothsandbox/moth/pkg/agent"
	"github.com/mothsandbox/moth/pkg/config"
	"github.com/mothsandbox/moth/pkg/cwd"
	"github.com/mothsandbox/moth/pkg/events"
	"github.com/mothsandbox/moth/pkg/intake"
	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/machinery"
	"github.com/mothsandbox/moth/pkg/metrics"
	"github.com/mothsandbox/moth/pkg/node"
	"github.com/mothsandbox/moth/pkg/paths"
	"github.com/mothsandbox/moth/pkg/procpool"
	"github.com/mothsandbox/moth/pkg/queue"
	"github.com/mothsandbox/moth/pkg/resultserver"
	"github.com/mothsandbox/moth/pkg/scheduler"
	"github.com/mothsandbox/moth/pkg/shutdown"
	"github.com/mothsandbox/moth/pkg/statecontroller"
	"github.com/mothsandbox/moth/pkg/storage"
	"github.com/mothsandbox/moth/pkg/taskrunner"
	"github.com/spf13/cobra"
)

// runCmd brings up every long-running component in-process: the durable
// queue and storage, the machinery manager, the processing worker pool, the
// local node and its task runner, the scheduler, and the intake scanner
// that feeds new analyses in from disk. It runs until interrupted.
//
// This command only ever drives a single, local node. Wiring a second
// sandboxd instance in as a node.RemoteNode needs an HTTP server on this
// side to answer RemoteNode's requests, which this pass does not build; see
// DESIGN.md for the reasoning.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sandbox daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the metrics/health HTTP server listens on")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cwdDir, _ := cmd.Flags().GetString("cwd")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cwdDir, err := filepath.Abs(cwdDir)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	if err := cwd.Verify(cwdDir); err != nil {
		return fmt.Errorf("working directory not ready, run 'sandboxd createcwd' first: %w", err)
	}
	paths := paths.New(cwdDir)

	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.WithComponent("sandboxd")
	logger.Info().Str("cwd", cwdDir).Msg("starting")

	store, err := storage.NewBoltStore(cwdDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	queuePath := filepath.Join(cwdDir, cfg.Queue.DBPath)
	if err := os.MkdirAll(filepath.Dir(queuePath), 0o755); err != nil {
		return fmt.Errorf("creating queue directory: %w", err)
	}
	taskQueue, err := queue.Open(queuePath)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	manager := machinery.NewManager(paths.MachineStatesFile(), cfg.Machinery.Workers)
	manager.Start()
	go dumpMachinesPeriodically(manager, cfg.Machinery.DumpInterval)

	// Pool and Reducer each need the other: Pool reports job outcomes through
	// a Reporter, and the Reducer chains one pipeline stage into the next by
	// submitting to Pool. Neither needs the other to be fully wired until
	// work actually flows, so procReporter is built with its reducer field
	// set after the fact, the same way node.LocalNode takes its Starter.
	reporter := newProcReporter(nil, nil)
	pool := procpool.NewPool(os.Args[0], cwdDir, paths.Socket("procpool"), cfg.Processing.Workers, reporter, store)
	reporter.pool = pool

	reducer := statecontroller.NewReducer(store, taskQueue, broker, manager, pool, statecontroller.PlatformPolicy{
		DefaultPlatform: cfg.Platforms.DefaultPlatform,
		MultiPlatform:   cfg.Platforms.MultiPlatform,
		Autotag:         cfg.Platforms.Autotag,
	})
	reducer.Start()
	reporter.reducer = reducer

	if err := pool.Start(); err != nil {
		return fmt.Errorf("starting processing pool: %w", err)
	}

	localNode := node.NewLocalNode(manager, nil)
	runner := taskrunner.NewRunner(manager, store, paths, agent.NewHTTPClient(cfg.TaskRunner.AgentPort), resultserver.NewIPCClient(paths.Socket("resultserver")), localNode, taskrunner.Config{
		AgentPort:        cfg.TaskRunner.AgentPort,
		AgentWaitTimeout: cfg.TaskRunner.AgentWaitTimeout,
		CallInterval:     cfg.TaskRunner.CallInterval,
		DefaultTimeout:   cfg.TaskRunner.DefaultTimeout,
	})
	localNode.SetStarter(runner)

	nodes := scheduler.NewNodesTracker()
	nodes.AddNode(localNode)

	sched := scheduler.NewScheduler(taskQueue, nodes, reducer)
	sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	bridge := newNodeEventBridge(reducer, taskQueue, pool)
	go bridge.watch(ctx, localNode)

	scanner := intake.NewScanner(paths, store, pool)
	scanner.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "ready")
	metrics.RegisterComponent("queue", true, "ready")
	metrics.RegisterComponent("machinery", true, "ready")
	metrics.RegisterComponent("scheduler", true, "ready")
	collector := metrics.NewCollector(taskQueue, manager)
	collector.Start()

	metricsServer := startMetricsServer(metricsAddr)

	logger.Info().Str("metrics_addr", metricsAddr).Msg("daemon ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	cancel()

	registry := shutdown.NewRegistry()
	registry.Register(100, "metrics-server", func(shutdownCtx context.Context) error {
		return metricsServer.Shutdown(shutdownCtx)
	})
	registry.Register(200, "intake-scanner", func(context.Context) error {
		scanner.Stop()
		return nil
	})
	registry.Register(300, "scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	})
	registry.Register(400, "task-runner", func(context.Context) error {
		runner.Stop()
		return nil
	})
	registry.Register(500, "processing-pool", func(context.Context) error {
		pool.Stop()
		return nil
	})
	registry.Register(600, "reducer", func(context.Context) error {
		reducer.Stop()
		return nil
	})
	registry.Register(700, "metrics-collector", func(context.Context) error {
		collector.Stop()
		return nil
	})
	registry.Register(800, "machinery", func(context.Context) error {
		manager.Stop()
		return manager.DumpIfDirty()
	})
	registry.Register(850, "events-broker", func(context.Context) error {
		broker.Stop()
		return nil
	})
	registry.Register(998, "queue", func(context.Context) error {
		return taskQueue.Close()
	})
	registry.Register(999, "storage", func(context.Context) error {
		return store.Close()
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	registry.RunAll(shutdownCtx)

	logger.Info().Msg("stopped")
	return nil
}

func dumpMachinesPeriodically(manager *machinery.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := manager.DumpIfDirty(); err != nil {
			log.WithComponent("machinery").Error().Err(err).Msg("failed to dump machine states")
		}
	}
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("sandboxd").Error().Err(err).Msg("metrics server error")
		}
	}()
	return server
}
