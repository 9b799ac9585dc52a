package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/allocator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/api"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/coord"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/dispatcher"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/gateway"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/monitor"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/orchestrator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/stream"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/writer"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the evaluation pipeline",
	Long: `Start a Crucible node: gateway, dispatcher, allocator, monitor
and writer, plus the HTTP API. The node coordinates with its peers
through Redis; any number of nodes may run against the same store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file (defaults apply when omitted)")
}

func runServer(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")
	logger.Info().Str("version", Version).Msg("starting crucible")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := coord.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to coordination store: %w", err)
	}
	defer redisClient.Close()

	durable, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer durable.Close()

	eventBus := bus.NewRedisBus(redisClient)
	taskStream := stream.NewRedisStream(redisClient)
	assignments := coord.NewAssignments(redisClient)

	alloc := allocator.New(redisClient, allocator.Config{BusyMarkerTTL: cfg.Limits.BusyMarkerTTL})
	if err := alloc.Initialize(ctx, cfg.Pool.Sandboxes); err != nil {
		return fmt.Errorf("failed to initialize sandbox pool: %w", err)
	}

	orch := orchestrator.NewClient(orchestrator.Config{
		BaseURL:        cfg.Orchestrator.BaseURL,
		RequestTimeout: cfg.Orchestrator.RequestTimeout,
		WatchLabel:     cfg.Orchestrator.WatchLabel,
	})

	gw := gateway.New(durable, eventBus, taskStream, cfg.Limits)
	deadLetters := dispatcher.NewDeadLetterStore(redisClient, cfg.Dispatcher.DeadLetterLimit)
	disp := dispatcher.New(cfg.Dispatcher, cfg.Limits, taskStream, alloc, orch, eventBus,
		durable, assignments, deadLetters)
	mon := monitor.New(cfg.Monitor, cfg.Limits, orch, eventBus, durable)
	wr := writer.New(cfg.Writer, cfg.Limits, eventBus, durable)
	poolReconciler := allocator.NewReconciler(alloc, durable, cfg.Pool.Sandboxes, cfg.Monitor.OrphanInterval)

	// The writer must be subscribed before anything publishes.
	if err := wr.Start(ctx); err != nil {
		return err
	}
	mon.Start(ctx)
	disp.Start(ctx)
	poolReconciler.Start()
	logger.Info().Int("workers", cfg.Dispatcher.Workers).Msg("pipeline started")

	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"store": func(ctx context.Context) error {
			_, err := durable.ListEvaluationsByStatus(ctx, types.StatusQueued)
			return err
		},
	}
	apiServer := api.NewServer(gw, durable, mon, checks, Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Start(gctx, cfg.API.ListenAddr)
	})

	<-gctx.Done()
	logger.Info().Msg("shutting down")

	poolReconciler.Stop()
	disp.Stop()
	mon.Stop()
	wr.Stop()

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.DurableStore, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	case "bolt":
		return store.NewBoltStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
