// Command lobby runs the multiworld lobby core: the durable work-queue
// broker and the world-index engine behind one HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/multiworld/lobby/api"
	"github.com/multiworld/lobby/internal/blobcache"
	"github.com/multiworld/lobby/internal/config"
	"github.com/multiworld/lobby/internal/dispatch"
	"github.com/multiworld/lobby/internal/index"
	"github.com/multiworld/lobby/internal/logstream"
	"github.com/multiworld/lobby/internal/manifests"
	"github.com/multiworld/lobby/internal/orchestrator"
	"github.com/multiworld/lobby/internal/queue"
	"github.com/multiworld/lobby/internal/rooms"
	"github.com/multiworld/lobby/pkg/telemetry"
)

// Exit codes: 0 normal shutdown, 2 fatal configuration error, 3 fatal
// index sync initialization failure.
const (
	exitConfig    = 2
	exitIndexSync = 3
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "lobby",
		Short:         "multiworld lobby: work-queue broker and world catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), syncIndexCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}

// syncIndexCmd refreshes the index checkout once and exits; useful for
// warming a deployment before the first serve.
func syncIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-index",
		Short: "clone or update the index repository once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := telemetry.NewDefaultLogger(os.Stdout, "lobby")
			cfg, err := config.FromEnv()
			if err != nil {
				log.Error("configuration invalid", map[string]any{"error": err})
				os.Exit(exitConfig)
			}
			syncer := index.NewSyncer(cfg.IndexDir, cfg.IndexRepoURL, cfg.IndexRepoBranch, log, nil)
			if err := syncer.Init(cmd.Context()); err != nil {
				log.Error("index sync failed", map[string]any{"error": err})
				os.Exit(exitIndexSync)
			}
			snap := syncer.Snapshot()
			log.Info("index synced", map[string]any{"worlds": snap.Len()})
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the lobby server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	log := telemetry.NewDefaultLogger(os.Stdout, "lobby")

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration invalid", map[string]any{"error": err})
		os.Exit(exitConfig)
	}
	log.Info("starting", map[string]any{"version": version, "config": cfg.String()})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Error("opening database", map[string]any{"error": err})
		os.Exit(exitConfig)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("database unreachable", map[string]any{"error": err})
		os.Exit(exitConfig)
	}

	syncer := index.NewSyncer(cfg.IndexDir, cfg.IndexRepoURL, cfg.IndexRepoBranch, log, metrics)
	if err := syncer.Init(ctx); err != nil {
		log.Error("index sync initialization failed", map[string]any{"error": err})
		os.Exit(exitIndexSync)
	}
	go syncer.Run(ctx, cfg.IndexSyncEvery)

	broker, err := queue.NewBroker(ctx, db, queue.Options{
		Driver: cfg.DatabaseDriver,
		Queues: map[queue.Name]queue.Config{
			queue.QueueValidation: {MaxAttempts: 3, Backoff: queue.DefaultBackoff(), HardTimeout: 10 * time.Minute},
			queue.QueueGeneration: {MaxAttempts: 3, Backoff: queue.DefaultBackoff(), HardTimeout: 30 * time.Minute},
		},
		DedupeRetention: cfg.DedupeRetention,
		Log:             log,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}
	go broker.Run(ctx, time.Second)

	roomStore, err := rooms.NewStore(ctx, db, cfg.DatabaseDriver, nil)
	if err != nil {
		return err
	}
	manifestStore, err := manifests.NewStore(ctx, db)
	if err != nil {
		return err
	}

	logs := logstream.NewRegistry(0, 0, func(jobID string, data []byte) error {
		return roomStore.SaveJobLog(context.Background(), jobID, data)
	}, log)
	broker.OnTerminal(func(jobID string, _ queue.State) {
		logs.Close(jobID)
	})

	cache := blobcache.New(cfg.ApworldsPath, nil, log, metrics)
	dispatcher := dispatch.New(broker)
	validation := orchestrator.NewValidation(broker, dispatcher, roomStore, manifestStore, syncer, log)
	generation := orchestrator.NewGeneration(broker, dispatcher, roomStore, manifestStore, syncer, cache, cfg.GenerationOutDir, log)

	server := api.NewServer(cfg, broker, dispatcher, validation, generation, roomStore, manifestStore, syncer, logs, log)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{"addr": cfg.ListenAddr})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", map[string]any{"error": err})
		}
		log.Info("stopped", nil)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
