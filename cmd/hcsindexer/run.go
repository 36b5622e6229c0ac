package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/hcsindexer/internal/config"
	"github.com/sawpanic/hcsindexer/internal/ingestion"
	"github.com/sawpanic/hcsindexer/internal/metrics"
	"github.com/sawpanic/hcsindexer/internal/mirror"
	"github.com/sawpanic/hcsindexer/internal/projection"
	"github.com/sawpanic/hcsindexer/internal/projection/postgres"
	"github.com/sawpanic/hcsindexer/internal/supervisor"
)

var metricsAddr string

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start backfill and live ingestion for the configured topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics and /status on")
	return cmd
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)

	store := postgres.New(db, 10*time.Second)
	writer := projection.NewWriter(store, sink, log.Logger).WithQuarantine(cfg.QuarantineAfterAttempts)

	mirrorClient := mirror.New(mirror.Config{
		BaseURL:        cfg.MirrorBaseURL,
		InterPageDelay: cfg.BackfillInterPageGap,
	})

	factory := ingestion.SharedFactory{
		Mirror:      mirrorClient,
		PushBaseURL: cfg.PushBaseURL,
		Log:         log.Logger,
	}

	manager := ingestion.New(ingestion.Config{
		BackfillPageSize: cfg.BackfillPageSize,
		PollInterval:     cfg.PollInterval,
		MaxBackoff:       cfg.MaxBackoff,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	}, factory, writer, store, sink, log.Logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx, cfg.SeedTopicIDs)
	log.Info().Strs("topics", cfg.SeedTopicIDs).Msg("ingestion manager started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", statusHandler(manager))
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining topics")
	manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	return nil
}

func statusHandler(manager *ingestion.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := manager.Status()
		out := make(map[string]supervisor.Status, len(statuses))
		for topicID, s := range statuses {
			out[topicID] = s
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
