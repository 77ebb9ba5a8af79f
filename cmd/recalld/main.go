// Package main implements the recalld daemon: an episodic memory store with
// vector retrieval and a strategy evolution pipeline, exposed over HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	recalld serve
//
//	# Start with a config file; environment variables override it
//	recalld serve --config /etc/recalld/config.yaml
//
//	# Run one evolution cycle and print the result
//	recalld evolve
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/config"
	"github.com/praxisworks/recalld/internal/embeddings"
	"github.com/praxisworks/recalld/internal/episode"
	"github.com/praxisworks/recalld/internal/evolve"
	"github.com/praxisworks/recalld/internal/logging"
	"github.com/praxisworks/recalld/internal/server"
	"github.com/praxisworks/recalld/internal/storage"
	"github.com/praxisworks/recalld/internal/strategy"
	"github.com/praxisworks/recalld/internal/vectorstore"
)

var (
	// configPath points at an optional YAML config file.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "recalld",
	Short:   "Agent memory and strategy evolution daemon",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(evolveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld daemon",
	Long: `Start the recalld daemon: HTTP API, embedding backfill reconciler,
and the daily strategy evolution scheduler.`,
	RunE: runServe,
}

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one strategy evolution cycle and print the result",
	RunE:  runEvolve,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	writer := episode.NewLogger(deps.store, deps.provider, episode.LoggerConfig{
		QueueSize:      cfg.Memory.QueueSize,
		EmbedTimeout:   cfg.Embeddings.Timeout,
		PersistRetries: cfg.Memory.PersistRetries,
		PersistBackoff: cfg.Memory.PersistBackoff,
	}, logger.Named("writer"))
	defer writer.Close()

	retriever := episode.NewRetriever(deps.store, deps.index, deps.provider, episode.RetrieverConfig{
		Timeout:         cfg.Memory.RetrievalTimeout,
		CacheTTL:        cfg.Memory.CacheTTL,
		CacheMaxEntries: cfg.Memory.CacheMaxEntries,
	}, logger.Named("retriever"))

	reconciler := episode.NewReconciler(deps.store, deps.provider,
		cfg.Memory.BackfillBatchSize, cfg.Memory.BackfillInterval, logger.Named("reconciler"))
	if err := reconciler.Start(); err != nil {
		return fmt.Errorf("starting reconciler: %w", err)
	}
	defer reconciler.Stop()

	scheduler := evolve.NewScheduler(deps.evolver, cfg.Evolve.Interval, logger.Named("scheduler"))
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting evolution scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv, err := server.NewServer(deps.store, writer, retriever, deps.repo,
		logger.Named("http"), &server.Config{
			Port:            cfg.Server.Port,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	logger.Info("recalld starting",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
	)
	return srv.Start(ctx)
}

func runEvolve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	result, err := deps.evolver.Run(ctx)
	if err != nil {
		return fmt.Errorf("evolution run: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))

	if !result.Succeeded() {
		return fmt.Errorf("evolution run completed with failed phases")
	}
	return nil
}

// deps holds the wired storage and pipeline components shared by serve and
// evolve.
type deps struct {
	db       *sql.DB
	index    vectorstore.Index
	provider embeddings.Provider
	audit    evolve.AuditPublisher
	store    *episode.Store
	repo     *strategy.Repository
	evolver  *evolve.Evolver
}

func (d *deps) close() {
	_ = d.audit.Close()
	_ = d.provider.Close()
	_ = d.index.Close()
	_ = d.db.Close()
}

// wire builds the shared dependency graph: SQLite row store, vector index,
// embedding provider behind a circuit breaker, and the evolution pipeline.
func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*deps, error) {
	svc, err := embeddings.NewService(embeddings.Config{
		BaseURL:   cfg.Embeddings.BaseURL,
		Model:     cfg.Embeddings.Model,
		Dimension: cfg.VectorStore.VectorSize,
		Timeout:   cfg.Embeddings.Timeout,
		RateLimit: cfg.Embeddings.RateLimit,
	}, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}
	provider := embeddings.NewBreakerProvider(svc, embeddings.NewCircuitBreaker(
		int32(cfg.Embeddings.BreakerThreshold), cfg.Embeddings.BreakerCooldown))

	index, err := vectorstore.New(cfg.VectorStore, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}

	db, err := storage.Open(cfg.Store.Path)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	store := episode.NewStore(db, index, logger.Named("episodes"))
	repo := strategy.NewRepository(db, logger.Named("strategies"))
	lock := evolve.NewAdvisoryLock(db, logger.Named("lock"))
	for _, migrate := range []func(context.Context) error{
		store.Migrate, repo.Migrate, lock.Migrate,
	} {
		if err := migrate(ctx); err != nil {
			_ = index.Close()
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	var audit evolve.AuditPublisher = evolve.NopPublisher{}
	if cfg.Audit.NATSURL != "" {
		audit, err = evolve.NewNATSPublisher(cfg.Audit.NATSURL, cfg.Audit.Subject, logger.Named("audit"))
		if err != nil {
			_ = index.Close()
			_ = db.Close()
			return nil, fmt.Errorf("connecting audit publisher: %w", err)
		}
	}

	evolver := evolve.NewEvolver(store, repo, lock, audit, evolve.Policy{
		Damping:          cfg.Evolve.Damping,
		DeprecationFloor: cfg.Evolve.DeprecationFloor,
		SuccessRateFloor: cfg.Evolve.SuccessRateFloor,
		PromotionCeiling: cfg.Evolve.PromotionCeiling,
		TrailingWindow:   cfg.Evolve.TrailingWindow,
		Alpha:            cfg.Evolve.SignificanceAlpha,
		WidenMargin:      cfg.Evolve.WidenMargin,
		MinSupport:       cfg.Evolve.MinSupport,
		MinQuality:       cfg.Evolve.MinQuality,
		MinSamples:       cfg.Evolve.MinSampleCount,
	}, cfg.Evolve.LockTTL, logger.Named("evolver"))

	return &deps{
		db:       db,
		index:    index,
		provider: provider,
		audit:    audit,
		store:    store,
		repo:     repo,
		evolver:  evolver,
	}, nil
}
