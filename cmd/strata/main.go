// Command strata runs the ledger server: commit, query, projection, and
// stream APIs over a hash-chained append-only store.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratalabs/strata/pkg/api"
	"github.com/stratalabs/strata/pkg/audit"
	"github.com/stratalabs/strata/pkg/config"
	"github.com/stratalabs/strata/pkg/crypto"
	"github.com/stratalabs/strata/pkg/ledger"
	"github.com/stratalabs/strata/pkg/membrane"
	"github.com/stratalabs/strata/pkg/policy"
	"github.com/stratalabs/strata/pkg/projection"
	"github.com/stratalabs/strata/pkg/stream"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("strata: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := policy.NewRegistry()
	if cfg.RulePackPath != "" {
		pack, err := policy.LoadPackFile(cfg.RulePackPath)
		if err != nil {
			return err
		}
		if err := pack.Install(registry); err != nil {
			return err
		}
		logger.Info("rule pack installed", "name", pack.Name, "rules", len(pack.Rules))
	}

	ring := crypto.NewKeyring()
	for _, key := range cfg.PactSigners {
		ring.Add(key)
	}

	permits, err := membrane.NewPermitIssuer(
		[]byte(cfg.PermitSigningKey),
		membrane.WithTTL(cfg.PermitTTL),
	)
	if err != nil {
		return err
	}

	mem := membrane.New(membrane.Config{
		Policies:   registry,
		Pacts:      ring,
		PactQuorum: cfg.PactQuorum,
		Permits:    permits,
		Reader:     store,
		Logger:     logger,
	})

	engine := ledger.NewEngine(store, mem,
		ledger.WithLockTimeout(cfg.LockTimeout),
		ledger.WithLogger(logger),
	)
	defer engine.Stop()

	hub := stream.NewHub(store,
		stream.WithReplayBound(cfg.ReplayBound),
		stream.WithKeepAliveInterval(cfg.KeepAliveInterval),
		stream.WithHubLogger(logger),
	)
	engine.Subscribe(hub.Notify)
	engine.Subscribe(audit.NewTrail().Notify)

	timeline := projection.NewTimelineProjection()
	jobs := projection.NewJobsProjection()
	presence := projection.NewPresenceProjection()
	projEngine := projection.NewEngine(store, logger)
	projEngine.Register(timeline)
	projEngine.Register(jobs)
	projEngine.Register(presence)
	if err := projEngine.Rebuild(ctx); err != nil {
		return err
	}
	engine.Subscribe(projEngine.Notify)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()

		publisher := stream.NewPublisher(client, "", logger)
		engine.Subscribe(publisher.Notify)

		relay := stream.NewRelay(client, "", store, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("fanout relay stopped", "error", err)
			}
		}()
		logger.Info("redis fanout enabled")
	}

	server := api.NewServer(api.ServerConfig{
		Engine: engine,
		Store:  store,
		Hub:    hub,
		Projections: api.ProjectionSet{
			Engine:   projEngine,
			Timeline: timeline,
			Jobs:     jobs,
			Presence: presence,
		},
		Permits: permits,
		Limiter: api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore selects the backing store from the DSN: "memory" for an
// in-process store, otherwise a SQL DSN handled by ledger.OpenDB.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "memory" {
		return ledger.NewMemoryStore(), func() {}, nil
	}
	db, dialect, err := ledger.OpenDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := ledger.NewSQLStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
