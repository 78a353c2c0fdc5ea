package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"account-ledger/internal/config"
	"account-ledger/internal/httpapi"
	"account-ledger/internal/ledger"
	"account-ledger/internal/logging"
	"account-ledger/internal/memstore"
	"account-ledger/internal/notify"
	"account-ledger/internal/reward"
	"account-ledger/internal/store"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	start := time.Now()

	cfg, dotenv, err := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Fatal("[startup] invalid configuration", "err", err)
	}
	startup := logger.WithPrefix("startup")
	startup.Info("begin", "addr", cfg.HTTPAddr, "store", cfg.Store, "migrate", cfg.Migrate, "dotenv", dotenv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		startup.Fatal("snowflake node", "node_id", cfg.NodeID, "err", err)
	}

	var (
		st    ledger.Store
		audit ledger.Auditor
		ping  httpapi.Pinger
	)
	switch cfg.Store {
	case config.StoreMemory:
		startup.Warn("using in-memory store, state is lost on exit")
		mem := memstore.New()
		st, audit = mem, mem

	default:
		pool, err := connect(ctx, cfg)
		if err != nil {
			startup.Fatal("db connect failed", "err", err)
		}
		defer pool.Close()

		if cfg.Migrate {
			startup.Info("running migrations")
			migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := store.Migrate(migCtx, pool, logger.WithPrefix("migrate"))
			cancel()
			if err != nil {
				startup.Fatal("migrations failed", "err", err)
			}
		} else {
			startup.Info("migrations disabled")
		}

		pg := store.New(pool)
		st, audit, ping = pg, pg, pg
	}

	g, gctx := errgroup.WithContext(ctx)

	rewardOpts := []reward.Option{reward.WithLogger(logger.WithPrefix("reward"))}
	if cfg.RewardWebhookURL != "" {
		d := notify.NewDispatcher(notify.Config{URL: cfg.RewardWebhookURL}, logger.WithPrefix("notify"))
		rewardOpts = append(rewardOpts, reward.WithPublisher(d))
		g.Go(func() error { return d.Run(gctx) })
		startup.Info("reward webhook enabled", "url", cfg.RewardWebhookURL)
	}
	trigger := reward.New(cfg.RewardStep, rand.NewPCG(rand.Uint64(), rand.Uint64()), rewardOpts...)

	l := ledger.New(st,
		ledger.WithAuditor(audit),
		ledger.WithRewards(trigger),
		ledger.WithLogger(logger.WithPrefix("ledger")),
		ledger.WithNode(node),
	)

	h := httpapi.NewHandlers(l, ping, logger.WithPrefix("http"), cfg.RequestTimeout)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, cfg.MaxInFlight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		startup.Info("ready", "in", time.Since(start).Truncate(time.Millisecond), "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("bye")
}

func connect(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
