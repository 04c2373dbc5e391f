package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/auth"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/db"
	"github.com/vasiliy-maslov/autoverify/internal/lock"
	"github.com/vasiliy-maslov/autoverify/internal/metrics"
	"github.com/vasiliy-maslov/autoverify/internal/notify"
	"github.com/vasiliy-maslov/autoverify/internal/order"
	"github.com/vasiliy-maslov/autoverify/internal/redemption"
	"github.com/vasiliy-maslov/autoverify/internal/scheduler"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
)

// app is the composition root shared by every command.
type app struct {
	cfg        *config.Config
	db         *db.DB
	redis      *redis.Client
	client     upstream.Client
	notifier   notify.Notifier
	auth       auth.Service
	operator   *auth.Operator
	orders     order.Service
	redemption redemption.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	metrics.Register()

	d, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = d

	var (
		orderRepo order.Repository
		authRepo  auth.Repository
	)
	if d == nil {
		log.Warn().Msg("app: using in-memory store, data is lost on exit")
		orderRepo = order.NewMemoryRepository()
		authRepo = auth.NewMemoryRepository()
	} else {
		if err := db.Migrate(d); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		orderRepo = order.NewRepository(d.DB)
		authRepo = auth.NewRepository(d.DB)
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.URL != "" {
		rc, err := lock.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		a.redis = rc
		locker = lock.NewRedisLocker(rc, cfg.Redis.LockTTL)
		log.Info().Msg("app: using redis order locks")
	}

	if cfg.App.TestMode {
		log.Warn().Int("orders", cfg.Synthetic.OrderCount).Msg("app: test mode, using synthetic upstream")
		synthetic := upstream.NewSyntheticClient(cfg.Synthetic)
		a.client = synthetic
		a.auth = auth.NewService(authRepo, synthetic, cfg.Upstream)
	} else {
		// The token client signs with the configured token only; it is never used for
		// order traffic.
		tokenClient := upstream.NewSignedClient(cfg.Upstream, nil)
		a.auth = auth.NewService(authRepo, tokenClient, cfg.Upstream)
		a.client = upstream.NewSignedClient(cfg.Upstream, a.auth)
	}

	a.notifier = notify.New(cfg.Notification)
	a.operator = auth.NewOperator(cfg.Auth)
	a.orders = order.NewService(orderRepo, a.client, locker, cfg.Order, nil)
	a.redemption = redemption.NewService(orderRepo, a.client, locker, a.notifier, cfg.Order.AutoVerifyLimit)
	return a, nil
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.cfg.Scheduler, scheduler.Jobs{
		Monitor:   a.orders,
		Verifier:  a.redemption,
		Refresher: a.auth,
		Stats:     a.orders,
	}, a.notifier)
}

func (a *app) Close() {
	if a.notifier != nil {
		notify.Close(a.notifier)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("app: failed to close redis client")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
