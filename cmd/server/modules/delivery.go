package modules

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/crypto"
	"github.com/loopdesk/loopdesk/internal/delivery"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/store"
)

var DeliveryModule = fx.Module(
	"delivery",
	fx.Provide(
		delivery.NewScheduler,
		provideBreaker,
		provideEngine,
		provideSweeper,
	),
	fx.Invoke(startDelivery),
)

func provideBreaker(log *slog.Logger, st *store.Store, publisher *notify.Publisher) *delivery.Breaker {
	return delivery.NewBreaker(log, st, publisher)
}

func provideEngine(log *slog.Logger, st *store.Store, registry *channel.Registry, box *crypto.Box,
	breaker *delivery.Breaker, scheduler *delivery.Scheduler, publisher *notify.Publisher, cfg config.Config) *delivery.Engine {
	return delivery.NewEngine(log, st, registry, box, breaker, scheduler, publisher, cfg.Delivery)
}

func provideSweeper(log *slog.Logger, st *store.Store, engine *delivery.Engine, cfg config.Config) *delivery.Sweeper {
	return delivery.NewSweeper(log, st, engine, cfg.Delivery)
}

func startDelivery(lc fx.Lifecycle, engine *delivery.Engine, sweeper *delivery.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			engine.Close()
			return nil
		},
	})
}
