package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/delivery"
	"github.com/loopdesk/loopdesk/internal/handlers"
	"github.com/loopdesk/loopdesk/internal/ingest"
	"github.com/loopdesk/loopdesk/internal/server"
	"github.com/loopdesk/loopdesk/internal/storage"
	"github.com/loopdesk/loopdesk/internal/store"
)

var ServerModule = fx.Module(
	"server",
	fx.Provide(
		provideServerHandler(handlers.NewPingHandler),
		provideServerHandler(provideWebhookHandler),
		provideServerHandler(provideMessageHandler),
		provideServerHandler(provideChannelHandler),
		provideServerHandler(provideMediaHandler),
		provideServer,
	),
	fx.Invoke(startServer),
)

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideWebhookHandler(log *slog.Logger, st *store.Store, registry *channel.Registry, pipeline *ingest.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, st, registry, pipeline)
}

func provideMessageHandler(log *slog.Logger, st *store.Store, engine *delivery.Engine) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, st, engine)
}

func provideChannelHandler(log *slog.Logger, st *store.Store) *handlers.ChannelHandler {
	return handlers.NewChannelHandler(log, st)
}

func provideMediaHandler(log *slog.Logger, local *storage.Local) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, local)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
