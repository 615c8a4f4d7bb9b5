package main

import (
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/loopdesk/loopdesk/cmd/server/modules"
)

func main() {
	fx.New(
		modules.InfraModule,
		modules.ChannelModule,
		modules.PipelineModule,
		modules.DeliveryModule,
		modules.ServerModule,
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}
