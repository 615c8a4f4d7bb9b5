package modules

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/flow"
	"github.com/loopdesk/loopdesk/internal/ingest"
	"github.com/loopdesk/loopdesk/internal/media"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/resolver"
	"github.com/loopdesk/loopdesk/internal/status"
	"github.com/loopdesk/loopdesk/internal/storage"
	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/transcribe"
)

var PipelineModule = fx.Module(
	"pipeline",
	fx.Provide(
		provideResolver,
		provideReconciler,
		provideMediaService,
		provideFlowClient,
		provideTranscribeClient,
		providePipeline,
	),
)

func provideResolver(log *slog.Logger, st *store.Store) *resolver.Resolver {
	return resolver.New(log, st)
}

func provideReconciler(log *slog.Logger, st *store.Store) *status.Reconciler {
	return status.New(log, st)
}

func provideMediaService(log *slog.Logger, local *storage.Local, st *store.Store) *media.Service {
	return media.New(log, local, st)
}

func provideFlowClient(log *slog.Logger, cfg config.Config) *flow.Client {
	return flow.New(log, cfg.Flow)
}

func provideTranscribeClient(log *slog.Logger, cfg config.Config) *transcribe.Client {
	return transcribe.New(log, cfg.Transcribe)
}

func providePipeline(log *slog.Logger, st *store.Store, res *resolver.Resolver, rec *status.Reconciler,
	mediaService *media.Service, transcriber *transcribe.Client, flowClient *flow.Client, publisher *notify.Publisher) *ingest.Pipeline {
	return ingest.New(log, st, res, rec, mediaService, transcriber, flowClient, publisher)
}
