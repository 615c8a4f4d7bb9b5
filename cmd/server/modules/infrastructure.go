package modules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	dbassets "github.com/loopdesk/loopdesk/db"
	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/crypto"
	"github.com/loopdesk/loopdesk/internal/db"
	"github.com/loopdesk/loopdesk/internal/logger"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/storage"
	"github.com/loopdesk/loopdesk/internal/store"
)

var InfraModule = fx.Module(
	"infra",
	fx.Provide(
		provideConfig,
		provideLogger,
		provideDBConn,
		provideCryptoBox,
		providePublisher,
		provideStorage,
		store.New,
	),
	fx.Invoke(runMigrations),
)

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func runMigrations(log *slog.Logger, cfg config.Config) error {
	migrations, err := fs.Sub(dbassets.MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	if err := db.RunMigrate(log, cfg.Postgres, migrations, "up"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func provideCryptoBox(cfg config.Config) (*crypto.Box, error) {
	box, err := crypto.NewBox(cfg.Crypto.Key)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	return box, nil
}

func providePublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *notify.Publisher {
	publisher := notify.New(log, cfg.AMQP)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return publisher.Connect()
		},
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}

func provideStorage(cfg config.Config) (*storage.Local, error) {
	local, err := storage.NewLocal(cfg.Storage.MediaRoot, cfg.Storage.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("media storage: %w", err)
	}
	return local, nil
}
