package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/robfig/cron/v3"

	"github.com/loopdesk/loopdesk/internal/config"
	dbpkg "github.com/loopdesk/loopdesk/internal/db"
	"github.com/loopdesk/loopdesk/internal/store"
)

// sweepBatch caps how many stalled messages one sweep requeues.
const sweepBatch = 100

// SweeperStore is the persistence surface the sweeper needs.
type SweeperStore interface {
	ListStalledOutbound(ctx context.Context, olderThan pgtype.Timestamptz, limit int32) ([]store.Message, error)
}

// Sweeper periodically requeues outbound messages stuck in pending or retry.
// A crash between persisting a message and delivering it would otherwise
// strand it forever.
type Sweeper struct {
	store  SweeperStore
	engine *Engine
	cron   *cron.Cron
	every  time.Duration
	logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(log *slog.Logger, st SweeperStore, engine *Engine, cfg config.DeliveryConfig) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	interval := time.Duration(cfg.SweepIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:  st,
		engine: engine,
		cron:   cron.New(),
		every:  interval,
		logger: log.With(slog.String("service", "sweeper")),
	}
}

// Start schedules the periodic sweep.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.every), s.Sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep requeues one batch of stalled messages. A message is stalled when it
// has sat in pending or retry longer than the sweep interval, which is far
// beyond any scheduled retry delay.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.every)
	stalled, err := s.store.ListStalledOutbound(ctx, dbpkg.ToPgTime(cutoff), sweepBatch)
	if err != nil {
		s.logger.Error("stalled message scan failed", slog.Any("error", err))
		return
	}
	if len(stalled) == 0 {
		return
	}
	s.logger.Info("requeueing stalled messages", slog.Int("count", len(stalled)))
	for _, msg := range stalled {
		s.engine.Enqueue(msg.ID, msg.ChatID)
	}
}
