package store

import (
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
	"github.com/loopdesk/loopdesk/internal/channel"
)

// Store runs all database reads and writes over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "store")),
	}
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte) map[string]any {
	if len(data) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func marshalAttachments(atts []channel.Attachment) ([]byte, error) {
	if atts == nil {
		atts = []channel.Attachment{}
	}
	return json.Marshal(atts)
}

func unmarshalAttachments(data []byte) []channel.Attachment {
	if len(data) == 0 {
		return nil
	}
	var atts []channel.Attachment
	if err := json.Unmarshal(data, &atts); err != nil {
		return nil
	}
	return atts
}

func toText(value string) pgtype.Text {
	return dbpkg.ToPgText(value)
}
