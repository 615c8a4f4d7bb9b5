package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
	"github.com/loopdesk/loopdesk/internal/channel"
)

const channelColumns = `id, org_id, channel_type, credentials, settings, is_connected, is_tested, status, created_at, updated_at`

// GetChannel loads one channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid channel id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, pgID)
	return scanChannel(row)
}

// DisconnectChannel merges the failure reason into the channel settings and
// marks it disconnected and untested. This is a one-way trip; reconnection is
// an operator action.
func (s *Store) DisconnectChannel(ctx context.Context, id, reason string, at time.Time) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET settings = settings || jsonb_build_object('last_error', $2::text, 'last_error_at', $3::text),
		    is_connected = FALSE,
		    is_tested = FALSE,
		    updated_at = now()
		WHERE id = $1`,
		pgID, reason, at.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReconnectChannel clears the disconnected state after an operator action.
func (s *Store) ReconnectChannel(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET settings = settings - 'last_error' - 'last_error_at',
		    is_connected = TRUE,
		    updated_at = now()
		WHERE id = $1`, pgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (Channel, error) {
	var (
		id, orgID            pgtype.UUID
		channelType, status  string
		credentials          pgtype.Text
		settings             []byte
		isConnected          bool
		isTested             bool
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &orgID, &channelType, &credentials, &settings, &isConnected, &isTested, &status, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	return Channel{
		ID:          dbpkg.UUIDToString(id),
		OrgID:       dbpkg.UUIDToString(orgID),
		Type:        channel.Type(channelType),
		Credentials: dbpkg.TextToString(credentials),
		Settings:    unmarshalMap(settings),
		IsConnected: isConnected,
		IsTested:    isTested,
		Status:      status,
		CreatedAt:   dbpkg.TimeFromPg(createdAt),
		UpdatedAt:   dbpkg.TimeFromPg(updatedAt),
	}, nil
}
