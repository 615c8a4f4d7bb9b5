package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
)

const chatColumns = `id, org_id, channel_id, customer_id, external_id, status, team_id,
	last_message_id, last_message_at, last_customer_message_at, unread_count, is_first_message, created_at`

// FindActiveChat returns the most recently created open chat for a
// (channel, external id) pair. External id matching is exact: the raw
// provider value is stored verbatim at creation.
func (s *Store) FindActiveChat(ctx context.Context, channelID, externalID string) (Chat, error) {
	pgChannelID, err := dbpkg.ParseUUID(channelID)
	if err != nil {
		return Chat{}, fmt.Errorf("invalid channel id: %w", err)
	}
	statuses := make([]string, 0, len(OpenChatStatuses))
	for _, st := range OpenChatStatuses {
		statuses = append(statuses, string(st))
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE channel_id = $1 AND external_id = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`,
		pgChannelID, externalID, statuses)
	return scanChat(row)
}

// GetChat loads one chat by id.
func (s *Store) GetChat(ctx context.Context, id string) (Chat, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Chat{}, fmt.Errorf("invalid chat id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, pgID)
	return scanChat(row)
}

// CreateChat inserts a new chat.
func (s *Store) CreateChat(ctx context.Context, input CreateChatInput) (Chat, error) {
	pgOrgID, err := dbpkg.ParseUUID(input.OrgID)
	if err != nil {
		return Chat{}, fmt.Errorf("invalid org id: %w", err)
	}
	pgChannelID, err := dbpkg.ParseUUID(input.ChannelID)
	if err != nil {
		return Chat{}, fmt.Errorf("invalid channel id: %w", err)
	}
	pgCustomerID, err := dbpkg.ParseUUID(input.CustomerID)
	if err != nil {
		return Chat{}, fmt.Errorf("invalid customer id: %w", err)
	}
	var pgTeamID pgtype.UUID
	if input.TeamID != "" {
		pgTeamID, err = dbpkg.ParseUUID(input.TeamID)
		if err != nil {
			return Chat{}, fmt.Errorf("invalid team id: %w", err)
		}
	}
	status := input.Status
	if status == "" {
		status = ChatPending
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chats (org_id, channel_id, customer_id, external_id, status, team_id, is_first_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+chatColumns,
		pgOrgID, pgChannelID, pgCustomerID, input.ExternalID, string(status), pgTeamID, input.IsFirstMessage)
	return scanChat(row)
}

// TouchChatOnMessage updates the chat's last-message pointer and activity
// timestamps; customer messages also bump the unread counter.
func (s *Store) TouchChatOnMessage(ctx context.Context, chatID, messageID string, at time.Time, fromCustomer bool) error {
	pgChatID, err := dbpkg.ParseUUID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	pgMessageID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	unread := 0
	if fromCustomer {
		unread = 1
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE chats
		SET last_message_id = $2,
		    last_message_at = $3,
		    last_customer_message_at = CASE WHEN $4 > 0 THEN $3 ELSE last_customer_message_at END,
		    unread_count = unread_count + $4
		WHERE id = $1`,
		pgChatID, pgMessageID, dbpkg.ToPgTime(at), unread)
	return err
}

// ClearChatFirstMessage resets the first-message flag after the first
// inbound message has been processed.
func (s *Store) ClearChatFirstMessage(ctx context.Context, chatID string) error {
	pgChatID, err := dbpkg.ParseUUID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE chats SET is_first_message = FALSE WHERE id = $1`, pgChatID)
	return err
}

func scanChat(row rowScanner) (Chat, error) {
	var (
		id, orgID, channelID, customerID      pgtype.UUID
		externalID, status                    string
		teamID, lastMessageID                 pgtype.UUID
		lastMessageAt, lastCustomerMessageAt  pgtype.Timestamptz
		unreadCount                           int32
		isFirstMessage                        bool
		createdAt                             pgtype.Timestamptz
	)
	err := row.Scan(&id, &orgID, &channelID, &customerID, &externalID, &status, &teamID,
		&lastMessageID, &lastMessageAt, &lastCustomerMessageAt, &unreadCount, &isFirstMessage, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	return Chat{
		ID:                    dbpkg.UUIDToString(id),
		OrgID:                 dbpkg.UUIDToString(orgID),
		ChannelID:             dbpkg.UUIDToString(channelID),
		CustomerID:            dbpkg.UUIDToString(customerID),
		ExternalID:            externalID,
		Status:                ChatStatus(status),
		TeamID:                dbpkg.UUIDToString(teamID),
		LastMessageID:         dbpkg.UUIDToString(lastMessageID),
		LastMessageAt:         dbpkg.TimeFromPg(lastMessageAt),
		LastCustomerMessageAt: dbpkg.TimeFromPg(lastCustomerMessageAt),
		UnreadCount:           unreadCount,
		IsFirstMessage:        isFirstMessage,
		CreatedAt:             dbpkg.TimeFromPg(createdAt),
	}, nil
}
