package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
	"github.com/loopdesk/loopdesk/internal/channel"
)

const messageColumns = `id, chat_id, org_id, external_id, content, message_type, sender_type,
	system_sent, status, error_message, metadata, attachments, created_at, updated_at`

// InsertMessage persists a new message row.
func (s *Store) InsertMessage(ctx context.Context, input InsertMessageInput) (Message, error) {
	pgChatID, err := dbpkg.ParseUUID(input.ChatID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid chat id: %w", err)
	}
	pgOrgID, err := dbpkg.ParseUUID(input.OrgID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid org id: %w", err)
	}
	metadata, err := marshalMap(input.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message metadata: %w", err)
	}
	attachments, err := marshalAttachments(input.Attachments)
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (chat_id, org_id, external_id, content, message_type, sender_type,
			system_sent, status, error_message, metadata, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+messageColumns,
		pgChatID, pgOrgID, toText(input.ExternalID), input.Content, string(input.Type),
		string(input.SenderType), input.SystemSent, string(input.Status),
		toText(input.ErrorMessage), metadata, attachments)
	return scanMessage(row)
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Message{}, fmt.Errorf("invalid message id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID)
	return scanMessage(row)
}

// GetMessageByExternalID finds a message by its provider-assigned id within
// an organization.
func (s *Store) GetMessageByExternalID(ctx context.Context, orgID, externalID string) (Message, error) {
	if externalID == "" {
		return Message{}, ErrNotFound
	}
	pgOrgID, err := dbpkg.ParseUUID(orgID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid org id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE org_id = $1 AND external_id = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		pgOrgID, externalID)
	return scanMessage(row)
}

// ListRecentAgentMessages returns the most recent agent-sent messages of a
// chat, newest first. Used as the bounded fallback scan for status events
// whose provider id was never recorded.
func (s *Store) ListRecentAgentMessages(ctx context.Context, chatID string, limit int32) ([]Message, error) {
	pgChatID, err := dbpkg.ParseUUID(chatID)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1 AND sender_type = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		pgChatID, string(SenderAgent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListRecentSystemMessages returns the most recent system-originated
// outbound messages on a channel, newest first. This is the circuit-breaker
// sample window.
func (s *Store) ListRecentSystemMessages(ctx context.Context, channelID string, limit int32) ([]Message, error) {
	pgChannelID, err := dbpkg.ParseUUID(channelID)
	if err != nil {
		return nil, fmt.Errorf("invalid channel id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messagePrefixedColumns(`m`)+`
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.channel_id = $1 AND m.sender_type = $2 AND m.system_sent
		ORDER BY m.created_at DESC
		LIMIT $3`,
		pgChannelID, string(SenderAgent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// UpdateMessageDelivery applies one merged delivery-state write: status,
// optional error message, optional external id, and replacement metadata.
func (s *Store) UpdateMessageDelivery(ctx context.Context, input UpdateDeliveryInput) (Message, error) {
	pgID, err := dbpkg.ParseUUID(input.ID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid message id: %w", err)
	}
	var metadata []byte
	if input.Metadata != nil {
		metadata, err = marshalMap(input.Metadata)
		if err != nil {
			return Message{}, fmt.Errorf("marshal message metadata: %w", err)
		}
	}
	var errMsg pgtype.Text
	setError := input.ErrorMessage != nil
	if setError {
		errMsg = toText(*input.ErrorMessage)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = $2,
		    error_message = CASE WHEN $3 THEN $4 ELSE error_message END,
		    external_id = COALESCE(NULLIF($5, ''), external_id),
		    metadata = COALESCE($6, metadata),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+messageColumns,
		pgID, string(input.Status), setError, errMsg, input.ExternalID, metadata)
	return scanMessage(row)
}

// ListStalledOutbound returns system-sent messages stuck in pending/retry
// older than the cutoff. The sweeper requeues them after a restart.
func (s *Store) ListStalledOutbound(ctx context.Context, olderThan pgtype.Timestamptz, limit int32) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE sender_type = $1 AND system_sent AND status = ANY($2) AND updated_at < $3
		ORDER BY created_at ASC
		LIMIT $4`,
		string(SenderAgent),
		[]string{string(channel.StatusPending), string(channel.StatusRetry)},
		olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func messagePrefixedColumns(alias string) string {
	return alias + `.id, ` + alias + `.chat_id, ` + alias + `.org_id, ` + alias + `.external_id, ` +
		alias + `.content, ` + alias + `.message_type, ` + alias + `.sender_type, ` + alias + `.system_sent, ` +
		alias + `.status, ` + alias + `.error_message, ` + alias + `.metadata, ` + alias + `.attachments, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		id, chatID, orgID         pgtype.UUID
		externalID, errorMessage  pgtype.Text
		content                   string
		messageType, senderType   string
		systemSent                bool
		status                    string
		metadata, attachments     []byte
		createdAt, updatedAt      pgtype.Timestamptz
	)
	err := row.Scan(&id, &chatID, &orgID, &externalID, &content, &messageType, &senderType,
		&systemSent, &status, &errorMessage, &metadata, &attachments, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:           dbpkg.UUIDToString(id),
		ChatID:       dbpkg.UUIDToString(chatID),
		OrgID:        dbpkg.UUIDToString(orgID),
		ExternalID:   dbpkg.TextToString(externalID),
		Content:      content,
		Type:         channel.MessageType(messageType),
		SenderType:   SenderType(senderType),
		SystemSent:   systemSent,
		Status:       channel.MessageStatus(status),
		ErrorMessage: dbpkg.TextToString(errorMessage),
		Metadata:     unmarshalMap(metadata),
		Attachments:  unmarshalAttachments(attachments),
		CreatedAt:    dbpkg.TimeFromPg(createdAt),
		UpdatedAt:    dbpkg.TimeFromPg(updatedAt),
	}, nil
}
