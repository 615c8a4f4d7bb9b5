package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
)

// CreateFile records a durable media blob.
func (s *Store) CreateFile(ctx context.Context, input CreateFileInput) (File, error) {
	pgOrgID, err := dbpkg.ParseUUID(input.OrgID)
	if err != nil {
		return File{}, fmt.Errorf("invalid org id: %w", err)
	}
	var pgMessageID pgtype.UUID
	if input.MessageID != "" {
		pgMessageID, err = dbpkg.ParseUUID(input.MessageID)
		if err != nil {
			return File{}, fmt.Errorf("invalid message id: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO files (org_id, message_id, url, mime_type, file_name, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, org_id, message_id, url, mime_type, file_name, size_bytes, created_at`,
		pgOrgID, pgMessageID, input.URL, toText(input.MimeType), toText(input.FileName), input.SizeBytes)
	return scanFile(row)
}

func scanFile(row rowScanner) (File, error) {
	var (
		id, orgID, messageID pgtype.UUID
		url                  string
		mimeType, fileName   pgtype.Text
		sizeBytes            int64
		createdAt            pgtype.Timestamptz
	)
	err := row.Scan(&id, &orgID, &messageID, &url, &mimeType, &fileName, &sizeBytes, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, err
	}
	return File{
		ID:        dbpkg.UUIDToString(id),
		OrgID:     dbpkg.UUIDToString(orgID),
		MessageID: dbpkg.UUIDToString(messageID),
		URL:       url,
		MimeType:  dbpkg.TextToString(mimeType),
		FileName:  dbpkg.TextToString(fileName),
		SizeBytes: sizeBytes,
		CreatedAt: dbpkg.TimeFromPg(createdAt),
	}, nil
}
