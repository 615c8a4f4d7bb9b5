// Package media downloads or decodes message media and persists it as
// content-addressed blobs.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/storage"
	"github.com/loopdesk/loopdesk/internal/store"
)

// maxBlobBytes caps a single media download.
const maxBlobBytes = 64 << 20

// FileStore records stored blobs.
type FileStore interface {
	CreateFile(ctx context.Context, input store.CreateFileInput) (store.File, error)
}

// Service resolves inbound media references into durable attachments.
type Service struct {
	provider storage.Provider
	files    FileStore
	client   *http.Client
	logger   *slog.Logger
}

// New creates a media Service.
func New(log *slog.Logger, provider storage.Provider, files FileStore) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		provider: provider,
		files:    files,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log.With(slog.String("service", "media")),
	}
}

// Resolve turns the media reference inside content into a stored attachment.
// Content without media resolves to ok=false.
func (s *Service) Resolve(ctx context.Context, orgID string, content channel.Content) (channel.Attachment, bool, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case content.MediaBase64 != "":
		data, err = decodeBase64(content.MediaBase64)
		if err != nil {
			return channel.Attachment{}, false, fmt.Errorf("decode media payload: %w", err)
		}
	case content.MediaURL != "":
		data, err = s.fetch(ctx, content.MediaURL)
		if err != nil {
			return channel.Attachment{}, false, fmt.Errorf("fetch media: %w", err)
		}
	default:
		return channel.Attachment{}, false, nil
	}

	sum := sha256.Sum256(data)
	key := orgID + "/" + hex.EncodeToString(sum[:]) + extensionFor(content.MimeType)

	url, err := s.provider.Put(ctx, key, content.MimeType, bytes.NewReader(data))
	if err != nil {
		return channel.Attachment{}, false, fmt.Errorf("store media: %w", err)
	}

	file, err := s.files.CreateFile(ctx, store.CreateFileInput{
		OrgID:     orgID,
		URL:       url,
		MimeType:  content.MimeType,
		FileName:  content.FileName,
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		return channel.Attachment{}, false, fmt.Errorf("record media file: %w", err)
	}

	s.logger.Debug("media stored",
		slog.String("file_id", file.ID),
		slog.Int("size_bytes", len(data)))

	return channel.Attachment{
		URL:      url,
		MimeType: content.MimeType,
		FileName: content.FileName,
		FileID:   file.ID,
	}, true, nil
}

func (s *Service) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected media response status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBlobBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxBlobBytes)
	}
	return data, nil
}

// decodeBase64 accepts both bare base64 payloads and data: URIs.
func decodeBase64(payload string) ([]byte, error) {
	if idx := strings.Index(payload, ";base64,"); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "":
		return ".bin"
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
