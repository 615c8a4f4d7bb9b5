package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeBlobProvider struct {
	blobs map[string]string
}

func (f *fakeBlobProvider) Put(_ context.Context, key, _ string, r io.Reader) (string, error) {
	data, _ := io.ReadAll(r)
	f.blobs[key] = string(data)
	return "/media/" + key, nil
}

func (f *fakeBlobProvider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	blob, ok := f.blobs[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(blob)), nil
}

func TestServeMedia(t *testing.T) {
	provider := &fakeBlobProvider{blobs: map[string]string{
		"org-1/abc.jpg": "jpeg bytes",
	}}
	e := echo.New()
	NewMediaHandler(slog.Default(), provider).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/media/org-1/abc.jpg", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "jpeg bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "image/jpeg") {
		t.Errorf("content type = %q, want image/jpeg", ct)
	}
}

func TestServeMediaMissing(t *testing.T) {
	e := echo.New()
	NewMediaHandler(slog.Default(), &fakeBlobProvider{blobs: map[string]string{}}).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/media/org-1/missing.bin", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
