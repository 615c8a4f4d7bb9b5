package storage

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
)

func TestLocalPutThenOpen(t *testing.T) {
	local, err := NewLocal(t.TempDir(), "http://localhost:8080/media")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	url, err := local.Put(context.Background(), "org-1/abc.jpg", "image/jpeg", strings.NewReader("jpeg bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "http://localhost:8080/media/org-1/abc.jpg" {
		t.Errorf("url = %q", url)
	}

	blob, err := local.Open(context.Background(), "org-1/abc.jpg")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer blob.Close()
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestLocalPutOverwritesAtomically(t *testing.T) {
	local, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	if _, err := local.Put(ctx, "k.bin", "", strings.NewReader("first")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := local.Put(ctx, "k.bin", "", strings.NewReader("second")); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	blob, err := local.Open(ctx, "k.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer blob.Close()
	data, _ := io.ReadAll(blob)
	if string(data) != "second" {
		t.Errorf("content = %q, want second write", data)
	}
}

func TestLocalKeyCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	local, err := NewLocal(root, "")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if _, err := local.Put(context.Background(), "../escape.txt", "", strings.NewReader("x")); err == nil {
		path, statErr := local.path("../escape.txt")
		if statErr == nil && !strings.HasPrefix(path, root) {
			t.Fatalf("blob escaped storage root: %s", path)
		}
	}
}

func TestLocalOpenMissingKey(t *testing.T) {
	local, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := local.Open(context.Background(), "nope.bin"); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
