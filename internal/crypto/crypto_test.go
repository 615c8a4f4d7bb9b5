package crypto

import (
	"strings"
	"testing"
)

const testKey = "8a4f9c1d2e3b4a5f6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := box.Seal([]byte(`{"token":"secret"}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "secret") {
		t.Fatal("sealed payload leaks plaintext")
	}
	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != `{"token":"secret"}` {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestOpenRejectsTampered(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := box.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := "A" + sealed[1:]
	if _, err := box.Open(tampered); err != ErrDecrypt {
		t.Fatalf("Open(tampered) err = %v, want ErrDecrypt", err)
	}
	if _, err := box.Open("not base64 at all!!"); err != ErrDecrypt {
		t.Fatalf("Open(garbage) err = %v, want ErrDecrypt", err)
	}
}

func TestNewBoxRejectsBadKey(t *testing.T) {
	if _, err := NewBox("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewBox("zz"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
}
