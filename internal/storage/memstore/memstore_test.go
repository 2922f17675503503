package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/maren/divvy/internal/storage"
)

func TestRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Upload(ctx, "addr-1", []byte("blob")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	got, err := s.Fetch(ctx, "addr-1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(got) != "blob" {
		t.Errorf("fetched = %q", got)
	}

	if err := s.Publish(ctx, "dev", "addr-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	addr, err := s.Resolve(ctx, "dev")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if addr != "addr-1" {
		t.Errorf("resolved = %q", addr)
	}
}

func TestNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Fetch(ctx, "none"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("fetch error = %v, want ErrNotFound", err)
	}
	if _, err := s.Resolve(ctx, "none"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("resolve error = %v, want ErrNotFound", err)
	}

	s.Publish(ctx, "dev", "addr-1")
	s.DropPointer("dev")
	if _, err := s.Resolve(ctx, "dev"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("dropped pointer error = %v, want ErrNotFound", err)
	}
}

func TestFailUploads(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.FailUploads = true
	if err := s.Upload(ctx, "addr-1", []byte("b")); err == nil {
		t.Error("upload succeeded with failures enabled")
	}
	if err := s.Publish(ctx, "dev", "addr-1"); err == nil {
		t.Error("publish succeeded with failures enabled")
	}

	s.FailUploads = false
	if err := s.Upload(ctx, "addr-1", []byte("b")); err != nil {
		t.Errorf("upload failed after re-enable: %v", err)
	}
	if s.ContentCount() != 1 {
		t.Errorf("content count = %d, want 1", s.ContentCount())
	}
}

func TestFetchReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.Upload(ctx, "addr-1", []byte("blob"))
	got, _ := s.Fetch(ctx, "addr-1")
	got[0] = 'X'

	again, _ := s.Fetch(ctx, "addr-1")
	if string(again) != "blob" {
		t.Error("caller mutation leaked into store")
	}
}
