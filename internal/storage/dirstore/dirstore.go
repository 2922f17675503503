// Package dirstore stores sync content in a shared directory, typically a
// mounted network folder (Syncthing, NFS, Dropbox). It is the default
// provider.
package dirstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maren/divvy/internal/storage"
	"github.com/maren/divvy/internal/syncconfig"
)

func init() {
	storage.Register(storage.Plugin{
		Name: "dir",
		Loader: func(ctx context.Context) (storage.Provider, error) {
			path := syncconfig.GetStorageDirPath()
			if path == "" {
				return nil, fmt.Errorf("dirstore: storage dir not configured (set DIVVY_STORAGE_DIR or storage.dir.path)")
			}
			return New(path)
		},
	})
}

// Store lays content out as content/<aa>/<address> and pointers as
// ptr/<name>. Pointer updates go through a temp file and rename so a
// reader never sees a half-written address.
type Store struct {
	root string
}

// New creates the store directories under root.
func New(root string) (*Store, error) {
	for _, sub := range []string{"content", "ptr"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("dirstore: create %s: %w", sub, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) contentPath(address string) string {
	shard := "00"
	if len(address) >= 2 {
		shard = address[:2]
	}
	return filepath.Join(s.root, "content", shard, address)
}

func (s *Store) ptrPath(name string) string {
	return filepath.Join(s.root, "ptr", name)
}

// Upload writes the blob unless it already exists. Content is immutable,
// so an existing file with the same address is already correct.
func (s *Store) Upload(ctx context.Context, address string, data []byte) error {
	path := s.contentPath(address)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("dirstore: create shard: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("dirstore: write content: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("dirstore: finalize content: %w", err)
	}
	return nil
}

// Fetch reads the blob at address.
func (s *Store) Fetch(ctx context.Context, address string) ([]byte, error) {
	data, err := os.ReadFile(s.contentPath(address))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("fetch %s: %w", address, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dirstore: fetch %s: %w", address, err)
	}
	return data, nil
}

// Publish atomically points name at address.
func (s *Store) Publish(ctx context.Context, name, address string) error {
	path := s.ptrPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(address+"\n"), 0644); err != nil {
		return fmt.Errorf("dirstore: write pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("dirstore: finalize pointer: %w", err)
	}
	return nil
}

// Resolve returns the address name points at.
func (s *Store) Resolve(ctx context.Context, name string) (string, error) {
	data, err := os.ReadFile(s.ptrPath(name))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("resolve %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("dirstore: resolve %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

var _ storage.Provider = (*Store)(nil)
