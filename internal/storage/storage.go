// Package storage defines the provider interface sync publishes through,
// plus a small plugin registry so providers self-register from init.
//
// Providers only ever see ciphertext. The two primitives are immutable
// content-addressed blobs and mutable named pointers; everything else in
// sync is built from those.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned for unknown addresses and unpublished pointers.
var ErrNotFound = errors.New("storage: not found")

// Provider is a remote blob store. Implementations must be safe for
// concurrent use; sync pulls from many peers at once.
type Provider interface {
	// Upload stores immutable content under its content address.
	// Uploading the same address twice is a no-op.
	Upload(ctx context.Context, address string, data []byte) error
	// Fetch returns the content stored at address.
	Fetch(ctx context.Context, address string) ([]byte, error)
	// Publish points name at address, replacing any previous target.
	Publish(ctx context.Context, name string, address string) error
	// Resolve returns the address name currently points at.
	Resolve(ctx context.Context, name string) (string, error)
}

// Loader creates a Provider from configuration.
type Loader func(ctx context.Context) (Provider, error)

// Plugin is one registered storage backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a storage plugin. Called from provider init functions.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named provider.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown storage provider %q; valid: %v", name, Names())
}

// Open selects and loads the named provider in one step.
func Open(ctx context.Context, name string) (Provider, error) {
	loader, err := Select(name)
	if err != nil {
		return nil, err
	}
	return loader(ctx)
}
