package files

import (
	"context"
	"fmt"
	"io"
)

// Entry describes one stored blob inside a namespace.
type Entry struct {
	// Name is the blob's path relative to its namespace root, using forward
	// slashes.
	Name string
	Size int64
}

// FileStorage defines the interface for blob storage backends. Blobs are
// grouped under flat namespace strings (conversation and assistant IDs); a
// namespace that has never been written to behaves as empty.
type FileStorage interface {
	// Write stores a blob under the namespace, replacing any existing blob
	// with the same name.
	Write(ctx context.Context, namespace, name string, data io.Reader) (int64, error)
	// Open returns a reader for the named blob.
	Open(ctx context.Context, namespace, name string) (io.ReadCloser, error)
	// Walk calls fn for every blob in the namespace in lexical name order.
	// A missing namespace yields zero calls, not an error.
	Walk(ctx context.Context, namespace string, fn func(e Entry, r io.Reader) error) error
	// CopyNamespace copies every blob from one namespace to another.
	CopyNamespace(ctx context.Context, srcNamespace, dstNamespace string) error
	// DeleteNamespace removes the namespace and everything under it.
	// Deleting a missing namespace is a no-op.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Loader creates a FileStorage from config.
type Loader func(ctx context.Context) (FileStorage, error)

// Plugin represents a file storage plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a file storage plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered file storage plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named file storage plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown file storage %q; valid: %v", name, Names())
}
