package localdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chirino/workbench-service/internal/config"
	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryfiles.Register(registryfiles.Plugin{
		Name: "localdir",
		Loader: func(ctx context.Context) (registryfiles.FileStorage, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.FileStorageDir == "" {
				return nil, fmt.Errorf("localdir: file storage directory is required")
			}
			return New(cfg.FileStorageDir)
		},
	})
}

// New returns a FileStorage rooted at dir, creating it if needed.
func New(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("localdir: create root %q: %w", dir, err)
	}
	return &Storage{root: dir}, nil
}

// Storage stores blobs as files under root/<namespace>/<name>.
type Storage struct {
	root string
}

// resolve maps a namespace+name to a path under the root, rejecting anything
// that would escape it.
func (s *Storage) resolve(namespace, name string) (string, error) {
	nsDir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("localdir: invalid blob name %q", name)
	}
	return filepath.Join(nsDir, clean), nil
}

func (s *Storage) namespaceDir(namespace string) (string, error) {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) || namespace == "." || namespace == ".." {
		return "", fmt.Errorf("localdir: invalid namespace %q", namespace)
	}
	return filepath.Join(s.root, namespace), nil
}

func (s *Storage) Write(ctx context.Context, namespace, name string, data io.Reader) (int64, error) {
	path, err := s.resolve(namespace, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, fmt.Errorf("localdir: create blob dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("localdir: create blob: %w", err)
	}
	n, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("localdir: write blob: %w", err)
	}
	return n, nil
}

func (s *Storage) Open(ctx context.Context, namespace, name string) (io.ReadCloser, error) {
	path, err := s.resolve(namespace, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("localdir: open blob %s/%s: %w", namespace, name, err)
	}
	return f, nil
}

func (s *Storage) Walk(ctx context.Context, namespace string, fn func(e registryfiles.Entry, r io.Reader) error) error {
	nsDir, err := s.namespaceDir(namespace)
	if err != nil {
		return err
	}
	// WalkDir visits entries in lexical order.
	err = filepath.WalkDir(nsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(nsDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return fn(registryfiles.Entry{Name: filepath.ToSlash(rel), Size: info.Size()}, f)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil // missing namespace yields zero entries
	}
	return err
}

func (s *Storage) CopyNamespace(ctx context.Context, srcNamespace, dstNamespace string) error {
	return s.Walk(ctx, srcNamespace, func(e registryfiles.Entry, r io.Reader) error {
		_, err := s.Write(ctx, dstNamespace, e.Name, r)
		return err
	})
}

func (s *Storage) DeleteNamespace(ctx context.Context, namespace string) error {
	nsDir, err := s.namespaceDir(namespace)
	if err != nil {
		return err
	}
	return os.RemoveAll(nsDir)
}
