package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
)

// DumpNamespace copies every blob of a storage namespace into destDir,
// preserving relative names. A namespace with no blobs produces nothing, not
// an error.
func DumpNamespace(ctx context.Context, storage registryfiles.FileStorage, namespace, destDir string) error {
	return storage.Walk(ctx, namespace, func(e registryfiles.Entry, r io.Reader) error {
		path := filepath.Join(destDir, filepath.FromSlash(e.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("dump namespace %s: %w", namespace, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("dump namespace %s: %w", namespace, err)
		}
		_, err = io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("dump namespace %s: write %s: %w", namespace, e.Name, err)
		}
		return nil
	})
}

// RestoreNamespace writes every file under srcDir into the storage namespace.
// A missing srcDir restores nothing. Partial restores are rolled back by the
// caller via DeleteNamespace.
func RestoreNamespace(ctx context.Context, storage registryfiles.FileStorage, srcDir, namespace string) error {
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		name := filepath.ToSlash(rel)
		if _, err := storage.Write(ctx, namespace, name, f); err != nil {
			return fmt.Errorf("restore namespace %s: write %s: %w", namespace, name, err)
		}
		return nil
	})
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
