package transfer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chirino/workbench-service/internal/tempfiles"
)

// Archive layout. The snapshot sits at the root; conversation blobs live under
// files/<conversationId>/; assistant state under assistants/<assistantId>/.
// All identifiers in the layout are original (pre-remap) IDs.
const (
	archiveFilesDir           = "files"
	archiveAssistantsDir      = "assistants"
	assistantDataFilename     = "assistant_data.bin"
	assistantConversationsDir = "conversations"
	conversationDataFilename  = "conversation_data.bin"
	archiveContentType        = "application/zip"
)

// PackArchive zips the working directory into w. Entries are written in
// lexical path order with forward-slash names.
func PackArchive(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("pack archive: %w", err)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(entry, f); err != nil {
			return fmt.Errorf("pack archive: write %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

// UnpackArchive spools the inbound stream to a temp file, then extracts it
// into destDir. Entry names are confined to destDir and the total extracted
// size is capped by maxSize.
func UnpackArchive(ctx context.Context, archive io.Reader, destDir, tempDir string, maxSize int64) error {
	tmp, err := tempfiles.Create(tempDir, "workbench-import-*.zip")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	spooled, err := io.Copy(tmp, archive)
	if err != nil {
		return fmt.Errorf("unpack archive: spool: %w", err)
	}
	zr, err := zip.NewReader(tmp, spooled)
	if err != nil {
		return &MalformedSnapshotError{Message: fmt.Sprintf("not a zip archive: %v", err)}
	}

	var extracted int64
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.FromSlash(zf.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, ".."+string(filepath.Separator)) || name == ".." {
			return &MalformedSnapshotError{Message: fmt.Sprintf("archive entry %q escapes extraction directory", zf.Name)}
		}
		path := filepath.Join(destDir, name)
		if !strings.HasPrefix(path, filepath.Clean(destDir)+string(filepath.Separator)) {
			return &MalformedSnapshotError{Message: fmt.Sprintf("archive entry %q escapes extraction directory", zf.Name)}
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o700); err != nil {
				return err
			}
			continue
		}
		if maxSize > 0 {
			extracted += int64(zf.UncompressedSize64)
			if extracted > maxSize {
				return &MalformedSnapshotError{Message: fmt.Sprintf("archive exceeds maximum size of %d bytes", maxSize)}
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
		src, err := zf.Open()
		if err != nil {
			return fmt.Errorf("unpack archive: open %s: %w", zf.Name, err)
		}
		dst, err := os.Create(path)
		if err != nil {
			_ = src.Close()
			return err
		}
		// LimitReader backstops a lying zip directory entry.
		var copyErr error
		if maxSize > 0 {
			_, copyErr = io.Copy(dst, io.LimitReader(src, maxSize+1))
		} else {
			_, copyErr = io.Copy(dst, src)
		}
		_ = src.Close()
		if cerr := dst.Close(); copyErr == nil {
			copyErr = cerr
		}
		if copyErr != nil {
			return fmt.Errorf("unpack archive: extract %s: %w", zf.Name, copyErr)
		}
	}
	return nil
}

// conversationBlobDir is the archive path holding one conversation's blobs.
func conversationBlobDir(conversationID string) string {
	return filepath.Join(archiveFilesDir, conversationID)
}

// assistantDataPath is the archive path of an assistant's exported state.
func assistantDataPath(assistantID string) string {
	return filepath.Join(archiveAssistantsDir, assistantID, assistantDataFilename)
}

// conversationDataPath is the archive path of an assistant's per-conversation
// exported state.
func conversationDataPath(assistantID, conversationID string) string {
	return filepath.Join(archiveAssistantsDir, assistantID, assistantConversationsDir, conversationID, conversationDataFilename)
}
