package transfer

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWorkDirFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestPackUnpackArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeWorkDirFile(t, src, "workbench.snapshot", "header\n")
	writeWorkDirFile(t, src, "files/conv-1/blob-a", "alpha")
	writeWorkDirFile(t, src, "assistants/a-1/assistant_data.bin", "state")

	var buf bytes.Buffer
	require.NoError(t, PackArchive(src, &buf))

	dest := t.TempDir()
	require.NoError(t, UnpackArchive(context.Background(), &buf, dest, t.TempDir(), 0))

	got, err := os.ReadFile(filepath.Join(dest, "files", "conv-1", "blob-a"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "assistants", "a-1", "assistant_data.bin"))
	require.NoError(t, err)
	require.Equal(t, "state", string(got))
}

func TestUnpackArchive_RejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create("../outside.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	err = UnpackArchive(context.Background(), &buf, t.TempDir(), t.TempDir(), 0)
	var malformed *MalformedSnapshotError
	require.ErrorAs(t, err, &malformed)
	require.Contains(t, malformed.Message, "escapes")
}

func TestUnpackArchive_EnforcesSizeCap(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create("big.bin")
	require.NoError(t, err)
	_, err = entry.Write(bytes.Repeat([]byte("x"), 1024))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	err = UnpackArchive(context.Background(), &buf, t.TempDir(), t.TempDir(), 512)
	var malformed *MalformedSnapshotError
	require.ErrorAs(t, err, &malformed)
	require.Contains(t, malformed.Message, "maximum size")
}

func TestUnpackArchive_RejectsNonZip(t *testing.T) {
	err := UnpackArchive(context.Background(), bytes.NewReader([]byte("not a zip")), t.TempDir(), t.TempDir(), 0)
	var malformed *MalformedSnapshotError
	require.ErrorAs(t, err, &malformed)
}
