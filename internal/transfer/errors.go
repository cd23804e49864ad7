package transfer

import "fmt"

// MalformedSnapshotError indicates the snapshot stream is structurally invalid:
// bad JSON, an unknown record kind, or a record referencing a parent that has
// not appeared earlier in the stream.
type MalformedSnapshotError struct {
	Line    int
	Message string
}

func (e *MalformedSnapshotError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed snapshot at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("malformed snapshot: %s", e.Message)
}

// UnsupportedSnapshotError indicates the snapshot was written by an
// incompatible format version. Detected before anything is committed.
type UnsupportedSnapshotError struct {
	Version int
}

func (e *UnsupportedSnapshotError) Error() string {
	return fmt.Sprintf("unsupported snapshot version %d (supported: %d)", e.Version, SnapshotVersion)
}
