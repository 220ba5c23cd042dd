// Package filesystem defines the uniform, read-only access surface shared by
// every supported on-disk filesystem, plus the normalized record model that
// adapters emit.
package filesystem

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Record is the uniform view of a driver-native file record (inode, MFT
// record, directory-entry set, ...).
type Record interface {
	// ID returns the filesystem-specific numeric identifier.
	ID() uint64

	// Size returns the record size in bytes as declared by the filesystem.
	Size() uint64

	// IsDir reports whether the record is a directory.
	IsDir() bool

	// String returns a human-readable rendering of the record.
	String() string

	// Metadata returns the driver-native details as a structured blob.
	Metadata() map[string]any
}

// DirEntry is the uniform view of a single directory child.
type DirEntry interface {
	// FileID returns the child's record identifier, valid for GetFile on the
	// same filesystem.
	FileID() uint64

	// Name returns the child's leaf name.
	Name() string

	String() string
	Metadata() map[string]any
}

// Filesystem is implemented once per driver. All operations fail with a
// plain error carrying a message; no richer taxonomy is exposed.
type Filesystem interface {
	// Kind returns a human label, e.g. "Apple File System".
	Kind() string

	// PathSeparator returns "/" for POSIX-like filesystems and `\` for NTFS.
	PathSeparator() string

	// RecordCount returns the total number of records when cheaply known,
	// else 0.
	RecordCount() uint64

	// BlockSize returns the allocation unit in bytes.
	BlockSize() uint64

	// Metadata returns a filesystem-level summary (superblock, boot sector,
	// container).
	Metadata() (map[string]any, error)

	// MetadataPretty returns the summary as human-readable text.
	MetadataPretty() (string, error)

	// RootFileID returns the identifier accepted by GetFile for the root.
	RootFileID() uint64

	// GetFile resolves a record by identifier.
	GetFile(id uint64) (Record, error)

	// ListDir returns the children of a directory record. It fails when the
	// record is not a directory or belongs to another filesystem variant.
	ListDir(rec Record) ([]DirEntry, error)

	// ReadFileContent returns the whole file content. Reads larger than
	// MaxReadBytes are refused.
	ReadFileContent(rec Record) ([]byte, error)

	// ReadFilePrefix returns at most the first n bytes of the file.
	ReadFilePrefix(rec Record, n int) ([]byte, error)

	// ReadFileSlice returns a windowed read. offset+length is clamped to
	// end-of-file; an offset at or past the end yields an empty slice;
	// directories fail.
	ReadFileSlice(rec Record, offset uint64, length int) ([]byte, error)

	// RecordToFile produces the normalized record for a resolved record and
	// the absolute path the caller walked to reach it.
	RecordToFile(rec Record, id uint64, absolutePath string) *File

	// Enumerate streams a human-readable line per record to w, in whatever
	// order the filesystem enumerates.
	Enumerate(w io.Writer) error
}

// Walker is implemented by adapters that need a traversal of their own
// instead of the generic breadth-first walk (the APFS adapter prefixes paths
// per volume). Walk defers to it when present.
type Walker interface {
	WalkFiles(fn func(*File)) error
}

// MaxReadBytes bounds any single content reconstruction.
const MaxReadBytes = 512 * 1024 * 1024

// File is the normalized cross-filesystem record.
type File struct {
	// DatabaseID is an opaque identifier assigned by downstream persistence;
	// the core never populates it.
	DatabaseID *int64 `json:"id,omitempty"`

	Identifier   uint64         `json:"identifier"`
	AbsolutePath string         `json:"absolute_path"`
	Name         string         `json:"name"`
	Ftype        string         `json:"ftype"`
	Size         uint64         `json:"size"`
	Created      *int64         `json:"created"`
	Modified     *int64         `json:"modified"`
	Accessed     *int64         `json:"accessed"`
	Permissions  string         `json:"permissions"`
	Owner        string         `json:"owner"`
	Group        string         `json:"group"`
	Metadata     map[string]any `json:"metadata"`
}

// LeafName returns the last segment of an absolute path, or the path itself
// when it carries no separator.
func LeafName(absolutePath, separator string) string {
	trimmed := strings.TrimRight(absolutePath, separator)
	if trimmed == "" {
		return absolutePath
	}
	if idx := strings.LastIndex(trimmed, separator); idx >= 0 {
		return trimmed[idx+len(separator):]
	}
	return trimmed
}

// DumpToFS writes the whole content of rec to file_<id>.bin in the current
// working directory.
func DumpToFS(fs Filesystem, rec Record) error {
	data, err := fs.ReadFileContent(rec)
	if err != nil {
		return fmt.Errorf("cannot read content for record %d: %w", rec.ID(), err)
	}

	filename := fmt.Sprintf("file_%d.bin", rec.ID())
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("could not write dump file %q: %w", filename, err)
	}

	logrus.Infof("wrote %d bytes into %q", len(data), filename)
	return nil
}

// DumpToStd prints the whole content of rec to w as lossy UTF-8.
func DumpToStd(fs Filesystem, rec Record, w io.Writer) error {
	data, err := fs.ReadFileContent(rec)
	if err != nil {
		return fmt.Errorf("cannot read content for record %d: %w", rec.ID(), err)
	}

	_, err = io.WriteString(w, strings.ToValidUTF8(string(data), "�"))
	return err
}
