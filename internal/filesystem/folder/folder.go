// Package folder is the live host-directory passthrough: the same uniform
// surface as the image-backed adapters, served by the host filesystem.
// Identifiers are host inode numbers, resolved through a cache that
// directory listings and enumeration populate.
package folder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// defaultBlockSize is reported when the host does not say otherwise.
const defaultBlockSize = 4096

// FileRecord is a stat-ed host path.
type FileRecord struct {
	Ino       uint64
	Path      string
	FileSize  uint64
	Dir       bool
	Mode      uint32
	UID       uint32
	GID       uint32
	Atime     int64
	Mtime     int64
	Ctime     int64
}

func (r *FileRecord) ID() uint64 {
	return r.Ino
}

func (r *FileRecord) Size() uint64 {
	return r.FileSize
}

func (r *FileRecord) IsDir() bool {
	return r.Dir
}

func (r *FileRecord) String() string {
	return fmt.Sprintf("inode %d: path=%q size=%d dir=%v", r.Ino, r.Path, r.FileSize, r.Dir)
}

func (r *FileRecord) Metadata() map[string]any {
	return map[string]any{
		"inode":       r.Ino,
		"path":        r.Path,
		"size":        r.FileSize,
		"is_dir":      r.Dir,
		"permissions": r.Mode,
		"uid":         r.UID,
		"gid":         r.GID,
		"atime":       r.Atime,
		"mtime":       r.Mtime,
		"ctime":       r.Ctime,
	}
}

// DirectoryEntry is one host directory child.
type DirectoryEntry struct {
	Ino       uint64
	EntryName string
}

func (e *DirectoryEntry) FileID() uint64 {
	return e.Ino
}

func (e *DirectoryEntry) Name() string {
	return e.EntryName
}

func (e *DirectoryEntry) String() string {
	return fmt.Sprintf("[%d] - %s", e.Ino, e.EntryName)
}

func (e *DirectoryEntry) Metadata() map[string]any {
	return map[string]any{
		"inode": e.Ino,
		"name":  e.EntryName,
	}
}

// Adapter serves a host directory tree.
type Adapter struct {
	rootPath  string
	pathCache map[uint64]string
}

// NewAdapter roots the passthrough at a host directory and primes the
// identifier cache with it.
func NewAdapter(rootPath string) (*Adapter, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %q is not a directory", rootPath)
	}

	a := &Adapter{
		rootPath:  rootPath,
		pathCache: make(map[uint64]string),
	}
	if ino, ok := inodeOf(info); ok {
		a.pathCache[ino] = rootPath
	}
	return a, nil
}

func inodeOf(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return stat.Ino, true
}

func recordFromPath(path string) (*FileRecord, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("host stat unavailable for %q", path)
	}

	return &FileRecord{
		Ino:      stat.Ino,
		Path:     path,
		FileSize: uint64(info.Size()),
		Dir:      info.IsDir(),
		Mode:     uint32(stat.Mode),
		UID:      stat.Uid,
		GID:      stat.Gid,
		Atime:    stat.Atim.Sec,
		Mtime:    stat.Mtim.Sec,
		Ctime:    stat.Ctim.Sec,
	}, nil
}

func (a *Adapter) Kind() string {
	return "Folder"
}

func (a *Adapter) PathSeparator() string {
	return string(os.PathSeparator)
}

// RecordCount is unknown without a full traversal.
func (a *Adapter) RecordCount() uint64 {
	return 0
}

func (a *Adapter) BlockSize() uint64 {
	return defaultBlockSize
}

func (a *Adapter) Metadata() (map[string]any, error) {
	return map[string]any{
		"root_path": a.rootPath,
	}, nil
}

func (a *Adapter) MetadataPretty() (string, error) {
	return fmt.Sprintf("Folder FS Root: %q", a.rootPath), nil
}

func (a *Adapter) RootFileID() uint64 {
	info, err := os.Stat(a.rootPath)
	if err != nil {
		return 0
	}
	ino, _ := inodeOf(info)
	return ino
}

// GetFile resolves an identifier through the path cache; unlisted
// identifiers require traversal first.
func (a *Adapter) GetFile(id uint64) (filesystem.Record, error) {
	path, ok := a.pathCache[id]
	if !ok {
		return nil, fmt.Errorf("file id %d not found in path cache; folder records resolve after listing or enumeration", id)
	}
	return recordFromPath(path)
}

func (a *Adapter) ListDir(rec filesystem.Record) ([]filesystem.DirEntry, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if !file.Dir {
		return nil, fmt.Errorf("not a directory")
	}

	entries, err := os.ReadDir(file.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %q: %w", file.Path, err)
	}

	out := make([]filesystem.DirEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ino, ok := inodeOf(info)
		if !ok {
			continue
		}
		childPath := filepath.Join(file.Path, entry.Name())
		a.pathCache[ino] = childPath

		out = append(out, &DirectoryEntry{Ino: ino, EntryName: entry.Name()})
	}
	return out, nil
}

func (a *Adapter) ReadFileContent(rec filesystem.Record) ([]byte, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if file.Dir {
		return nil, fmt.Errorf("requested file content for a directory")
	}
	if file.FileSize > filesystem.MaxReadBytes {
		return nil, fmt.Errorf("refusing to allocate %d bytes (cap=%d bytes)", file.FileSize, filesystem.MaxReadBytes)
	}
	return os.ReadFile(file.Path)
}

func (a *Adapter) ReadFilePrefix(rec filesystem.Record, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative prefix length: %d", n)
	}
	return a.ReadFileSlice(rec, 0, n)
}

func (a *Adapter) ReadFileSlice(rec filesystem.Record, offset uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative slice length: %d", length)
	}
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if file.Dir {
		return nil, fmt.Errorf("requested file content for a directory")
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset >= file.FileSize {
		return []byte{}, nil
	}
	want := uint64(length)
	if remaining := file.FileSize - offset; want > remaining {
		want = remaining
	}

	out := make([]byte, want)
	n, err := f.ReadAt(out, int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out[:n], nil
}

func (a *Adapter) RecordToFile(rec filesystem.Record, id uint64, absolutePath string) *filesystem.File {
	file, err := a.ownRecord(rec)
	if err != nil {
		return &filesystem.File{Identifier: id, AbsolutePath: absolutePath}
	}

	ftype := "file"
	if file.Dir {
		ftype = "dir"
	}

	atime, mtime := file.Atime, file.Mtime
	ctime := file.Ctime
	return &filesystem.File{
		Identifier:   file.Ino,
		AbsolutePath: absolutePath,
		Name:         filesystem.LeafName(absolutePath, a.PathSeparator()),
		Ftype:        ftype,
		Size:         file.FileSize,
		Created:      &ctime,
		Modified:     &mtime,
		Accessed:     &atime,
		Permissions:  fmt.Sprintf("%o", file.Mode),
		Owner:        fmt.Sprintf("%d", file.UID),
		Group:        fmt.Sprintf("%d", file.GID),
		Metadata:     file.Metadata(),
	}
}

// Enumerate walks the host tree breadth-first, populating the identifier
// cache, and streams one line per record.
func (a *Adapter) Enumerate(w io.Writer) error {
	files, err := filesystem.Walk(a)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(w, "[%d] - %s %s %s %10d %s\n",
			f.Identifier, f.Permissions, f.Owner, f.Group, f.Size, f.AbsolutePath)
	}
	return nil
}

func (a *Adapter) ownRecord(rec filesystem.Record) (*FileRecord, error) {
	file, ok := rec.(*FileRecord)
	if !ok {
		return nil, fmt.Errorf("filesystem / record variant mismatch: %T is not a folder record", rec)
	}
	return file, nil
}
