package ntfs

import (
	"fmt"
	"io"

	"github.com/t9t/gomft/mft"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// FileRecord wraps a parsed MFT record for the uniform surface.
type FileRecord struct {
	RecordID uint64
	Record   *mft.Record
}

func (r *FileRecord) ID() uint64 {
	return r.RecordID
}

func (r *FileRecord) Size() uint64 {
	return dataSize(r.Record)
}

func (r *FileRecord) IsDir() bool {
	return recordIsDir(r.Record)
}

func (r *FileRecord) String() string {
	name, _ := primaryName(r.Record)
	return fmt.Sprintf("MFT record %d: name=%q dir=%v in_use=%v size=%d",
		r.RecordID, name, r.IsDir(), recordInUse(r.Record), r.Size())
}

func (r *FileRecord) Metadata() map[string]any {
	m := map[string]any{
		"record_id": r.RecordID,
		"in_use":    recordInUse(r.Record),
		"directory": r.IsDir(),
		"size":      r.Size(),
	}

	if si, ok := standardInformation(r.Record); ok {
		m["standard_information"] = map[string]any{
			"created":      si.Created,
			"modified":     si.Modified,
			"mft_modified": si.MftModified,
			"accessed":     si.Accessed,
			"file_flags":   si.FileFlags,
		}
	}

	var names []map[string]any
	for _, fn := range fileNames(r.Record) {
		names = append(names, map[string]any{
			"name":          fn.Name,
			"parent_record": fn.ParentRecord,
			"namespace":     fn.Namespace,
			"flags":         fn.Flags,
		})
	}
	if names != nil {
		m["file_names"] = names
	}
	return m
}

// DirectoryEntry is one parent-reference child.
type DirectoryEntry struct {
	Child childEntry
}

func (e *DirectoryEntry) FileID() uint64 {
	return e.Child.recordID
}

func (e *DirectoryEntry) Name() string {
	return e.Child.name
}

func (e *DirectoryEntry) String() string {
	return fmt.Sprintf("%d/0x%08x - %s", e.Child.recordID, e.Child.flags, e.Child.name)
}

func (e *DirectoryEntry) Metadata() map[string]any {
	return map[string]any{
		"record_id": e.Child.recordID,
		"name":      e.Child.name,
		"flags":     e.Child.flags,
	}
}

// Adapter exposes an NT filesystem through the uniform surface.
type Adapter struct {
	fs *NTFS
}

// NewAdapter probes the byte window for an NTFS boot sector and the MFT.
func NewAdapter(src ByteSource) (*Adapter, error) {
	fs, err := Open(src)
	if err != nil {
		return nil, err
	}
	return &Adapter{fs: fs}, nil
}

func (a *Adapter) Kind() string {
	return "NT File System"
}

// PathSeparator is the backslash on NT filesystems.
func (a *Adapter) PathSeparator() string {
	return "\\"
}

func (a *Adapter) RecordCount() uint64 {
	return a.fs.RecordCount()
}

func (a *Adapter) BlockSize() uint64 {
	return a.fs.BytesPerCluster()
}

func (a *Adapter) Metadata() (map[string]any, error) {
	boot := a.fs.boot
	return map[string]any{
		"bytes_per_sector":    boot.BytesPerSector,
		"sectors_per_cluster": boot.SectorsPerCluster,
		"bytes_per_cluster":   a.fs.bytesPerCluster,
		"mft_cluster":         boot.MftClusterNumber,
		"record_size":         a.fs.recordSize,
		"record_count":        a.fs.RecordCount(),
	}, nil
}

func (a *Adapter) MetadataPretty() (string, error) {
	return fmt.Sprintf(
		"NT File System\nbytes_per_sector=%d sectors_per_cluster=%d cluster_size=%d\nmft_cluster=%d record_size=%d records=%d",
		a.fs.boot.BytesPerSector, a.fs.boot.SectorsPerCluster, a.fs.bytesPerCluster,
		a.fs.boot.MftClusterNumber, a.fs.recordSize, a.fs.RecordCount(),
	), nil
}

// RootFileID is MFT record 5, the fixed root directory.
func (a *Adapter) RootFileID() uint64 {
	return RootRecordID
}

func (a *Adapter) GetFile(id uint64) (filesystem.Record, error) {
	rec, err := a.fs.GetRecord(id)
	if err != nil {
		return nil, err
	}
	return &FileRecord{RecordID: id, Record: rec}, nil
}

func (a *Adapter) ListDir(rec filesystem.Record) ([]filesystem.DirEntry, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if !file.IsDir() {
		return nil, fmt.Errorf("not a directory")
	}

	children, err := a.fs.children(file.RecordID)
	if err != nil {
		return nil, err
	}
	out := make([]filesystem.DirEntry, 0, len(children))
	for _, child := range children {
		out = append(out, &DirectoryEntry{Child: child})
	}
	return out, nil
}

func (a *Adapter) ReadFileContent(rec filesystem.Record) ([]byte, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if file.IsDir() {
		return nil, fmt.Errorf("requested file content for a directory")
	}
	if file.Size() > filesystem.MaxReadBytes {
		return nil, fmt.Errorf("refusing to allocate %d bytes (cap=%d bytes)", file.Size(), filesystem.MaxReadBytes)
	}
	return a.fs.ReadSlice(file.Record, 0, file.Size())
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
	if file.IsDir() {
		return nil, fmt.Errorf("requested file content for a directory")
	}
	bounded := uint64(length)
	if bounded > filesystem.MaxReadBytes {
		bounded = filesystem.MaxReadBytes
	}
	return a.fs.ReadSlice(file.Record, offset, bounded)
}

func (a *Adapter) RecordToFile(rec filesystem.Record, id uint64, absolutePath string) *filesystem.File {
	file, err := a.ownRecord(rec)
	if err != nil {
		return &filesystem.File{Identifier: id, AbsolutePath: absolutePath}
	}

	name := filesystem.LeafName(absolutePath, "\\")
	if name == "" || name == absolutePath {
		if primary, ok := primaryName(file.Record); ok {
			name = primary
		} else {
			name = fmt.Sprintf("(MFT #%d - unnamed)", id)
		}
	}

	ftype := "file"
	if file.IsDir() {
		ftype = "dir"
	}

	out := &filesystem.File{
		Identifier:   id,
		AbsolutePath: absolutePath,
		Name:         name,
		Ftype:        ftype,
		Size:         file.Size(),
		Metadata:     file.Metadata(),
	}

	// $STANDARD_INFORMATION is authoritative; the first $FILE_NAME fills in
	// when it is missing.
	if si, ok := standardInformation(file.Record); ok {
		created := FiletimeToUnix(si.Created)
		modified := FiletimeToUnix(si.Modified)
		accessed := FiletimeToUnix(si.Accessed)
		out.Created, out.Modified, out.Accessed = &created, &modified, &accessed
	} else if fns := fileNames(file.Record); len(fns) > 0 {
		created := FiletimeToUnix(fns[0].Created)
		modified := FiletimeToUnix(fns[0].Modified)
		accessed := FiletimeToUnix(fns[0].Accessed)
		out.Created, out.Modified, out.Accessed = &created, &modified, &accessed
	}

	return out
}

// Enumerate streams every in-use MFT record with its reconstructed path, in
// record order.
func (a *Adapter) Enumerate(w io.Writer) error {
	total := a.fs.RecordCount()
	cache := make(map[uint64]*mft.Record)

	for id := uint64(0); id < total; id++ {
		rec, err := a.fs.GetRecord(id)
		if err != nil || !recordInUse(rec) {
			continue
		}

		path := a.reconstructPath(id, rec, cache)
		ftype := "FILE"
		if recordIsDir(rec) {
			ftype = "DIR"
		}

		mftTS := "-"
		if si, ok := standardInformation(rec); ok {
			mftTS = fmt.Sprintf("%d", FiletimeToUnix(si.MftModified))
		}

		fmt.Fprintf(w, "%-6d - %-4s - %10d - %s - %s\n", id, ftype, dataSize(rec), mftTS, path)
	}

	return nil
}

// reconstructPath walks parent references up to the root, bounded against
// reference cycles in damaged filesystems.
func (a *Adapter) reconstructPath(id uint64, rec *mft.Record, cache map[uint64]*mft.Record) string {
	var parts []string
	cur := rec
	curID := id

	for depth := 0; depth < 512; depth++ {
		name, ok := primaryName(cur)
		if !ok {
			name = fmt.Sprintf("MFT_%d", curID)
		}
		if curID == RootRecordID {
			break
		}
		parts = append(parts, name)

		fns := fileNames(cur)
		if len(fns) == 0 || fns[0].ParentRecord == curID {
			break
		}
		parentID := fns[0].ParentRecord

		parent, ok := cache[parentID]
		if !ok {
			loaded, err := a.fs.GetRecord(parentID)
			if err != nil {
				break
			}
			cache[parentID] = loaded
			parent = loaded
		}
		cur = parent
		curID = parentID
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	path := "\\"
	for i, part := range parts {
		if i > 0 {
			path += "\\"
		}
		path += part
	}
	return path
}

func (a *Adapter) ownRecord(rec filesystem.Record) (*FileRecord, error) {
	file, ok := rec.(*FileRecord)
	if !ok {
		return nil, fmt.Errorf("filesystem / record variant mismatch: %T is not an NTFS record", rec)
	}
	return file, nil
}
