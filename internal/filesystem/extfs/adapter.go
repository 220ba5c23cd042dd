package extfs

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// FileRecord wraps a parsed inode for the uniform surface.
type FileRecord struct {
	Inode *Inode
}

func (r *FileRecord) ID() uint64 {
	return r.Inode.Num
}

func (r *FileRecord) Size() uint64 {
	return r.Inode.Size()
}

func (r *FileRecord) IsDir() bool {
	return r.Inode.IsDir()
}

func (r *FileRecord) String() string {
	return fmt.Sprintf("inode %d: mode=%06o size=%d uid=%d gid=%d links=%d",
		r.Inode.Num, r.Inode.Mode, r.Inode.Size(), r.Inode.UID, r.Inode.GID, r.Inode.LinksCount)
}

func (r *FileRecord) Metadata() map[string]any {
	m := map[string]any{
		"inode":       r.Inode.Num,
		"mode":        r.Inode.Mode,
		"size":        r.Inode.Size(),
		"uid":         r.Inode.UID,
		"gid":         r.Inode.GID,
		"links_count": r.Inode.LinksCount,
		"flags":       r.Inode.Flags,
		"atime":       r.Inode.Atime,
		"ctime":       r.Inode.Ctime,
		"mtime":       r.Inode.Mtime,
	}
	if r.Inode.HasCrtime {
		m["crtime"] = r.Inode.Crtime
	}
	if target, ok := r.Inode.InlineSymlinkTarget(); ok {
		m["symlink_target"] = target
	}
	return m
}

// DirectoryEntry wraps a parsed directory entry.
type DirectoryEntry struct {
	Entry DirEntryRec
}

func (e *DirectoryEntry) FileID() uint64 {
	return uint64(e.Entry.Inode)
}

func (e *DirectoryEntry) Name() string {
	return e.Entry.EntryName
}

func (e *DirectoryEntry) String() string {
	return fmt.Sprintf("[%d] - %s", e.Entry.Inode, e.Entry.EntryName)
}

func (e *DirectoryEntry) Metadata() map[string]any {
	return map[string]any{
		"inode":     e.Entry.Inode,
		"name":      e.Entry.EntryName,
		"file_type": e.Entry.FileType,
	}
}

// Adapter exposes an ext filesystem through the uniform surface.
type Adapter struct {
	fs *ExtFS
}

// NewAdapter probes the byte window for an ext superblock.
func NewAdapter(src ByteSource) (*Adapter, error) {
	fs, err := Open(src)
	if err != nil {
		return nil, err
	}
	return &Adapter{fs: fs}, nil
}

func (a *Adapter) Kind() string {
	return "Extended File System"
}

func (a *Adapter) PathSeparator() string {
	return "/"
}

func (a *Adapter) RecordCount() uint64 {
	return uint64(a.fs.sb.InodesCount)
}

func (a *Adapter) BlockSize() uint64 {
	return a.fs.BlockSize()
}

func (a *Adapter) Metadata() (map[string]any, error) {
	sb := a.fs.Superblock()
	return map[string]any{
		"inodes_count":     sb.InodesCount,
		"blocks_count":     sb.BlocksCountLo,
		"block_size":       sb.BlockSize(),
		"blocks_per_group": sb.BlocksPerGroup,
		"inodes_per_group": sb.InodesPerGroup,
		"inode_size":       sb.InodeSize,
		"first_inode":      sb.FirstInode,
		"feature_compat":   sb.FeatureCompat,
		"feature_incompat": sb.FeatureIncompat,
		"feature_ro_compat": sb.FeatureRoCompat,
		"volume_name":      sb.VolumeName,
		"uuid":             uuid.UUID(sb.UUID).String(),
	}, nil
}

func (a *Adapter) MetadataPretty() (string, error) {
	sb := a.fs.Superblock()
	return fmt.Sprintf(
		"Extended File System\nvolume=%q uuid=%s\nblock_size=%d inodes=%d blocks=%d inode_size=%d",
		sb.VolumeName, uuid.UUID(sb.UUID).String(),
		sb.BlockSize(), sb.InodesCount, sb.BlocksCountLo, sb.InodeSize,
	), nil
}

func (a *Adapter) RootFileID() uint64 {
	return RootInodeID
}

func (a *Adapter) GetFile(id uint64) (filesystem.Record, error) {
	ino, err := a.fs.GetInode(id)
	if err != nil {
		return nil, err
	}
	return &FileRecord{Inode: ino}, nil
}

func (a *Adapter) ListDir(rec filesystem.Record) ([]filesystem.DirEntry, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	entries, err := a.fs.ListDir(file.Inode)
	if err != nil {
		return nil, err
	}

	out := make([]filesystem.DirEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, &DirectoryEntry{Entry: entry})
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
	return a.fs.ReadInode(file.Inode)
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
	return a.fs.ReadInodeSlice(file.Inode, offset, bounded)
}

func (a *Adapter) RecordToFile(rec filesystem.Record, id uint64, absolutePath string) *filesystem.File {
	file, err := a.ownRecord(rec)
	if err != nil {
		return &filesystem.File{Identifier: id, AbsolutePath: absolutePath}
	}
	ino := file.Inode

	// ext timestamps are already Unix seconds.
	modified := int64(ino.Mtime)
	accessed := int64(ino.Atime)
	out := &filesystem.File{
		Identifier:   id,
		AbsolutePath: absolutePath,
		Name:         filesystem.LeafName(absolutePath, "/"),
		Ftype:        filesystem.KindFromMode(ino.Mode),
		Size:         ino.Size(),
		Modified:     &modified,
		Accessed:     &accessed,
		Permissions:  filesystem.ModeString(ino.Mode),
		Owner:        fmt.Sprintf("%d", ino.UID),
		Group:        fmt.Sprintf("%d", ino.GID),
		Metadata:     file.Metadata(),
	}
	if ino.HasCrtime {
		created := int64(ino.Crtime)
		out.Created = &created
	}
	return out
}

// Enumerate streams one line per record in breadth-first order.
func (a *Adapter) Enumerate(w io.Writer) error {
	files, err := filesystem.Walk(a)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(w, "%s %s %s %10d %s\n",
			f.Permissions, f.Owner, f.Group, f.Size, f.AbsolutePath)
	}
	return nil
}

func (a *Adapter) ownRecord(rec filesystem.Record) (*FileRecord, error) {
	file, ok := rec.(*FileRecord)
	if !ok {
		return nil, fmt.Errorf("filesystem / record variant mismatch: %T is not an ext record", rec)
	}
	return file, nil
}
