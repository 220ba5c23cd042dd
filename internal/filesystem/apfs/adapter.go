package apfs

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// FileRecord is the driver-native record the adapter hands out: a parsed
// inode pinned to the volume it came from.
type FileRecord struct {
	FsIndex uint32
	InodeID uint64
	Inode   *Inode
}

// ID returns the inode id within its volume (not the packed identifier).
func (r *FileRecord) ID() uint64 {
	return r.InodeID
}

// Size returns the declared size (data stream, else uncompressed size).
func (r *FileRecord) Size() uint64 {
	return r.Inode.DeclaredSize()
}

// IsDir reports whether the inode mode carries the directory bits.
func (r *FileRecord) IsDir() bool {
	return r.Inode.IsDir()
}

func (r *FileRecord) String() string {
	return fmt.Sprintf("inode %d (volume %d): mode=%06o size=%d owner=%d group=%d",
		r.InodeID, r.FsIndex, r.Inode.Mode, r.Size(), r.Inode.Owner, r.Inode.Group)
}

func (r *FileRecord) Metadata() map[string]any {
	m := map[string]any{
		"fs_index":          r.FsIndex,
		"inode_id":          r.InodeID,
		"parent_id":         r.Inode.ParentID,
		"private_id":        r.Inode.PrivateID,
		"mode":              r.Inode.Mode,
		"size":              r.Size(),
		"uncompressed_size": r.Inode.UncompressedSize,
		"internal_flags":    r.Inode.InternalFlags,
		"bsd_flags":         r.Inode.BsdFlags,
		"create_time":       r.Inode.CreateTime,
		"mod_time":          r.Inode.ModTime,
		"change_time":       r.Inode.ChangeTime,
		"access_time":       r.Inode.AccessTime,
	}
	if r.Inode.Dstream != nil {
		m["dstream_size"] = r.Inode.Dstream.Size
		m["dstream_alloced_size"] = r.Inode.Dstream.AllocedSize
	}
	if r.Inode.Name != "" {
		m["name"] = r.Inode.Name
	}
	return m
}

// DirectoryEntry is the driver-native directory child view.
type DirectoryEntry struct {
	FsIndex   uint32
	InodeID   uint64
	EntryName string
	RawID     uint64
	Flags     uint16
	DateAdded uint64
}

// FileID returns the child inode packed with its volume index, so the
// identifier resolves through GetFile regardless of the selected volume.
func (e *DirectoryEntry) FileID() uint64 {
	return PackIdentifier(e.FsIndex, e.InodeID)
}

func (e *DirectoryEntry) Name() string {
	return e.EntryName
}

func (e *DirectoryEntry) String() string {
	return fmt.Sprintf("%d:%d - %s (raw_id=%d flags=0x%04x)",
		e.FsIndex, e.InodeID, e.EntryName, e.RawID, e.Flags)
}

func (e *DirectoryEntry) Metadata() map[string]any {
	return map[string]any{
		"fs_index":   e.FsIndex,
		"inode_id":   e.InodeID,
		"name":       e.EntryName,
		"raw_id":     e.RawID,
		"flags":      fmt.Sprintf("0x%04x", e.Flags),
		"date_added": e.DateAdded,
	}
}

// volumeEntry pairs a validated volume with its detected root inode.
type volumeEntry struct {
	vol         *VolumeSuperblock
	rootInodeID uint64
}

// Adapter exposes an APFS container through the uniform filesystem surface.
type Adapter struct {
	container    *Container
	volume       *VolumeSuperblock
	rootInodeID  uint64
	validVolumes []volumeEntry
	cachedTrees  map[uint32]*FSTree
}

// NewAdapter validates the container's volumes and selects the default one.
// Candidates are ordered fs_index 0 first, then ascending fs_index; a volume
// whose tree cannot be opened or whose root inode cannot be detected is
// skipped rather than failing the whole container.
func NewAdapter(container *Container) (*Adapter, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}
	vols := append([]*VolumeSuperblock(nil), container.Volumes()...)
	if len(vols) == 0 {
		return nil, fmt.Errorf("no APFS volumes discovered")
	}

	sort.SliceStable(vols, func(i, j int) bool {
		if (vols[i].FsIndex == 0) != (vols[j].FsIndex == 0) {
			return vols[i].FsIndex == 0
		}
		return vols[i].FsIndex < vols[j].FsIndex
	})

	a := &Adapter{
		container:   container,
		cachedTrees: make(map[uint32]*FSTree),
	}

	for _, vol := range vols {
		tree, err := container.OpenFSTree(vol)
		if err != nil {
			logrus.Debugf("apfs: skipping volume %d: %v", vol.FsIndex, err)
			continue
		}
		rootID, ok, err := tree.DetectRootInodeID()
		if err != nil || !ok {
			logrus.Debugf("apfs: no root inode in volume %d (err=%v)", vol.FsIndex, err)
			continue
		}
		a.validVolumes = append(a.validVolumes, volumeEntry{vol: vol, rootInodeID: rootID})
		a.cachedTrees[vol.FsIndex] = tree
	}

	if len(a.validVolumes) == 0 {
		return nil, fmt.Errorf("could not open any APFS volume with a valid filesystem tree")
	}

	selected := a.validVolumes[0]
	for _, entry := range a.validVolumes {
		if entry.vol.FsIndex == 0 {
			selected = entry
			break
		}
	}
	a.volume = selected.vol
	a.rootInodeID = selected.rootInodeID

	return a, nil
}

func (a *Adapter) volumeByIndex(fsIndex uint32) (volumeEntry, bool) {
	for _, entry := range a.validVolumes {
		if entry.vol.FsIndex == fsIndex {
			return entry, true
		}
	}
	return volumeEntry{}, false
}

func (a *Adapter) fsTree(fsIndex uint32) (*FSTree, error) {
	if tree, ok := a.cachedTrees[fsIndex]; ok {
		return tree, nil
	}
	entry, ok := a.volumeByIndex(fsIndex)
	if !ok {
		return nil, fmt.Errorf("volume with fs_index %d not found", fsIndex)
	}
	tree, err := a.container.OpenFSTree(entry.vol)
	if err != nil {
		return nil, err
	}
	a.cachedTrees[fsIndex] = tree
	return tree, nil
}

// Kind implements filesystem.Filesystem.
func (a *Adapter) Kind() string {
	return "Apple File System"
}

// PathSeparator implements filesystem.Filesystem.
func (a *Adapter) PathSeparator() string {
	return "/"
}

// RecordCount reports the selected volume's file and directory counters.
func (a *Adapter) RecordCount() uint64 {
	return a.volume.NumFiles + a.volume.NumDirectories
}

// BlockSize implements filesystem.Filesystem.
func (a *Adapter) BlockSize() uint64 {
	return a.container.BlockSize()
}

// Metadata implements filesystem.Filesystem.
func (a *Adapter) Metadata() (map[string]any, error) {
	sb := a.container.Superblock()

	volumes := make([]map[string]any, 0, len(a.validVolumes))
	for _, entry := range a.validVolumes {
		volumes = append(volumes, map[string]any{
			"fs_index":      entry.vol.FsIndex,
			"name":          entry.vol.VolumeName,
			"uuid":          uuid.UUID(entry.vol.UUID).String(),
			"root_tree_oid": entry.vol.RootTreeOid,
			"root_inode_id": entry.rootInodeID,
			"num_files":     entry.vol.NumFiles,
			"num_dirs":      entry.vol.NumDirectories,
		})
	}

	return map[string]any{
		"container": map[string]any{
			"block_size":     sb.BlockSize,
			"block_count":    sb.BlockCount,
			"uuid":           uuid.UUID(sb.UUID).String(),
			"next_xid":       sb.NextXid,
			"xp_desc_base":   sb.XpDescBase,
			"xp_desc_blocks": sb.XpDescBlocks,
			"xp_data_base":   sb.XpDataBase,
			"xp_data_blocks": sb.XpDataBlocks,
		},
		"selected_volume": a.volume.FsIndex,
		"root_inode_id":   a.rootInodeID,
		"volumes":         volumes,
	}, nil
}

// MetadataPretty implements filesystem.Filesystem.
func (a *Adapter) MetadataPretty() (string, error) {
	sb := a.container.Superblock()
	return fmt.Sprintf(
		"APFS Container\nblock_size=%d block_count=%d uuid=%s\nSelected volume: fs_index=%d name=%q oid=%d xid=%d root_tree_oid=%d root_inode=%d",
		sb.BlockSize, sb.BlockCount, uuid.UUID(sb.UUID).String(),
		a.volume.FsIndex, a.volume.VolumeName, a.volume.Obj.OID, a.volume.Obj.XID,
		a.volume.RootTreeOid, a.rootInodeID,
	), nil
}

// RootFileID returns the selected volume's root inode id (bare, so it also
// round-trips through the bare-identifier path of GetFile).
func (a *Adapter) RootFileID() uint64 {
	return a.rootInodeID
}

// GetFile resolves an identifier: packed (volume, inode) when both halves
// are non-zero and the volume is known, else a bare inode id against the
// selected volume. A miss on the inode id is retried through the private-id
// mapping before failing.
func (a *Adapter) GetFile(id uint64) (filesystem.Record, error) {
	fsIndex := a.volume.FsIndex
	inodeQuery := id
	if fsIdx, inodeID, ok := UnpackIdentifier(id); ok {
		if _, known := a.volumeByIndex(fsIdx); known {
			fsIndex = fsIdx
			inodeQuery = inodeID
		}
	}

	tree, err := a.fsTree(fsIndex)
	if err != nil {
		return nil, err
	}

	ino, ok, err := tree.InodeByID(inodeQuery)
	if err != nil {
		return nil, err
	}
	if ok {
		return &FileRecord{FsIndex: fsIndex, InodeID: inodeQuery, Inode: ino}, nil
	}

	if inodeID, ok, err := tree.InodeIDByPrivateID(inodeQuery); err == nil && ok {
		if ino, ok, err := tree.InodeByID(inodeID); err == nil && ok {
			return &FileRecord{FsIndex: fsIndex, InodeID: inodeID, Inode: ino}, nil
		}
	}

	return nil, fmt.Errorf("inode not found for id=%d (fs_index=%d)", inodeQuery, fsIndex)
}

// ListDir implements filesystem.Filesystem. Entries with a null inode are
// dropped.
func (a *Adapter) ListDir(rec filesystem.Record) ([]filesystem.DirEntry, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if !file.IsDir() {
		return nil, fmt.Errorf("not a directory")
	}

	tree, err := a.fsTree(file.FsIndex)
	if err != nil {
		return nil, err
	}
	children, err := tree.DirChildren(file.InodeID)
	if err != nil {
		return nil, err
	}

	out := make([]filesystem.DirEntry, 0, len(children))
	for _, child := range children {
		if child.FileID == 0 {
			continue
		}
		out = append(out, &DirectoryEntry{
			FsIndex:   file.FsIndex,
			InodeID:   child.FileID,
			EntryName: child.Name,
			RawID:     child.FileID,
			Flags:     child.Flags,
			DateAdded: child.DateAdded,
		})
	}
	return out, nil
}

// fileExtents fetches the extent map for a record, falling back to the
// private-id keyed extents when the primary set is empty.
func (a *Adapter) fileExtents(tree *FSTree, file *FileRecord) []Extent {
	extents, err := tree.FileExtents(file.InodeID)
	if err != nil {
		logrus.Debugf("apfs: extent lookup failed for inode %d: %v", file.InodeID, err)
	}
	if len(extents) == 0 && file.Inode.PrivateID != 0 && file.Inode.PrivateID != file.InodeID {
		logrus.Debugf("apfs: falling back to private-id extents for inode %d (private_id=%d)",
			file.InodeID, file.Inode.PrivateID)
		extents, err = tree.FileExtents(file.Inode.PrivateID)
		if err != nil {
			logrus.Debugf("apfs: private-id extent lookup failed for inode %d: %v", file.InodeID, err)
		}
	}
	return extents
}

// ReadFileContent implements filesystem.Filesystem; whole-file reads larger
// than the hard cap are refused rather than truncated.
func (a *Adapter) ReadFileContent(rec filesystem.Record) ([]byte, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	tree, err := a.fsTree(file.FsIndex)
	if err != nil {
		return nil, err
	}

	extents := a.fileExtents(tree, file)
	size := effectiveSize(file.Inode.DeclaredSize(), extents)
	if size > filesystem.MaxReadBytes {
		return nil, fmt.Errorf("refusing to allocate %d bytes (cap=%d bytes)", size, filesystem.MaxReadBytes)
	}

	return a.readSlice(file, extents, 0, size, size)
}

// ReadFilePrefix implements filesystem.Filesystem.
func (a *Adapter) ReadFilePrefix(rec filesystem.Record, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative prefix length: %d", n)
	}
	return a.ReadFileSlice(rec, 0, n)
}

// ReadFileSlice implements filesystem.Filesystem.
func (a *Adapter) ReadFileSlice(rec filesystem.Record, offset uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative slice length: %d", length)
	}
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	tree, err := a.fsTree(file.FsIndex)
	if err != nil {
		return nil, err
	}

	extents := a.fileExtents(tree, file)
	size := effectiveSize(file.Inode.DeclaredSize(), extents)
	return a.readSlice(file, extents, offset, uint64(length), size)
}

func (a *Adapter) readSlice(file *FileRecord, extents []Extent, offset, length, size uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if file.IsDir() {
		return nil, fmt.Errorf("requested file content for a directory")
	}
	if offset >= size {
		return []byte{}, nil
	}

	end := clampWindow(offset, length, size)
	return assembleExtents(a.container.src, a.container.BlockSize(), extents, offset, end)
}

// RecordToFile implements filesystem.Filesystem; APFS inode timestamps are
// nanoseconds since the Unix epoch and normalize by integer division.
func (a *Adapter) RecordToFile(rec filesystem.Record, id uint64, absolutePath string) *filesystem.File {
	file, err := a.ownRecord(rec)
	if err != nil {
		return &filesystem.File{Identifier: id, AbsolutePath: absolutePath}
	}

	created := int64(file.Inode.CreateTime / 1_000_000_000)
	modified := int64(file.Inode.ModTime / 1_000_000_000)
	accessed := int64(file.Inode.AccessTime / 1_000_000_000)

	return &filesystem.File{
		Identifier:   id,
		AbsolutePath: absolutePath,
		Name:         filesystem.LeafName(absolutePath, "/"),
		Ftype:        filesystem.KindFromMode(file.Inode.Mode),
		Size:         file.Size(),
		Created:      &created,
		Modified:     &modified,
		Accessed:     &accessed,
		Permissions:  filesystem.ModeString(file.Inode.Mode),
		Owner:        fmt.Sprintf("%d", file.Inode.Owner),
		Group:        fmt.Sprintf("%d", file.Inode.Group),
		Metadata:     file.Metadata(),
	}
}

// WalkFiles traverses every valid volume breadth-first in fs_index order,
// rooting paths at /volume_<fs_index> and emitting packed identifiers.
// Per-node and per-directory failures are skipped.
func (a *Adapter) WalkFiles(fn func(*filesystem.File)) error {
	for _, entry := range a.validVolumes {
		tree, err := a.fsTree(entry.vol.FsIndex)
		if err != nil {
			return err
		}

		visited := make(map[uint64]struct{})
		volPrefix := fmt.Sprintf("/volume_%d", entry.vol.FsIndex)
		type item struct {
			inodeID uint64
			path    string
		}
		queue := []item{{inodeID: entry.rootInodeID, path: volPrefix}}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			if _, seen := visited[cur.inodeID]; seen {
				continue
			}
			visited[cur.inodeID] = struct{}{}

			ino, ok, err := tree.InodeByID(cur.inodeID)
			if err != nil || !ok {
				continue
			}
			rec := &FileRecord{FsIndex: entry.vol.FsIndex, InodeID: cur.inodeID, Inode: ino}
			packed := PackIdentifier(entry.vol.FsIndex, cur.inodeID)
			fn(a.RecordToFile(rec, packed, cur.path))

			if !rec.IsDir() {
				continue
			}
			children, err := tree.DirChildren(cur.inodeID)
			if err != nil {
				logrus.Debugf("apfs: skipping children of inode %d: %v", cur.inodeID, err)
				continue
			}
			for _, child := range children {
				if child.FileID == 0 {
					continue
				}
				queue = append(queue, item{
					inodeID: child.FileID,
					path:    filesystem.ChildPath(cur.path, child.Name, "/"),
				})
			}
		}
	}

	return nil
}

// Enumerate implements filesystem.Filesystem with the multi-volume walk.
func (a *Adapter) Enumerate(w io.Writer) error {
	return a.WalkFiles(func(f *filesystem.File) {
		perms := f.Permissions
		if perms == "" {
			perms = "??????????"
		}
		var modified int64
		if f.Modified != nil {
			modified = *f.Modified
		}
		fmt.Fprintf(w, "[%d] - %s %s %s %s %d %s\n",
			f.Identifier, perms,
			time.Unix(modified, 0).UTC().Format("2006-01-02 15:04:05"),
			orDash(f.Owner), orDash(f.Group), f.Size, f.AbsolutePath)
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ownRecord asserts that a record came from this adapter; cross-variant
// pairings fail without touching the byte source.
func (a *Adapter) ownRecord(rec filesystem.Record) (*FileRecord, error) {
	file, ok := rec.(*FileRecord)
	if !ok {
		return nil, fmt.Errorf("filesystem / record variant mismatch: %T is not an APFS record", rec)
	}
	return file, nil
}
