// Package exfat adapts an exFAT filesystem to the uniform surface, with
// boot-region parsing, directory-entry navigation and cluster chains
// provided by the go-exfat driver.
//
// exFAT stores no on-disk record for the root directory and no stable
// per-entry identifier, so the adapter synthesizes both: the root id is
// (root_first_cluster << 32) | 0xFFFFFFFF, and every other record gets
// (parent_first_cluster << 32) | ordinal, resolvable through a cache that
// directory listings populate. Breadth-first traversal therefore always
// lists a parent before resolving its children.
package exfat

import (
	"bytes"
	"fmt"
	"io"

	exfatlib "github.com/dsoprea/go-exfat"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// Attribute bits of an exFAT file directory entry.
const (
	AttrReadOnly  = 0x0001
	AttrHidden    = 0x0002
	AttrSystem    = 0x0004
	AttrDirectory = 0x0010
	AttrArchive   = 0x0020
)

// rootIDSentinel marks the synthetic root identifier's low half.
const rootIDSentinel = 0xFFFFFFFF

// ByteSource is the seekable byte window the driver reads from.
type ByteSource interface {
	io.ReadSeeker
	io.ReaderAt
	Size() int64
}

// Node is the driver-native record: one file-directory-entry set flattened
// into the fields the uniform surface needs.
type Node struct {
	ID           uint64
	NodeName     string
	Attributes   uint16
	FirstCluster uint32
	DataSize     uint64
	NoFatChain   bool
}

// IsDir reports the directory attribute bit.
func (n *Node) IsDir() bool {
	return n.Attributes&AttrDirectory != 0
}

// AttrString renders the standard DOS attribute letters ("RHSDA").
func AttrString(attrs uint16, isDir bool) string {
	var out []byte
	if attrs&AttrReadOnly != 0 {
		out = append(out, 'R')
	}
	if attrs&AttrHidden != 0 {
		out = append(out, 'H')
	}
	if attrs&AttrSystem != 0 {
		out = append(out, 'S')
	}
	if isDir {
		out = append(out, 'D')
	}
	if attrs&AttrArchive != 0 {
		out = append(out, 'A')
	}
	return string(out)
}

// RootID synthesizes the stable root identifier for a given root cluster.
func RootID(rootFirstCluster uint32) uint64 {
	return uint64(rootFirstCluster)<<32 | rootIDSentinel
}

// childID synthesizes a child identifier from the parent's first cluster
// and the child's ordinal within the listing.
func childID(parentCluster uint32, ordinal uint32) uint64 {
	return uint64(parentCluster)<<32 | uint64(ordinal)
}

// Adapter exposes an exFAT filesystem through the uniform surface.
type Adapter struct {
	reader    *exfatlib.ExfatReader
	boot      exfatlib.BootSectorHeader
	nodeCache map[uint64]*Node
}

// NewAdapter probes the byte window for an exFAT boot region.
func NewAdapter(src ByteSource) (*Adapter, error) {
	if src == nil {
		return nil, fmt.Errorf("byte source cannot be nil")
	}

	// The boot sector carries the "EXFAT   " OEM name at offset 3; checking
	// it first keeps failed probes cheap and quiet.
	head := make([]byte, 512)
	if _, err := src.ReadAt(head, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read boot sector: %w", err)
	}
	if !bytes.Equal(head[3:11], []byte("EXFAT   ")) {
		return nil, fmt.Errorf("missing exFAT boot-sector OEM id")
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind byte window: %w", err)
	}

	reader := exfatlib.NewExfatReader(src)
	if err := reader.Parse(); err != nil {
		return nil, fmt.Errorf("failed to parse exFAT boot regions: %w", err)
	}

	a := &Adapter{
		reader:    reader,
		boot:      reader.ActiveBootSectorHeader(),
		nodeCache: make(map[uint64]*Node),
	}
	return a, nil
}

// rootNode synthesizes the directory record exFAT never stores on disk.
func (a *Adapter) rootNode() *Node {
	return &Node{
		ID:           RootID(a.boot.FirstClusterOfRootDirectory),
		NodeName:     "/",
		Attributes:   AttrDirectory,
		FirstCluster: a.boot.FirstClusterOfRootDirectory,
		DataSize:     0,
	}
}

func (a *Adapter) Kind() string {
	return "exFAT"
}

func (a *Adapter) PathSeparator() string {
	return "/"
}

// RecordCount is unknown without a full traversal.
func (a *Adapter) RecordCount() uint64 {
	return 0
}

// BlockSize returns the cluster size in bytes.
func (a *Adapter) BlockSize() uint64 {
	return uint64(1) << a.boot.BytesPerSectorShift << a.boot.SectorsPerClusterShift
}

func (a *Adapter) Metadata() (map[string]any, error) {
	return map[string]any{
		"volume_length":       a.boot.VolumeLength,
		"volume_serial":       a.boot.VolumeSerialNumber,
		"bytes_per_sector":    uint64(1) << a.boot.BytesPerSectorShift,
		"sectors_per_cluster": uint64(1) << a.boot.SectorsPerClusterShift,
		"cluster_size":        a.BlockSize(),
		"cluster_count":       a.boot.ClusterCount,
		"cluster_heap_offset": a.boot.ClusterHeapOffset,
		"fat_offset":          a.boot.FatOffset,
		"fat_length":          a.boot.FatLength,
		"root_first_cluster":  a.boot.FirstClusterOfRootDirectory,
	}, nil
}

func (a *Adapter) MetadataPretty() (string, error) {
	return fmt.Sprintf(
		"exFAT\nserial=0x%08X cluster_size=%d cluster_count=%d\nroot_first_cluster=%d fat_offset=%d heap_offset=%d",
		a.boot.VolumeSerialNumber, a.BlockSize(), a.boot.ClusterCount,
		a.boot.FirstClusterOfRootDirectory, a.boot.FatOffset, a.boot.ClusterHeapOffset,
	), nil
}

func (a *Adapter) RootFileID() uint64 {
	return RootID(a.boot.FirstClusterOfRootDirectory)
}

// GetFile resolves the synthetic root directly; every other identifier
// resolves through the cache populated by directory listings.
func (a *Adapter) GetFile(id uint64) (filesystem.Record, error) {
	if id == a.RootFileID() {
		return &FileRecord{Node: a.rootNode()}, nil
	}
	if node, ok := a.nodeCache[id]; ok {
		return &FileRecord{Node: node}, nil
	}
	return nil, fmt.Errorf("record %d not found; exFAT identifiers resolve after listing their parent directory", id)
}

// listNodes enumerates one directory cluster chain and caches the children.
func (a *Adapter) listNodes(dir *Node) ([]*Node, error) {
	nav := exfatlib.NewExfatNavigator(a.reader, dir.FirstCluster)
	index, err := nav.EnumerateDirectoryEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate directory entries: %w", err)
	}

	var out []*Node
	ordinal := uint32(0)
	for filename := range index.Filenames() {
		fde := index.FindIndexedFileDirectoryEntry(filename)
		if fde == nil {
			continue
		}
		sede := index.FindIndexedFileStreamExtensionDirectoryEntry(filename)

		ordinal++
		node := &Node{
			ID:         childID(dir.FirstCluster, ordinal),
			NodeName:   filename,
			Attributes: uint16(fde.FileAttributes),
		}
		if sede != nil {
			node.FirstCluster = sede.FirstCluster
			node.DataSize = sede.ValidDataLength
			node.NoFatChain = sede.GeneralSecondaryFlags&0x02 != 0
		}

		a.nodeCache[node.ID] = node
		out = append(out, node)
	}

	return out, nil
}

func (a *Adapter) ListDir(rec filesystem.Record) ([]filesystem.DirEntry, error) {
	file, err := a.ownRecord(rec)
	if err != nil {
		return nil, err
	}
	if !file.IsDir() {
		return nil, fmt.Errorf("not a directory")
	}

	nodes, err := a.listNodes(file.Node)
	if err != nil {
		return nil, err
	}
	out := make([]filesystem.DirEntry, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, &DirectoryEntry{Node: node})
	}
	return out, nil
}

// readContent extracts the whole cluster chain of a node.
func (a *Adapter) readContent(node *Node) ([]byte, error) {
	if node.DataSize == 0 || node.FirstCluster == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	useFat := !node.NoFatChain
	if err := a.reader.WriteFromClusterChain(node.FirstCluster, node.DataSize, useFat, &buf); err != nil {
		return nil, fmt.Errorf("failed to read cluster chain from %d: %w", node.FirstCluster, err)
	}
	return buf.Bytes(), nil
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
	return a.readContent(file.Node)
}

func (a *Adapter) ReadFilePrefix(rec filesystem.Record, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative prefix length: %d", n)
	}
	data, err := a.ReadFileContent(rec)
	if err != nil {
		return nil, err
	}
	if len(data) > n {
		data = data[:n]
	}
	return data, nil
}

func (a *Adapter) ReadFileSlice(rec filesystem.Record, offset uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative slice length: %d", length)
	}
	data, err := a.ReadFileContent(rec)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(data)) {
		return []byte{}, nil
	}
	end := offset + uint64(length)
	if end < offset || end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end], nil
}

// RecordToFile leaves timestamps null: the on-disk entries carry them, but
// the normalized surface has never exposed them for exFAT.
func (a *Adapter) RecordToFile(rec filesystem.Record, id uint64, absolutePath string) *filesystem.File {
	file, err := a.ownRecord(rec)
	if err != nil {
		return &filesystem.File{Identifier: id, AbsolutePath: absolutePath}
	}

	isDir := file.IsDir()
	ftype := "file"
	if isDir {
		ftype = "dir"
	}

	return &filesystem.File{
		Identifier:   id,
		AbsolutePath: absolutePath,
		Name:         filesystem.LeafName(absolutePath, "/"),
		Ftype:        ftype,
		Size:         file.Size(),
		Permissions:  AttrString(file.Node.Attributes, isDir),
		Metadata:     file.Metadata(),
	}
}

// Enumerate streams one terse line per record in breadth-first order.
func (a *Adapter) Enumerate(w io.Writer) error {
	files, err := filesystem.Walk(a)
	if err != nil {
		return err
	}
	for _, f := range files {
		ftype := "FILE"
		if f.Ftype == "dir" {
			ftype = "DIR"
		}
		fmt.Fprintf(w, "%016x - %4s - %10d - %s\n", f.Identifier, ftype, f.Size, f.AbsolutePath)
	}
	return nil
}

func (a *Adapter) ownRecord(rec filesystem.Record) (*FileRecord, error) {
	file, ok := rec.(*FileRecord)
	if !ok {
		return nil, fmt.Errorf("filesystem / record variant mismatch: %T is not an exFAT record", rec)
	}
	return file, nil
}

// FileRecord wraps a Node for the uniform surface.
type FileRecord struct {
	Node *Node
}

func (r *FileRecord) ID() uint64 {
	return r.Node.ID
}

func (r *FileRecord) Size() uint64 {
	return r.Node.DataSize
}

func (r *FileRecord) IsDir() bool {
	return r.Node.IsDir()
}

func (r *FileRecord) String() string {
	return fmt.Sprintf("%016x: %s attrs=%s size=%d first_cluster=%d",
		r.Node.ID, r.Node.NodeName, AttrString(r.Node.Attributes, r.IsDir()), r.Node.DataSize, r.Node.FirstCluster)
}

func (r *FileRecord) Metadata() map[string]any {
	return map[string]any{
		"id":            r.Node.ID,
		"name":          r.Node.NodeName,
		"attributes":    r.Node.Attributes,
		"first_cluster": r.Node.FirstCluster,
		"size":          r.Node.DataSize,
		"no_fat_chain":  r.Node.NoFatChain,
	}
}

// DirectoryEntry wraps a listed child.
type DirectoryEntry struct {
	Node *Node
}

func (e *DirectoryEntry) FileID() uint64 {
	return e.Node.ID
}

func (e *DirectoryEntry) Name() string {
	return e.Node.NodeName
}

func (e *DirectoryEntry) String() string {
	return fmt.Sprintf("[%016x] - %s", e.Node.ID, e.Node.NodeName)
}

func (e *DirectoryEntry) Metadata() map[string]any {
	return map[string]any{
		"id":            e.Node.ID,
		"name":          e.Node.NodeName,
		"attributes":    e.Node.Attributes,
		"first_cluster": e.Node.FirstCluster,
	}
}
