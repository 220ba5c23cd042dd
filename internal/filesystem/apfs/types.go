// Package apfs implements the Apple File System adapter: an in-repo
// container/B-tree/volume parser plus the uniform-filesystem surface over
// it, including the packed (volume, inode) identifier scheme and sparse
// extent reconstruction.
package apfs

// Magic numbers.
const (
	NxMagic   = 0x4253584E // "NXSB"
	ApfsMagic = 0x42535041 // "APSB"
)

// Object identifier/type packing inside j-keys and object headers.
const (
	ObjIdMask    = 0x0FFFFFFFFFFFFFFF
	ObjTypeMask  = 0xF000000000000000
	ObjTypeShift = 60
)

// Object types (low 16 bits of o_type).
const (
	ObjectTypeNxSuperblock  = 0x0001
	ObjectTypeBtree         = 0x0002
	ObjectTypeBtreeNode     = 0x0003
	ObjectTypeOmap          = 0x000B
	ObjectTypeCheckpointMap = 0x000C
	ObjectTypeFs            = 0x000D
)

// Filesystem-record types (high nibble of a j-key's obj_id_and_type).
const (
	ApfsTypeInode      = 3
	ApfsTypeXattr      = 4
	ApfsTypeDstreamID  = 6
	ApfsTypeFileExtent = 8
	ApfsTypeDirRec     = 9
)

// B-tree node flags.
const (
	BtnodeRoot        = 0x0001
	BtnodeLeaf        = 0x0002
	BtnodeFixedKVSize = 0x0004
)

// btreeInfoSize is the trailing btree_info_t area present in root nodes.
const btreeInfoSize = 40

// Directory-record key masks (hashed form).
const (
	JDrecLenMask  = 0x000003FF
	JDrecHashMask = 0xFFFFF400
)

// File-extent value masks.
const JFileExtentLenMask = 0x00FFFFFFFFFFFFFF

// Volume incompatible-feature bits that switch directory keys to the hashed
// form.
const (
	ApfsIncompatCaseInsensitive = 0x0000000000000001
	ApfsIncompatNormInsensitive = 0x0000000000000008
)

// Extended-field types carried in an inode's xfield blob.
const (
	InoExtTypeName    = 4
	InoExtTypeDstream = 8
)

// Well-known inode numbers.
const (
	RootDirParentID = 1
	RootDirInodeID  = 2
)

// nxMaxFileSystems bounds the container's volume OID array.
const nxMaxFileSystems = 100

// ObjPhys is the common header every on-disk object starts with.
type ObjPhys struct {
	Checksum [8]byte
	OID      uint64
	XID      uint64
	Type     uint32
	Subtype  uint32
}

// ObjectType strips the type flags off the raw o_type field.
func (o ObjPhys) ObjectType() uint32 {
	return o.Type & 0x0000FFFF
}

// NxSuperblock is the container superblock subset this layer navigates.
type NxSuperblock struct {
	Obj          ObjPhys
	Magic        uint32
	BlockSize    uint32
	BlockCount   uint64
	UUID         [16]byte
	NextOid      uint64
	NextXid      uint64
	XpDescBlocks uint32
	XpDataBlocks uint32
	XpDescBase   uint64
	XpDataBase   uint64
	OmapOid      uint64
	MaxFileSystems uint32
	FsOids       [nxMaxFileSystems]uint64
}

// VolumeSuperblock is the volume superblock subset this layer navigates.
type VolumeSuperblock struct {
	Obj            ObjPhys
	Magic          uint32
	FsIndex        uint32
	Features       uint64
	ReadonlyCompat uint64
	Incompat       uint64
	OmapOid        uint64
	RootTreeOid    uint64
	NumFiles       uint64
	NumDirectories uint64
	UUID           [16]byte
	LastModTime    uint64
	VolumeName     string
}

// HashedDirKeys reports whether the volume stores directory records under
// hashed keys.
func (v *VolumeSuperblock) HashedDirKeys() bool {
	return v.Incompat&(ApfsIncompatCaseInsensitive|ApfsIncompatNormInsensitive) != 0
}

// Dstream is the data-stream extended field of an inode.
type Dstream struct {
	Size              uint64
	AllocedSize       uint64
	DefaultCryptoID   uint64
	TotalBytesWritten uint64
	TotalBytesRead    uint64
}

// Inode is the parsed j_inode_val for a filesystem record.
type Inode struct {
	ParentID         uint64
	PrivateID        uint64
	CreateTime       uint64 // nanoseconds since the Unix epoch
	ModTime          uint64
	ChangeTime       uint64
	AccessTime       uint64
	InternalFlags    uint64
	NchildrenOrNlink int32
	BsdFlags         uint32
	Owner            uint32
	Group            uint32
	Mode             uint16
	UncompressedSize uint64
	Dstream          *Dstream
	Name             string
}

// IsDir reports whether the inode mode carries the directory format bits.
func (ino *Inode) IsDir() bool {
	return ino.Mode&0o170000 == 0o040000
}

// DeclaredSize is the data-stream size when present, else the
// uncompressed-size field.
func (ino *Inode) DeclaredSize() uint64 {
	if ino.Dstream != nil {
		return ino.Dstream.Size
	}
	return ino.UncompressedSize
}

// DirRec is a parsed directory-record child.
type DirRec struct {
	Name      string
	FileID    uint64
	DateAdded uint64
	Flags     uint16
}

// Extent maps a logical byte range of a file onto physical blocks.
type Extent struct {
	LogicalAddr  uint64
	PhysBlockNum uint64
	LengthBytes  uint64
}
