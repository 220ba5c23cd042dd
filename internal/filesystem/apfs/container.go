package apfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// ByteSource is the seekable byte window the container reads from. A fresh
// window is expected per detection probe; the container owns it afterwards.
type ByteSource interface {
	io.ReadSeeker
	io.ReaderAt
	Size() int64
}

// maxBlockCacheBytes bounds the container's block cache.
const maxBlockCacheBytes = 32 * 1024 * 1024

// Container provides block-level access to an APFS container plus the
// parsed superblock, container object map and volume superblocks.
type Container struct {
	src        ByteSource
	sb         *NxSuperblock
	blockSize  uint32
	omapRoot   uint64
	volumes    []*VolumeSuperblock
	endian     binary.ByteOrder
	blockCache map[uint64][]byte
	cacheBytes int
}

// OpenContainer reads the container superblock, selects the newest valid
// checkpoint superblock, resolves the container object map and enumerates
// the volume superblocks.
func OpenContainer(src ByteSource) (*Container, error) {
	if src == nil {
		return nil, fmt.Errorf("byte source cannot be nil")
	}

	head := make([]byte, 4096)
	if _, err := src.ReadAt(head, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read container superblock: %w", err)
	}

	sb, err := parseNxSuperblock(head, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to parse container superblock: %w", err)
	}

	c := &Container{
		src:        src,
		sb:         sb,
		blockSize:  sb.BlockSize,
		endian:     binary.LittleEndian,
		blockCache: make(map[uint64][]byte),
	}

	if newest, err := c.findLatestSuperblock(); err != nil {
		logrus.Debugf("apfs: checkpoint scan failed, using block-zero superblock: %v", err)
	} else if newest != nil && newest.Obj.XID >= sb.Obj.XID {
		c.sb = newest
	}

	omapRoot, err := c.omapTreeRoot(c.sb.OmapOid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve container object map: %w", err)
	}
	c.omapRoot = omapRoot

	if err := c.loadVolumes(); err != nil {
		return nil, err
	}

	return c, nil
}

// findLatestSuperblock scans the checkpoint descriptor area for the
// container superblock with the highest transaction id that parses cleanly.
// Non-contiguous descriptor areas (MSB-flagged base) are rejected.
func (c *Container) findLatestSuperblock() (*NxSuperblock, error) {
	const msbMask = uint64(1) << 63

	descBase := c.sb.XpDescBase
	if descBase&msbMask != 0 {
		return nil, fmt.Errorf("non-contiguous checkpoint descriptor area is not supported")
	}
	descBlocks := uint64(c.sb.XpDescBlocks) & 0x7FFFFFFF

	var best *NxSuperblock
	for i := uint64(0); i < descBlocks; i++ {
		block, err := c.ReadBlock(descBase + i)
		if err != nil {
			continue
		}
		if c.endian.Uint32(block[24:28])&0x0000FFFF != ObjectTypeNxSuperblock {
			continue
		}
		sb, err := parseNxSuperblock(block, c.endian)
		if err != nil {
			continue
		}
		if best == nil || sb.Obj.XID > best.Obj.XID {
			best = sb
		}
	}

	return best, nil
}

// omapTreeRoot reads an object-map object at a physical address and returns
// the physical address of its B-tree root.
func (c *Container) omapTreeRoot(omapAddr uint64) (uint64, error) {
	block, err := c.ReadBlock(omapAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to read object map at block %d: %w", omapAddr, err)
	}
	if len(block) < 56 {
		return 0, fmt.Errorf("block too small for object map")
	}

	var obj ObjPhys
	parseObjPhys(&obj, block, c.endian)
	if obj.ObjectType() != ObjectTypeOmap {
		return 0, fmt.Errorf("block %d is not an object map (type 0x%04X)", omapAddr, obj.ObjectType())
	}

	// omap_phys_t: om_flags, om_snap_count, om_tree_type, om_snapshot_tree_type
	// precede om_tree_oid at offset 48.
	return c.endian.Uint64(block[48:56]), nil
}

// loadVolumes resolves every non-zero entry of the volume OID array through
// the container object map and parses the volume superblocks.
func (c *Container) loadVolumes() error {
	maxFs := int(c.sb.MaxFileSystems)
	if maxFs == 0 || maxFs > nxMaxFileSystems {
		maxFs = nxMaxFileSystems
	}

	for i := 0; i < maxFs; i++ {
		fsOid := c.sb.FsOids[i]
		if fsOid == 0 {
			continue
		}

		paddr, err := c.OmapLookup(c.omapRoot, fsOid, c.sb.NextXid)
		if err != nil {
			logrus.Debugf("apfs: cannot resolve volume oid %d: %v", fsOid, err)
			continue
		}
		block, err := c.ReadBlock(paddr)
		if err != nil {
			logrus.Debugf("apfs: cannot read volume superblock at block %d: %v", paddr, err)
			continue
		}
		vol, err := parseVolumeSuperblock(block, c.endian)
		if err != nil {
			logrus.Debugf("apfs: invalid volume superblock at block %d: %v", paddr, err)
			continue
		}

		c.volumes = append(c.volumes, vol)
	}

	if len(c.volumes) == 0 {
		return fmt.Errorf("no APFS volumes discovered")
	}
	return nil
}

// ReadBlock returns one block, serving repeated reads from a bounded cache.
func (c *Container) ReadBlock(blockNumber uint64) ([]byte, error) {
	if cached, ok := c.blockCache[blockNumber]; ok {
		return cached, nil
	}

	offset, ok := mulCheck(blockNumber, uint64(c.blockSize))
	if !ok || offset+uint64(c.blockSize) > uint64(c.src.Size()) {
		return nil, fmt.Errorf("block %d is beyond container size", blockNumber)
	}

	block := make([]byte, c.blockSize)
	if _, err := c.src.ReadAt(block, int64(offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read block %d: %w", blockNumber, err)
	}

	if c.cacheBytes+len(block) > maxBlockCacheBytes {
		c.blockCache = make(map[uint64][]byte)
		c.cacheBytes = 0
	}
	c.blockCache[blockNumber] = block
	c.cacheBytes += len(block)

	return block, nil
}

// BlockSize returns the container allocation unit in bytes.
func (c *Container) BlockSize() uint64 {
	return uint64(c.blockSize)
}

// Superblock returns the selected container superblock.
func (c *Container) Superblock() *NxSuperblock {
	return c.sb
}

// Volumes returns the parsed volume superblocks in array order.
func (c *Container) Volumes() []*VolumeSuperblock {
	return c.volumes
}

func parseObjPhys(obj *ObjPhys, data []byte, endian binary.ByteOrder) {
	copy(obj.Checksum[:], data[0:8])
	obj.OID = endian.Uint64(data[8:16])
	obj.XID = endian.Uint64(data[16:24])
	obj.Type = endian.Uint32(data[24:28])
	obj.Subtype = endian.Uint32(data[28:32])
}

// parseNxSuperblock parses the container superblock fields this layer needs.
func parseNxSuperblock(data []byte, endian binary.ByteOrder) (*NxSuperblock, error) {
	if len(data) < 1024 {
		return nil, fmt.Errorf("data too small for container superblock: %d bytes", len(data))
	}

	sb := &NxSuperblock{}
	parseObjPhys(&sb.Obj, data, endian)

	sb.Magic = endian.Uint32(data[32:36])
	if sb.Magic != NxMagic {
		return nil, fmt.Errorf("invalid container superblock magic: got 0x%08X, want 0x%08X", sb.Magic, NxMagic)
	}

	sb.BlockSize = endian.Uint32(data[36:40])
	if sb.BlockSize < 512 || sb.BlockSize > 65536 {
		return nil, fmt.Errorf("implausible container block size: %d", sb.BlockSize)
	}
	sb.BlockCount = endian.Uint64(data[40:48])
	copy(sb.UUID[:], data[72:88])
	sb.NextOid = endian.Uint64(data[88:96])
	sb.NextXid = endian.Uint64(data[96:104])
	sb.XpDescBlocks = endian.Uint32(data[104:108])
	sb.XpDataBlocks = endian.Uint32(data[108:112])
	sb.XpDescBase = endian.Uint64(data[112:120])
	sb.XpDataBase = endian.Uint64(data[120:128])
	sb.OmapOid = endian.Uint64(data[160:168])
	sb.MaxFileSystems = endian.Uint32(data[180:184])

	offset := 184
	for i := 0; i < nxMaxFileSystems && offset+8 <= len(data); i++ {
		sb.FsOids[i] = endian.Uint64(data[offset : offset+8])
		offset += 8
	}

	return sb, nil
}

// parseVolumeSuperblock parses the volume superblock fields this layer needs.
func parseVolumeSuperblock(data []byte, endian binary.ByteOrder) (*VolumeSuperblock, error) {
	if len(data) < 960 {
		return nil, fmt.Errorf("data too small for volume superblock: %d bytes", len(data))
	}

	vol := &VolumeSuperblock{}
	parseObjPhys(&vol.Obj, data, endian)

	vol.Magic = endian.Uint32(data[32:36])
	if vol.Magic != ApfsMagic {
		return nil, fmt.Errorf("invalid volume superblock magic: got 0x%08X, want 0x%08X", vol.Magic, ApfsMagic)
	}

	vol.FsIndex = endian.Uint32(data[36:40])
	vol.Features = endian.Uint64(data[40:48])
	vol.ReadonlyCompat = endian.Uint64(data[48:56])
	vol.Incompat = endian.Uint64(data[56:64])
	vol.OmapOid = endian.Uint64(data[128:136])
	vol.RootTreeOid = endian.Uint64(data[136:144])
	vol.NumFiles = endian.Uint64(data[184:192])
	vol.NumDirectories = endian.Uint64(data[192:200])
	copy(vol.UUID[:], data[240:256])
	vol.LastModTime = endian.Uint64(data[256:264])

	name := data[704:960]
	if end := strings.IndexByte(string(name), 0); end >= 0 {
		vol.VolumeName = string(name[:end])
	} else {
		vol.VolumeName = string(name)
	}

	return vol, nil
}

// mulCheck multiplies with overflow detection.
func mulCheck(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	prod := a * b
	if prod/b != a {
		return 0, false
	}
	return prod, true
}

// addCheck adds with overflow detection.
func addCheck(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}
