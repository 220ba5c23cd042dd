// Package extfs implements a read-only ext2/3/4 driver and its adapter to
// the uniform filesystem surface. The driver reads superblock, block-group
// descriptors, inode tables, extent trees and legacy block maps straight
// from the byte window.
package extfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// superblockOffset is where the primary superblock lives within the
// filesystem window.
const superblockOffset = 1024

const superblockMagic = 0xEF53

// Incompatible feature flags the driver understands.
const (
	featureIncompatFiletype = 0x0002
	featureIncompatExtents  = 0x0040
	featureIncompat64Bit    = 0x0080
)

// Inode flags.
const inodeFlagExtents = 0x00080000

// RootInodeID is the fixed root directory inode of every ext filesystem.
const RootInodeID = 2

// ByteSource is the seekable byte window the driver reads from.
type ByteSource interface {
	io.ReadSeeker
	io.ReaderAt
	Size() int64
}

// Superblock carries the ext superblock fields the driver navigates with.
type Superblock struct {
	InodesCount     uint32
	BlocksCountLo   uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Magic           uint16
	State           uint16
	FirstInode      uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	VolumeName      string
	DescSize        uint16
	UUID            [16]byte
}

// BlockSize returns the allocation unit in bytes.
func (sb *Superblock) BlockSize() uint64 {
	return 1024 << sb.LogBlockSize
}

// Is64Bit reports whether group descriptors are 64 bytes wide.
func (sb *Superblock) Is64Bit() bool {
	return sb.FeatureIncompat&featureIncompat64Bit != 0 && sb.DescSize >= 64
}

// Inode is a parsed on-disk inode.
type Inode struct {
	Num        uint64
	Mode       uint16
	UID        uint32
	GID        uint32
	SizeLo     uint32
	SizeHigh   uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Crtime     uint32
	HasCrtime  bool
	LinksCount uint16
	Flags      uint32
	Block      [60]byte
}

// Size returns the full 64-bit inode size.
func (ino *Inode) Size() uint64 {
	return uint64(ino.SizeHigh)<<32 | uint64(ino.SizeLo)
}

// IsDir reports directory mode.
func (ino *Inode) IsDir() bool {
	return ino.Mode&0o170000 == 0o040000
}

// IsRegular reports regular-file mode.
func (ino *Inode) IsRegular() bool {
	return ino.Mode&0o170000 == 0o100000
}

// IsSymlink reports symbolic-link mode.
func (ino *Inode) IsSymlink() bool {
	return ino.Mode&0o170000 == 0o120000
}

// UsesExtents reports whether the inode maps data with an extent tree
// instead of the legacy block map.
func (ino *Inode) UsesExtents() bool {
	return ino.Flags&inodeFlagExtents != 0
}

// InlineSymlinkTarget returns the symlink target stored inside the inode
// for short links.
func (ino *Inode) InlineSymlinkTarget() (string, bool) {
	if !ino.IsSymlink() || ino.Size() >= 60 {
		return "", false
	}
	return string(ino.Block[:ino.Size()]), true
}

// DirEntryRec is a parsed directory entry.
type DirEntryRec struct {
	Inode    uint32
	EntryName string
	FileType uint8
}

// ExtFS is the driver handle.
type ExtFS struct {
	src    ByteSource
	sb     *Superblock
	endian binary.ByteOrder
}

// Open parses the superblock and validates the magic. Group descriptors and
// inode tables are read lazily.
func Open(src ByteSource) (*ExtFS, error) {
	if src == nil {
		return nil, fmt.Errorf("byte source cannot be nil")
	}

	raw := make([]byte, 1024)
	if _, err := src.ReadAt(raw, superblockOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}

	sb, err := parseSuperblock(raw, binary.LittleEndian)
	if err != nil {
		return nil, err
	}

	return &ExtFS{src: src, sb: sb, endian: binary.LittleEndian}, nil
}

// parseSuperblock parses the 1024-byte ext superblock.
func parseSuperblock(data []byte, endian binary.ByteOrder) (*Superblock, error) {
	if len(data) < 1024 {
		return nil, fmt.Errorf("data too small for ext superblock: %d bytes", len(data))
	}

	sb := &Superblock{}
	sb.InodesCount = endian.Uint32(data[0:4])
	sb.BlocksCountLo = endian.Uint32(data[4:8])
	sb.LogBlockSize = endian.Uint32(data[24:28])
	sb.BlocksPerGroup = endian.Uint32(data[32:36])
	sb.InodesPerGroup = endian.Uint32(data[40:44])
	sb.Magic = endian.Uint16(data[56:58])
	if sb.Magic != superblockMagic {
		return nil, fmt.Errorf("invalid ext superblock magic: got 0x%04X, want 0x%04X", sb.Magic, superblockMagic)
	}
	sb.State = endian.Uint16(data[58:60])
	sb.FirstInode = endian.Uint32(data[84:88])
	sb.InodeSize = endian.Uint16(data[88:90])
	sb.FeatureCompat = endian.Uint32(data[92:96])
	sb.FeatureIncompat = endian.Uint32(data[96:100])
	sb.FeatureRoCompat = endian.Uint32(data[100:104])
	copy(sb.UUID[:], data[104:120])
	sb.VolumeName = strings.TrimRight(string(data[120:136]), "\x00")
	sb.DescSize = endian.Uint16(data[254:256])

	if sb.LogBlockSize > 6 {
		return nil, fmt.Errorf("implausible ext block size exponent: %d", sb.LogBlockSize)
	}
	if sb.InodesPerGroup == 0 {
		return nil, fmt.Errorf("ext superblock reports zero inodes per group")
	}
	if sb.InodeSize == 0 {
		sb.InodeSize = 128
	}

	return sb, nil
}

// Superblock returns the parsed superblock.
func (fs *ExtFS) Superblock() *Superblock {
	return fs.sb
}

// BlockSize returns the allocation unit in bytes.
func (fs *ExtFS) BlockSize() uint64 {
	return fs.sb.BlockSize()
}

// readBlock reads one filesystem block.
func (fs *ExtFS) readBlock(blockNum uint64) ([]byte, error) {
	bs := fs.BlockSize()
	offset := int64(blockNum * bs)
	if offset >= fs.src.Size() {
		return nil, fmt.Errorf("block %d is beyond the filesystem window", blockNum)
	}
	out := make([]byte, bs)
	if _, err := fs.src.ReadAt(out, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read block %d: %w", blockNum, err)
	}
	return out, nil
}

// inodeTableBlock returns the inode-table start block for a block group,
// read from the group descriptor table.
func (fs *ExtFS) inodeTableBlock(group uint64) (uint64, error) {
	bs := fs.BlockSize()

	// The descriptor table follows the block holding the superblock.
	tableStart := uint64(1)
	if bs == 1024 {
		tableStart = 2
	}

	descSize := uint64(32)
	if fs.sb.Is64Bit() {
		descSize = uint64(fs.sb.DescSize)
	}

	offset := int64(tableStart*bs + group*descSize)
	desc := make([]byte, descSize)
	if _, err := fs.src.ReadAt(desc, offset); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read group descriptor %d: %w", group, err)
	}

	table := uint64(fs.endian.Uint32(desc[8:12]))
	if fs.sb.Is64Bit() && len(desc) >= 44 {
		table |= uint64(fs.endian.Uint32(desc[40:44])) << 32
	}
	return table, nil
}

// GetInode reads and parses an inode by number.
func (fs *ExtFS) GetInode(inodeNum uint64) (*Inode, error) {
	if inodeNum == 0 || inodeNum > uint64(fs.sb.InodesCount) {
		return nil, fmt.Errorf("inode %d out of range (count %d)", inodeNum, fs.sb.InodesCount)
	}

	group := (inodeNum - 1) / uint64(fs.sb.InodesPerGroup)
	index := (inodeNum - 1) % uint64(fs.sb.InodesPerGroup)

	tableBlock, err := fs.inodeTableBlock(group)
	if err != nil {
		return nil, err
	}

	offset := int64(tableBlock*fs.BlockSize() + index*uint64(fs.sb.InodeSize))
	raw := make([]byte, fs.sb.InodeSize)
	if _, err := fs.src.ReadAt(raw, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read inode %d: %w", inodeNum, err)
	}

	return parseInode(raw, inodeNum, fs.endian), nil
}

func parseInode(data []byte, inodeNum uint64, endian binary.ByteOrder) *Inode {
	ino := &Inode{Num: inodeNum}
	ino.Mode = endian.Uint16(data[0:2])
	ino.UID = uint32(endian.Uint16(data[2:4]))
	ino.SizeLo = endian.Uint32(data[4:8])
	ino.Atime = endian.Uint32(data[8:12])
	ino.Ctime = endian.Uint32(data[12:16])
	ino.Mtime = endian.Uint32(data[16:20])
	ino.GID = uint32(endian.Uint16(data[24:26]))
	ino.LinksCount = endian.Uint16(data[26:28])
	ino.Flags = endian.Uint32(data[32:36])
	copy(ino.Block[:], data[40:100])
	ino.SizeHigh = endian.Uint32(data[108:112])

	// osd2 carries the high uid/gid halves on Linux.
	if len(data) >= 128 {
		ino.UID |= uint32(endian.Uint16(data[120:122])) << 16
		ino.GID |= uint32(endian.Uint16(data[122:124])) << 16
	}

	// Inodes with the extra area carry a creation time.
	if len(data) >= 148 {
		ino.Crtime = endian.Uint32(data[144:148])
		ino.HasCrtime = true
	}

	return ino
}

// dataBlocks returns the ordered list of block numbers holding the inode's
// content. A zero entry denotes a hole.
func (fs *ExtFS) dataBlocks(ino *Inode) ([]uint64, error) {
	if ino.UsesExtents() {
		return fs.extentBlocks(ino.Block[:], 0)
	}
	return fs.mappedBlocks(ino)
}

// extentBlocks walks an extent-tree node (inline in i_block or in a block).
func (fs *ExtFS) extentBlocks(node []byte, depth int) ([]uint64, error) {
	if depth > 8 {
		return nil, fmt.Errorf("extent tree deeper than expected")
	}
	if len(node) < 12 {
		return nil, fmt.Errorf("extent node too small")
	}

	magic := fs.endian.Uint16(node[0:2])
	if magic != 0xF30A {
		return nil, fmt.Errorf("invalid extent-tree magic: 0x%04X", magic)
	}
	entries := int(fs.endian.Uint16(node[2:4]))
	nodeDepth := fs.endian.Uint16(node[6:8])

	var out []uint64
	for i := 0; i < entries; i++ {
		off := 12 + i*12
		if off+12 > len(node) {
			break
		}
		rec := node[off : off+12]

		if nodeDepth == 0 {
			logical := uint64(fs.endian.Uint32(rec[0:4]))
			length := uint64(fs.endian.Uint16(rec[4:6]))
			uninitialized := false
			if length > 32768 {
				// Uninitialized extents read as zeros but still occupy range.
				length -= 32768
				uninitialized = true
			}
			start := uint64(fs.endian.Uint16(rec[6:8]))<<32 | uint64(fs.endian.Uint32(rec[8:12]))

			for uint64(len(out)) < logical {
				out = append(out, 0)
			}
			for j := uint64(0); j < length; j++ {
				if uninitialized {
					out = append(out, 0)
				} else {
					out = append(out, start+j)
				}
			}
			continue
		}

		child := uint64(fs.endian.Uint32(rec[4:8])) | uint64(fs.endian.Uint16(rec[8:10]))<<32
		block, err := fs.readBlock(child)
		if err != nil {
			return nil, err
		}
		childBlocks, err := fs.extentBlocks(block, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, childBlocks...)
	}

	return out, nil
}

// mappedBlocks resolves the legacy direct/indirect block map.
func (fs *ExtFS) mappedBlocks(ino *Inode) ([]uint64, error) {
	bs := fs.BlockSize()
	ptrsPerBlock := bs / 4

	var out []uint64
	for i := 0; i < 12; i++ {
		out = append(out, uint64(fs.endian.Uint32(ino.Block[i*4:i*4+4])))
	}

	var indirect func(blockNum uint64, level int) error
	indirect = func(blockNum uint64, level int) error {
		if blockNum == 0 {
			// A missing indirect block is a hole covering its whole span.
			span := uint64(1)
			for i := 0; i < level; i++ {
				span *= ptrsPerBlock
			}
			for i := uint64(0); i < span; i++ {
				out = append(out, 0)
			}
			return nil
		}
		block, err := fs.readBlock(blockNum)
		if err != nil {
			return err
		}
		for i := uint64(0); i < ptrsPerBlock; i++ {
			ptr := uint64(fs.endian.Uint32(block[i*4 : i*4+4]))
			if level == 1 {
				out = append(out, ptr)
			} else if err := indirect(ptr, level-1); err != nil {
				return err
			}
		}
		return nil
	}

	needed := (ino.Size() + bs - 1) / bs
	levels := []struct {
		slot  int
		level int
	}{{12, 1}, {13, 2}, {14, 3}}
	for _, l := range levels {
		if uint64(len(out)) >= needed {
			break
		}
		ptr := uint64(fs.endian.Uint32(ino.Block[l.slot*4 : l.slot*4+4]))
		if err := indirect(ptr, l.level); err != nil {
			return nil, err
		}
	}

	if uint64(len(out)) > needed {
		out = out[:needed]
	}
	return out, nil
}

// ReadInode reads the whole content of an inode.
func (fs *ExtFS) ReadInode(ino *Inode) ([]byte, error) {
	return fs.ReadInodeSlice(ino, 0, ino.Size())
}

// ReadInodeSlice reads [offset, offset+length) of an inode's content,
// clamped to its size. Holes read as zeros.
func (fs *ExtFS) ReadInodeSlice(ino *Inode, offset, length uint64) ([]byte, error) {
	size := ino.Size()
	if offset >= size {
		return []byte{}, nil
	}
	end := offset + length
	if end < offset || end > size {
		end = size
	}

	if target, ok := ino.InlineSymlinkTarget(); ok {
		return []byte(target)[offset:end], nil
	}

	blocks, err := fs.dataBlocks(ino)
	if err != nil {
		return nil, err
	}

	bs := fs.BlockSize()
	out := make([]byte, end-offset)
	for pos := offset; pos < end; {
		blockIdx := pos / bs
		inBlock := pos % bs
		chunk := bs - inBlock
		if remaining := end - pos; chunk > remaining {
			chunk = remaining
		}

		if blockIdx < uint64(len(blocks)) && blocks[blockIdx] != 0 {
			block, err := fs.readBlock(blocks[blockIdx])
			if err != nil {
				return nil, err
			}
			copy(out[pos-offset:], block[inBlock:inBlock+chunk])
		}
		pos += chunk
	}

	return out, nil
}

// ListDir parses the directory entries of a directory inode.
func (fs *ExtFS) ListDir(ino *Inode) ([]DirEntryRec, error) {
	if !ino.IsDir() {
		return nil, fmt.Errorf("inode %d is not a directory", ino.Num)
	}

	content, err := fs.ReadInode(ino)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %d: %w", ino.Num, err)
	}

	hasFiletype := fs.sb.FeatureIncompat&featureIncompatFiletype != 0

	var out []DirEntryRec
	bs := int(fs.BlockSize())
	for blockStart := 0; blockStart < len(content); blockStart += bs {
		blockEnd := blockStart + bs
		if blockEnd > len(content) {
			blockEnd = len(content)
		}

		offset := blockStart
		for offset+8 <= blockEnd {
			entryInode := fs.endian.Uint32(content[offset : offset+4])
			recLen := int(fs.endian.Uint16(content[offset+4 : offset+6]))
			if recLen < 8 || offset+recLen > blockEnd {
				break
			}

			var nameLen int
			var fileType uint8
			if hasFiletype {
				nameLen = int(content[offset+6])
				fileType = content[offset+7]
			} else {
				nameLen = int(fs.endian.Uint16(content[offset+6 : offset+8]))
			}

			if entryInode != 0 && nameLen > 0 && offset+8+nameLen <= blockEnd {
				name := string(content[offset+8 : offset+8+nameLen])
				out = append(out, DirEntryRec{
					Inode:    entryInode,
					EntryName: name,
					FileType: fileType,
				})
			}
			offset += recLen
		}
	}

	return out, nil
}
