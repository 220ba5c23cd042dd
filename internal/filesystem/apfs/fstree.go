package apfs

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FSTree is a per-volume handle onto the volume's filesystem B-tree,
// holding the resolved object-map and root-node addresses so repeated
// lookups do not re-walk the container metadata.
type FSTree struct {
	c          *Container
	vol        *VolumeSuperblock
	omapRoot   uint64
	rootAddr   uint64
	hashedKeys bool
}

// OpenFSTree resolves a volume's object map and filesystem-tree root.
func (c *Container) OpenFSTree(vol *VolumeSuperblock) (*FSTree, error) {
	if vol == nil {
		return nil, fmt.Errorf("volume superblock cannot be nil")
	}

	omapRoot, err := c.omapTreeRoot(vol.OmapOid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve volume object map: %w", err)
	}

	t := &FSTree{
		c:          c,
		vol:        vol,
		omapRoot:   omapRoot,
		hashedKeys: vol.HashedDirKeys(),
	}

	rootAddr, err := t.resolveVirtual(vol.RootTreeOid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve filesystem tree root: %w", err)
	}
	t.rootAddr = rootAddr

	return t, nil
}

// resolveVirtual maps a volume-virtual OID to a physical block address.
func (t *FSTree) resolveVirtual(oid uint64) (uint64, error) {
	return t.c.OmapLookup(t.omapRoot, oid, t.c.sb.NextXid)
}

func (t *FSTree) loadNode(addr uint64) (*btreeNode, error) {
	block, err := t.c.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return parseBtreeNode(block, t.c.endian)
}

// iterateByID visits every leaf record whose j-key object identifier equals
// objID, in tree order. The callback returns false to stop early.
func (t *FSTree) iterateByID(objID uint64, fn func(kind uint8, key, value []byte) bool) error {
	return t.iterateNodeByID(t.rootAddr, objID, fn, 0)
}

func (t *FSTree) iterateNodeByID(addr, objID uint64, fn func(uint8, []byte, []byte) bool, depth int) error {
	if depth > 32 {
		return fmt.Errorf("filesystem tree deeper than expected")
	}

	node, err := t.loadNode(addr)
	if err != nil {
		return err
	}
	endian := t.c.endian

	if node.isLeaf() {
		for i := 0; i < int(node.nkeys); i++ {
			key, value, err := node.entry(i, endian)
			if err != nil || len(key) < 8 {
				continue
			}
			idAndType := endian.Uint64(key[0:8])
			if idAndType&ObjIdMask != objID {
				continue
			}
			kind := uint8((idAndType & ObjTypeMask) >> ObjTypeShift)
			if !fn(kind, key, value) {
				return nil
			}
		}
		return nil
	}

	// Index node: child i covers keys from key[i] up to key[i+1], so every
	// child whose range can contain objID is descended.
	for i := 0; i < int(node.nkeys); i++ {
		key, value, err := node.entry(i, endian)
		if err != nil || len(key) < 8 {
			continue
		}
		lo := endian.Uint64(key[0:8]) & ObjIdMask

		hi := ^uint64(0)
		if i+1 < int(node.nkeys) {
			nextKey, _, err := node.entry(i+1, endian)
			if err == nil && len(nextKey) >= 8 {
				hi = endian.Uint64(nextKey[0:8]) & ObjIdMask
			}
		}

		if objID < lo || (hi != ^uint64(0) && objID > hi) {
			continue
		}

		childVirt, err := childOID(value, endian)
		if err != nil {
			continue
		}
		childAddr, err := t.resolveVirtual(childVirt)
		if err != nil {
			continue
		}
		if err := t.iterateNodeByID(childAddr, objID, fn, depth+1); err != nil {
			return err
		}
	}

	return nil
}

// walkLeaves visits every leaf record in the tree. The callback returns
// false to stop early.
func (t *FSTree) walkLeaves(fn func(kind uint8, objID uint64, key, value []byte) bool) error {
	var visit func(addr uint64, depth int) (bool, error)
	endian := t.c.endian

	visit = func(addr uint64, depth int) (bool, error) {
		if depth > 32 {
			return false, fmt.Errorf("filesystem tree deeper than expected")
		}
		node, err := t.loadNode(addr)
		if err != nil {
			return false, err
		}

		if node.isLeaf() {
			for i := 0; i < int(node.nkeys); i++ {
				key, value, err := node.entry(i, endian)
				if err != nil || len(key) < 8 {
					continue
				}
				idAndType := endian.Uint64(key[0:8])
				kind := uint8((idAndType & ObjTypeMask) >> ObjTypeShift)
				if !fn(kind, idAndType&ObjIdMask, key, value) {
					return false, nil
				}
			}
			return true, nil
		}

		for i := 0; i < int(node.nkeys); i++ {
			_, value, err := node.entry(i, endian)
			if err != nil {
				continue
			}
			childVirt, err := childOID(value, endian)
			if err != nil {
				continue
			}
			childAddr, err := t.resolveVirtual(childVirt)
			if err != nil {
				continue
			}
			cont, err := visit(childAddr, depth+1)
			if err != nil || !cont {
				return cont, err
			}
		}
		return true, nil
	}

	_, err := visit(t.rootAddr, 0)
	return err
}

// InodeByID looks up the inode record for an inode id. The boolean reports
// presence; absence is not an error.
func (t *FSTree) InodeByID(id uint64) (*Inode, bool, error) {
	var ino *Inode
	var parseErr error

	err := t.iterateByID(id, func(kind uint8, key, value []byte) bool {
		if kind != ApfsTypeInode {
			return true
		}
		ino, parseErr = parseInodeValue(value, t.c.endian)
		return false
	})
	if err != nil {
		return nil, false, err
	}
	if parseErr != nil {
		return nil, false, parseErr
	}
	return ino, ino != nil, nil
}

// InodeIDByPrivateID scans the tree for an inode whose private id matches,
// used as the secondary lookup when an identifier names a data stream.
func (t *FSTree) InodeIDByPrivateID(privateID uint64) (uint64, bool, error) {
	var foundID uint64
	found := false

	err := t.walkLeaves(func(kind uint8, objID uint64, key, value []byte) bool {
		if kind != ApfsTypeInode {
			return true
		}
		ino, err := parseInodeValue(value, t.c.endian)
		if err != nil || ino.PrivateID != privateID {
			return true
		}
		foundID = objID
		found = true
		return false
	})
	if err != nil {
		return 0, false, err
	}
	return foundID, found, nil
}

// DetectRootInodeID returns the volume's root directory inode id: the
// well-known inode 2 when present, else the smallest inode parented at the
// root parent.
func (t *FSTree) DetectRootInodeID() (uint64, bool, error) {
	if _, ok, err := t.InodeByID(RootDirInodeID); err != nil {
		return 0, false, err
	} else if ok {
		return RootDirInodeID, true, nil
	}

	var best uint64
	found := false
	err := t.walkLeaves(func(kind uint8, objID uint64, key, value []byte) bool {
		if kind != ApfsTypeInode {
			return true
		}
		ino, err := parseInodeValue(value, t.c.endian)
		if err != nil || ino.ParentID != RootDirParentID {
			return true
		}
		if !found || objID < best {
			best = objID
			found = true
		}
		return true
	})
	if err != nil {
		return 0, false, err
	}
	return best, found, nil
}

// DirChildren returns the directory records parented at the given inode.
func (t *FSTree) DirChildren(dirID uint64) ([]DirRec, error) {
	var out []DirRec

	err := t.iterateByID(dirID, func(kind uint8, key, value []byte) bool {
		if kind != ApfsTypeDirRec {
			return true
		}
		rec, err := parseDirRec(key, value, t.hashedKeys, t.c.endian)
		if err != nil {
			return true
		}
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FileExtents returns the extent records keyed by the given id (inode id or
// data-stream private id), ordered by logical address as stored.
func (t *FSTree) FileExtents(id uint64) ([]Extent, error) {
	var out []Extent

	err := t.iterateByID(id, func(kind uint8, key, value []byte) bool {
		if kind != ApfsTypeFileExtent {
			return true
		}
		if len(key) < 16 || len(value) < 16 {
			return true
		}
		out = append(out, Extent{
			LogicalAddr:  t.c.endian.Uint64(key[8:16]),
			LengthBytes:  t.c.endian.Uint64(value[0:8]) & JFileExtentLenMask,
			PhysBlockNum: t.c.endian.Uint64(value[8:16]),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseInodeValue parses a j_inode_val, including the extended-field blob
// that carries the data-stream size and the primary name.
func parseInodeValue(data []byte, endian binary.ByteOrder) (*Inode, error) {
	const fixedSize = 92
	if len(data) < fixedSize {
		return nil, fmt.Errorf("insufficient data for inode value: %d bytes", len(data))
	}

	ino := &Inode{}
	ino.ParentID = endian.Uint64(data[0:8])
	ino.PrivateID = endian.Uint64(data[8:16])
	ino.CreateTime = endian.Uint64(data[16:24])
	ino.ModTime = endian.Uint64(data[24:32])
	ino.ChangeTime = endian.Uint64(data[32:40])
	ino.AccessTime = endian.Uint64(data[40:48])
	ino.InternalFlags = endian.Uint64(data[48:56])
	ino.NchildrenOrNlink = int32(endian.Uint32(data[56:60]))
	// default protection class and write generation counter are skipped.
	ino.BsdFlags = endian.Uint32(data[68:72])
	ino.Owner = endian.Uint32(data[72:76])
	ino.Group = endian.Uint32(data[76:80])
	ino.Mode = endian.Uint16(data[80:82])
	// pad1 at 82, uncompressed_size at 84.
	ino.UncompressedSize = endian.Uint64(data[84:92])

	if len(data) > fixedSize {
		parseInodeXFields(ino, data[fixedSize:], endian)
	}

	return ino, nil
}

// parseInodeXFields walks the xf_blob entry table after the fixed inode
// fields. Unknown field types are skipped by size.
func parseInodeXFields(ino *Inode, data []byte, endian binary.ByteOrder) {
	if len(data) < 4 {
		return
	}
	numExts := int(endian.Uint16(data[0:2]))
	_ = endian.Uint16(data[2:4]) // xf_used_data

	tableEnd := 4 + numExts*4
	if tableEnd > len(data) {
		return
	}

	valOffset := tableEnd
	for i := 0; i < numExts; i++ {
		entry := data[4+i*4 : 4+i*4+4]
		xType := entry[0]
		xSize := int(endian.Uint16(entry[2:4]))

		if valOffset+xSize > len(data) {
			return
		}
		val := data[valOffset : valOffset+xSize]

		switch xType {
		case InoExtTypeDstream:
			if len(val) >= 40 {
				ino.Dstream = &Dstream{
					Size:              endian.Uint64(val[0:8]),
					AllocedSize:       endian.Uint64(val[8:16]),
					DefaultCryptoID:   endian.Uint64(val[16:24]),
					TotalBytesWritten: endian.Uint64(val[24:32]),
					TotalBytesRead:    endian.Uint64(val[32:40]),
				}
			}
		case InoExtTypeName:
			ino.Name = strings.TrimRight(string(val), "\x00")
		}

		// Extended-field values are 8-byte aligned.
		valOffset += (xSize + 7) &^ 7
	}
}

// parseDirRec parses a directory-record key/value pair in either the plain
// or hashed key form.
func parseDirRec(key, value []byte, hashed bool, endian binary.ByteOrder) (DirRec, error) {
	var rec DirRec

	var nameStart, nameLen int
	if hashed {
		if len(key) < 12 {
			return rec, fmt.Errorf("insufficient data for hashed directory key")
		}
		nameLen = int(endian.Uint32(key[8:12]) & JDrecLenMask)
		nameStart = 12
	} else {
		if len(key) < 10 {
			return rec, fmt.Errorf("insufficient data for directory key")
		}
		nameLen = int(endian.Uint16(key[8:10]))
		nameStart = 10
	}
	if nameStart+nameLen > len(key) {
		return rec, fmt.Errorf("directory-record name exceeds key data")
	}
	rec.Name = strings.TrimRight(string(key[nameStart:nameStart+nameLen]), "\x00")

	if len(value) < 18 {
		return rec, fmt.Errorf("insufficient data for directory value")
	}
	rec.FileID = endian.Uint64(value[0:8])
	rec.DateAdded = endian.Uint64(value[8:16])
	rec.Flags = endian.Uint16(value[16:18])

	return rec, nil
}
