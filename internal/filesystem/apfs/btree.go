package apfs

import (
	"encoding/binary"
	"fmt"
)

// btnDataStart is where a B-tree node's storage area begins, right after
// the fixed btree_node_phys_t header.
const btnDataStart = 56

// btreeNode is a parsed B-tree node plus the raw block it came from.
type btreeNode struct {
	obj      ObjPhys
	flags    uint16
	level    uint16
	nkeys    uint32
	tableOff uint16
	tableLen uint16
	block    []byte
}

func parseBtreeNode(block []byte, endian binary.ByteOrder) (*btreeNode, error) {
	if len(block) < btnDataStart {
		return nil, fmt.Errorf("data too small for B-tree node: %d bytes", len(block))
	}

	n := &btreeNode{block: block}
	parseObjPhys(&n.obj, block, endian)
	if n.obj.ObjectType() != ObjectTypeBtree && n.obj.ObjectType() != ObjectTypeBtreeNode {
		return nil, fmt.Errorf("not a B-tree node (type 0x%04X)", n.obj.ObjectType())
	}

	n.flags = endian.Uint16(block[32:34])
	n.level = endian.Uint16(block[34:36])
	n.nkeys = endian.Uint32(block[36:40])
	n.tableOff = endian.Uint16(block[40:42])
	n.tableLen = endian.Uint16(block[42:44])

	return n, nil
}

func (n *btreeNode) isLeaf() bool {
	return n.flags&BtnodeLeaf != 0
}

func (n *btreeNode) isRoot() bool {
	return n.flags&BtnodeRoot != 0
}

func (n *btreeNode) hasFixedKV() bool {
	return n.flags&BtnodeFixedKVSize != 0
}

// keyAreaStart is the offset of the key storage area: the table of contents
// sits at btn_data + table_space.off and keys follow it.
func (n *btreeNode) keyAreaStart() int {
	return btnDataStart + int(n.tableOff) + int(n.tableLen)
}

// valueAreaEnd is the offset values are measured backwards from: the end of
// the node, minus the trailing btree_info_t on root nodes.
func (n *btreeNode) valueAreaEnd() int {
	end := len(n.block)
	if n.isRoot() {
		end -= btreeInfoSize
	}
	return end
}

// entry returns the raw key and value bytes of table-of-contents entry i.
// For fixed-KV nodes the table of contents carries no lengths, so the key
// and value slices run to the end of the node; callers slice the fixed-size
// record they need and bounds-check via the returned lengths.
func (n *btreeNode) entry(i int, endian binary.ByteOrder) (key, value []byte, err error) {
	if i < 0 || uint32(i) >= n.nkeys {
		return nil, nil, fmt.Errorf("entry index %d out of range (%d keys)", i, n.nkeys)
	}

	tocStart := btnDataStart + int(n.tableOff)
	keyStart := n.keyAreaStart()
	valueEnd := n.valueAreaEnd()

	if n.hasFixedKV() {
		// kvoff_t: two uint16 offsets per entry.
		off := tocStart + i*4
		if off+4 > len(n.block) {
			return nil, nil, fmt.Errorf("toc entry %d exceeds node data", i)
		}
		kOff := int(endian.Uint16(n.block[off : off+2]))
		vOff := int(endian.Uint16(n.block[off+2 : off+4]))

		kStart := keyStart + kOff
		if kStart < 0 || kStart > len(n.block) {
			return nil, nil, fmt.Errorf("key offset %d exceeds node data", kOff)
		}
		key = n.block[kStart:]

		if vOff == 0xFFFF {
			return key, nil, nil
		}
		vStart := valueEnd - vOff
		if vStart < 0 || vStart > len(n.block) {
			return nil, nil, fmt.Errorf("value offset %d exceeds node data", vOff)
		}
		value = n.block[vStart:]
		return key, value, nil
	}

	// kvloc_t: offset/length pairs for key and value.
	off := tocStart + i*8
	if off+8 > len(n.block) {
		return nil, nil, fmt.Errorf("toc entry %d exceeds node data", i)
	}
	kOff := int(endian.Uint16(n.block[off : off+2]))
	kLen := int(endian.Uint16(n.block[off+2 : off+4]))
	vOff := int(endian.Uint16(n.block[off+4 : off+6]))
	vLen := int(endian.Uint16(n.block[off+6 : off+8]))

	kStart := keyStart + kOff
	if kStart < 0 || kStart+kLen > len(n.block) {
		return nil, nil, fmt.Errorf("key span [%d,%d) exceeds node data", kOff, kOff+kLen)
	}
	key = n.block[kStart : kStart+kLen]

	if vOff == 0xFFFF {
		return key, nil, nil
	}
	vStart := valueEnd - vOff
	if vStart < 0 || vStart+vLen > len(n.block) {
		return nil, nil, fmt.Errorf("value span [%d,%d) exceeds node data", vOff, vOff+vLen)
	}
	value = n.block[vStart : vStart+vLen]
	return key, value, nil
}

// childOID reads an index-node value as the 64-bit child object identifier
// (virtual for filesystem trees, physical for object-map trees).
func childOID(value []byte, endian binary.ByteOrder) (uint64, error) {
	if len(value) < 8 {
		return 0, fmt.Errorf("index value too small for child OID: %d bytes", len(value))
	}
	return endian.Uint64(value[0:8]), nil
}

// OmapLookup resolves a virtual object identifier through an object-map
// B-tree rooted at the given physical block, returning the physical address
// of the newest mapping with a transaction id at or below maxXid.
func (c *Container) OmapLookup(treeRoot uint64, oid uint64, maxXid uint64) (uint64, error) {
	addr := treeRoot

	for depth := 0; depth < 32; depth++ {
		block, err := c.ReadBlock(addr)
		if err != nil {
			return 0, err
		}
		node, err := parseBtreeNode(block, c.endian)
		if err != nil {
			return 0, err
		}

		if node.isLeaf() {
			var bestPaddr uint64
			var bestXid uint64
			found := false
			for i := 0; i < int(node.nkeys); i++ {
				key, value, err := node.entry(i, c.endian)
				if err != nil || len(key) < 16 || len(value) < 16 {
					continue
				}
				okOid := c.endian.Uint64(key[0:8])
				okXid := c.endian.Uint64(key[8:16])
				if okOid != oid || okXid > maxXid {
					continue
				}
				if !found || okXid >= bestXid {
					bestXid = okXid
					// omap_val_t: ov_flags, ov_size, ov_paddr.
					bestPaddr = c.endian.Uint64(value[8:16])
					found = true
				}
			}
			if !found {
				return 0, fmt.Errorf("object %d not found in object map", oid)
			}
			return bestPaddr, nil
		}

		// Index node: descend into the last child whose first key is at or
		// below the target.
		childIdx := -1
		for i := 0; i < int(node.nkeys); i++ {
			key, _, err := node.entry(i, c.endian)
			if err != nil || len(key) < 8 {
				continue
			}
			if c.endian.Uint64(key[0:8]) <= oid {
				childIdx = i
			} else {
				break
			}
		}
		if childIdx < 0 {
			return 0, fmt.Errorf("object %d precedes the object map key range", oid)
		}

		_, value, err := node.entry(childIdx, c.endian)
		if err != nil {
			return 0, err
		}
		child, err := childOID(value, c.endian)
		if err != nil {
			return 0, err
		}
		addr = child
	}

	return 0, fmt.Errorf("object map deeper than expected resolving oid %d", oid)
}
