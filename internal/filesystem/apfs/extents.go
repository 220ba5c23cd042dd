package apfs

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// effectiveSize is the size used for read clamping: the larger of the
// declared size and the end of the extent map. Variants with missing inode
// size headers still read correctly this way.
func effectiveSize(declared uint64, extents []Extent) uint64 {
	maxEnd := declared
	for _, e := range extents {
		end, ok := addCheck(e.LogicalAddr, e.LengthBytes)
		if !ok {
			continue
		}
		if end > maxEnd {
			maxEnd = end
		}
	}
	return maxEnd
}

// clampWindow bounds a requested [offset, offset+length) read against the
// file size and the hard read cap, returning the exclusive end offset. An
// offset at or past the size yields end == offset (an empty read).
func clampWindow(offset, length, size uint64) uint64 {
	if offset >= size {
		return offset
	}
	end, ok := addCheck(offset, length)
	if !ok {
		end = ^uint64(0)
	}
	if end > size {
		end = size
	}
	if capped, ok := addCheck(offset, filesystem.MaxReadBytes); ok && end > capped {
		end = capped
	}
	return end
}

// assembleExtents reconstructs the logical byte range [offset, end) of a
// file from its extent map, reading each overlapping physical run from src.
// Bytes not covered by any extent stay zero (sparse-hole semantics). All
// physical arithmetic is overflow-checked; forensic images may present
// pathological extent descriptors.
func assembleExtents(src ByteSource, blockSize uint64, extents []Extent, offset, end uint64) ([]byte, error) {
	if end <= offset {
		return []byte{}, nil
	}
	out := make([]byte, end-offset)

	for _, e := range extents {
		extStart := e.LogicalAddr
		extEnd, ok := addCheck(e.LogicalAddr, e.LengthBytes)
		if !ok {
			continue
		}

		ovStart := extStart
		if offset > ovStart {
			ovStart = offset
		}
		ovEnd := extEnd
		if end < ovEnd {
			ovEnd = end
		}
		if ovEnd <= ovStart {
			continue
		}

		relInExt := ovStart - extStart
		physByte, ok := mulCheck(e.PhysBlockNum, blockSize)
		if !ok {
			return nil, fmt.Errorf("physical offset overflow for block %d", e.PhysBlockNum)
		}
		physByte, ok = addCheck(physByte, relInExt)
		if !ok {
			return nil, fmt.Errorf("physical offset overflow for block %d", e.PhysBlockNum)
		}

		dst := out[ovStart-offset : ovEnd-offset]
		if _, err := src.ReadAt(dst, int64(physByte)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read extent at physical offset %d: %w", physByte, err)
		}
	}

	return out, nil
}
