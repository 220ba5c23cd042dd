package apfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

// memSource is an in-memory ByteSource for extent-assembly tests;
// bytes.Reader already carries Read, Seek, ReadAt and Size.
type memSource struct {
	*bytes.Reader
}

func newMemSource(data []byte) *memSource {
	return &memSource{Reader: bytes.NewReader(data)}
}

func TestEffectiveSize(t *testing.T) {
	extents := []Extent{
		{LogicalAddr: 0, PhysBlockNum: 10, LengthBytes: 4096},
		{LogicalAddr: 8192, PhysBlockNum: 20, LengthBytes: 4096},
	}

	assert.EqualValues(t, 12288, effectiveSize(0, extents), "extent coverage wins over a missing declared size")
	assert.EqualValues(t, 12288, effectiveSize(100, extents))
	assert.EqualValues(t, 20000, effectiveSize(20000, extents), "a larger declared size wins")
	assert.EqualValues(t, 5, effectiveSize(5, nil))
}

func TestClampWindow(t *testing.T) {
	assert.EqualValues(t, 100, clampWindow(0, 1000, 100), "length clamps to size")
	assert.EqualValues(t, 100, clampWindow(100, 10, 100), "offset at size reads nothing")
	assert.EqualValues(t, 300, clampWindow(100, 200, 1000))

	// A 1 GiB request at offset 0 clamps to exactly the 512 MiB cap.
	oneGiB := uint64(1) << 30
	assert.EqualValues(t, filesystem.MaxReadBytes, clampWindow(0, oneGiB, oneGiB))

	// Overflowing offset+length still clamps to size.
	assert.EqualValues(t, 50, clampWindow(10, ^uint64(0), 50))
}

// TestAssembleExtentsHoleRead reconstructs a sparse file with two extents
// and a hole in the middle: bytes [4096, 8192) stay zero, the rest equals
// the on-disk bytes at the extents' physical offsets.
func TestAssembleExtentsHoleRead(t *testing.T) {
	const blockSize = 4096
	disk := make([]byte, 256*blockSize)
	for i := range disk[100*blockSize : 101*blockSize] {
		disk[100*blockSize+i] = 0x11
	}
	for i := range disk[200*blockSize : 201*blockSize] {
		disk[200*blockSize+i] = 0x22
	}

	extents := []Extent{
		{LogicalAddr: 0, PhysBlockNum: 100, LengthBytes: blockSize},
		{LogicalAddr: 2 * blockSize, PhysBlockNum: 200, LengthBytes: blockSize},
	}

	out, err := assembleExtents(newMemSource(disk), blockSize, extents, 0, 3*blockSize)
	require.NoError(t, err)
	require.Len(t, out, 3*blockSize)

	assert.Equal(t, bytes.Repeat([]byte{0x11}, blockSize), out[:blockSize])
	assert.Equal(t, make([]byte, blockSize), out[blockSize:2*blockSize], "the hole reads as zeros")
	assert.Equal(t, bytes.Repeat([]byte{0x22}, blockSize), out[2*blockSize:])
}

func TestAssembleExtentsWindowed(t *testing.T) {
	const blockSize = 512
	disk := make([]byte, 64*blockSize)
	for i := 0; i < blockSize; i++ {
		disk[10*blockSize+i] = byte(i)
	}

	extents := []Extent{{LogicalAddr: 0, PhysBlockNum: 10, LengthBytes: blockSize}}

	// A window inside the extent maps to the same physical bytes.
	out, err := assembleExtents(newMemSource(disk), blockSize, extents, 100, 160)
	require.NoError(t, err)
	require.Len(t, out, 60)
	for i, b := range out {
		assert.Equal(t, byte(100+i), b)
	}

	// An empty window yields an empty, non-nil slice.
	out, err = assembleExtents(newMemSource(disk), blockSize, extents, 200, 200)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAssembleExtentsOverflowingDescriptor(t *testing.T) {
	disk := make([]byte, 4096)
	extents := []Extent{{LogicalAddr: 0, PhysBlockNum: ^uint64(0), LengthBytes: 4096}}

	_, err := assembleExtents(newMemSource(disk), 4096, extents, 0, 4096)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow")
}

func TestSliceEqualsContentSubrange(t *testing.T) {
	const blockSize = 512
	disk := make([]byte, 64*blockSize)
	for i := range disk {
		disk[i] = byte(i % 251)
	}
	extents := []Extent{
		{LogicalAddr: 0, PhysBlockNum: 3, LengthBytes: 2 * blockSize},
		{LogicalAddr: 2 * blockSize, PhysBlockNum: 9, LengthBytes: blockSize},
	}
	src := newMemSource(disk)
	size := effectiveSize(0, extents)

	whole, err := assembleExtents(src, blockSize, extents, 0, size)
	require.NoError(t, err)

	for _, window := range []struct{ off, length uint64 }{
		{0, size}, {1, 100}, {blockSize - 7, 20}, {2*blockSize + 5, 50},
	} {
		end := clampWindow(window.off, window.length, size)
		slice, err := assembleExtents(src, blockSize, extents, window.off, end)
		require.NoError(t, err)
		assert.Equal(t, whole[window.off:end], slice)
	}
}
