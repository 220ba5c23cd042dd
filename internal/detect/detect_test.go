package detect

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-forensicfs/internal/image"
)

func writeImage(t *testing.T, data []byte) *image.Body {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evidence.raw")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	body, err := image.Open(path, "raw")
	require.NoError(t, err)
	t.Cleanup(func() { body.Close() })
	return body
}

// minimalExtImage carries just enough superblock for the ext probe to
// accept the window.
func minimalExtImage(offset uint64) []byte {
	endian := binary.LittleEndian
	img := make([]byte, offset+8192)

	sb := img[offset+1024 : offset+2048]
	endian.PutUint32(sb[0:4], 16)   // inodes count
	endian.PutUint32(sb[4:8], 8)    // blocks count
	endian.PutUint32(sb[32:36], 8)  // blocks per group
	endian.PutUint32(sb[40:44], 16) // inodes per group
	endian.PutUint16(sb[56:58], 0xEF53)
	endian.PutUint16(sb[88:90], 128) // inode size

	return img
}

func TestDetectExt(t *testing.T) {
	body := writeImage(t, minimalExtImage(0))

	fs, err := Detect(body, 0, 8192)
	require.NoError(t, err)
	assert.Equal(t, "Extended File System", fs.Kind())
	assert.EqualValues(t, 1024, fs.BlockSize())
}

func TestDetectExtAtOffset(t *testing.T) {
	const offset = 4096
	body := writeImage(t, minimalExtImage(offset))

	fs, err := Detect(body, offset, 8192)
	require.NoError(t, err)
	assert.Equal(t, "Extended File System", fs.Kind())
}

func TestDetectNothing(t *testing.T) {
	body := writeImage(t, make([]byte, 16384))

	_, err := Detect(body, 512, 8192)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported filesystem detected at offset 512")
}
