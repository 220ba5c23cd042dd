package extfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(newMemSource(buildTestImage(t)))
	require.NoError(t, err)
	return a
}

func TestAdapterSurface(t *testing.T) {
	a := newTestAdapter(t)

	assert.Equal(t, "Extended File System", a.Kind())
	assert.Equal(t, "/", a.PathSeparator())
	assert.EqualValues(t, 32, a.RecordCount())
	assert.EqualValues(t, 1024, a.BlockSize())
	assert.EqualValues(t, RootInodeID, a.RootFileID())
}

func TestAdapterRecordToFile(t *testing.T) {
	a := newTestAdapter(t)

	rec, err := a.GetFile(12)
	require.NoError(t, err)

	f := a.RecordToFile(rec, 12, "/hello.txt")
	assert.EqualValues(t, 12, f.Identifier)
	assert.Equal(t, "/hello.txt", f.AbsolutePath)
	assert.Equal(t, "hello.txt", f.Name)
	assert.Equal(t, "file", f.Ftype)
	assert.EqualValues(t, 5, f.Size)
	assert.Equal(t, "-rw-r--r--", f.Permissions)
	assert.Equal(t, "1000", f.Owner)
	assert.Equal(t, "1000", f.Group)
	require.NotNil(t, f.Modified)
	assert.EqualValues(t, 1_600_000_300, *f.Modified)
	assert.Nil(t, f.Created, "a 128-byte inode has no creation time")
}

func TestAdapterReadSlices(t *testing.T) {
	a := newTestAdapter(t)

	rec, err := a.GetFile(12)
	require.NoError(t, err)

	whole, err := a.ReadFileContent(rec)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(whole))

	prefix, err := a.ReadFilePrefix(rec, 3)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(prefix))

	fullPrefix, err := a.ReadFilePrefix(rec, 5)
	require.NoError(t, err)
	assert.Equal(t, whole, fullPrefix)

	slice, err := a.ReadFileSlice(rec, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(slice), "slices clamp to end-of-file")

	empty, err := a.ReadFileSlice(rec, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAdapterDirectoryGuards(t *testing.T) {
	a := newTestAdapter(t)

	root, err := a.GetFile(RootInodeID)
	require.NoError(t, err)
	file, err := a.GetFile(12)
	require.NoError(t, err)

	_, err = a.ReadFileContent(root)
	assert.Error(t, err, "content read on a directory must fail")

	_, err = a.ListDir(file)
	assert.Error(t, err, "listing a non-directory must fail")
}

func TestAdapterRefusesOversizedContentRead(t *testing.T) {
	img := buildTestImage(t)
	// Inode 13 claims 1 GiB without backing blocks; the whole-file read must
	// refuse before allocating anything.
	base := 5*1024 + 12*128
	img[base] = 0xA4 // mode 0o100644 little-endian
	img[base+1] = 0x81
	img[base+4] = 0
	img[base+5] = 0
	img[base+6] = 0
	img[base+7] = 0x40 // size_lo = 1 << 30

	a, err := NewAdapter(newMemSource(img))
	require.NoError(t, err)

	rec, err := a.GetFile(13)
	require.NoError(t, err)
	require.EqualValues(t, 1<<30, rec.Size())

	_, err = a.ReadFileContent(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cap")
}

func TestAdapterRejectsForeignRecord(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.ListDir(&foreignRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant mismatch")
}

// foreignRecord stands in for a record produced by another adapter.
type foreignRecord struct{}

func (r *foreignRecord) ID() uint64               { return 1 }
func (r *foreignRecord) Size() uint64             { return 0 }
func (r *foreignRecord) IsDir() bool              { return true }
func (r *foreignRecord) String() string           { return "foreign" }
func (r *foreignRecord) Metadata() map[string]any { return nil }

func TestAdapterWalk(t *testing.T) {
	a := newTestAdapter(t)

	files, err := filesystem.Walk(a)
	require.NoError(t, err)

	byPath := make(map[string]*filesystem.File)
	for _, f := range files {
		byPath[f.AbsolutePath] = f
	}

	require.Contains(t, byPath, "/")
	require.Contains(t, byPath, "/hello.txt")
	assert.Equal(t, "dir", byPath["/"].Ftype)
	assert.Equal(t, "file", byPath["/hello.txt"].Ftype)
}
