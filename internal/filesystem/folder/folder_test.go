package folder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
)

func newTestTree(t *testing.T) (string, *Adapter) {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("top contents"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.bin"), []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0o600))

	a, err := NewAdapter(root)
	require.NoError(t, err)
	return root, a
}

func TestNewAdapterRejectsFiles(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewAdapter(file)
	assert.Error(t, err)
}

func TestRootResolvesThroughCache(t *testing.T) {
	_, a := newTestTree(t)

	rootID := a.RootFileID()
	require.NotZero(t, rootID)

	rec, err := a.GetFile(rootID)
	require.NoError(t, err)
	assert.True(t, rec.IsDir())
}

func TestListDirPopulatesCache(t *testing.T) {
	_, a := newTestTree(t)

	root, err := a.GetFile(a.RootFileID())
	require.NoError(t, err)

	entries, err := a.ListDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, entry := range entries {
		child, err := a.GetFile(entry.FileID())
		require.NoError(t, err, "listed identifiers must resolve")
		assert.NotEmpty(t, entry.Name())
		assert.EqualValues(t, entry.FileID(), child.ID())
	}
}

func TestReadSlices(t *testing.T) {
	_, a := newTestTree(t)

	root, _ := a.GetFile(a.RootFileID())
	entries, err := a.ListDir(root)
	require.NoError(t, err)

	var fileRec filesystem.Record
	for _, entry := range entries {
		rec, err := a.GetFile(entry.FileID())
		require.NoError(t, err)
		if entry.Name() == "top.txt" {
			fileRec = rec
		}
	}
	require.NotNil(t, fileRec)

	whole, err := a.ReadFileContent(fileRec)
	require.NoError(t, err)
	assert.Equal(t, "top contents", string(whole))

	prefix, err := a.ReadFilePrefix(fileRec, 3)
	require.NoError(t, err)
	assert.Equal(t, "top", string(prefix))

	slice, err := a.ReadFileSlice(fileRec, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(slice))

	empty, err := a.ReadFileSlice(fileRec, 1000, 4)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWalkProducesAbsolutePaths(t *testing.T) {
	_, a := newTestTree(t)

	files, err := filesystem.Walk(a)
	require.NoError(t, err)

	byPath := make(map[string]*filesystem.File)
	for _, f := range files {
		byPath[f.AbsolutePath] = f
	}

	require.Contains(t, byPath, "/")
	require.Contains(t, byPath, "/top.txt")
	require.Contains(t, byPath, "/sub")
	require.Contains(t, byPath, "/sub/nested.bin")

	assert.Equal(t, "dir", byPath["/sub"].Ftype)
	assert.Equal(t, "file", byPath["/top.txt"].Ftype)
	assert.EqualValues(t, 12, byPath["/top.txt"].Size)
	assert.EqualValues(t, 8, byPath["/sub/nested.bin"].Size)
}

func TestRecordToFileFields(t *testing.T) {
	_, a := newTestTree(t)

	root, _ := a.GetFile(a.RootFileID())
	entries, err := a.ListDir(root)
	require.NoError(t, err)

	for _, entry := range entries {
		if entry.Name() != "top.txt" {
			continue
		}
		rec, err := a.GetFile(entry.FileID())
		require.NoError(t, err)

		f := a.RecordToFile(rec, entry.FileID(), "/top.txt")
		assert.Equal(t, "top.txt", f.Name)
		assert.Equal(t, "file", f.Ftype)
		assert.NotNil(t, f.Modified)
		assert.NotEmpty(t, f.Owner)
		assert.NotEmpty(t, f.Permissions)
	}
}
