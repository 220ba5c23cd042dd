package filesystem

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecord and fakeFS implement the uniform surface over an in-memory
// tree, for exercising the engine, the stream and the dump helpers.
type fakeRecord struct {
	id      uint64
	dir     bool
	content []byte
}

func (r *fakeRecord) ID() uint64   { return r.id }
func (r *fakeRecord) Size() uint64 { return uint64(len(r.content)) }
func (r *fakeRecord) IsDir() bool  { return r.dir }
func (r *fakeRecord) String() string {
	return fmt.Sprintf("fake record %d", r.id)
}
func (r *fakeRecord) Metadata() map[string]any {
	return map[string]any{"id": r.id}
}

type fakeEntry struct {
	id   uint64
	name string
}

func (e *fakeEntry) FileID() uint64 { return e.id }
func (e *fakeEntry) Name() string   { return e.name }
func (e *fakeEntry) String() string { return e.name }
func (e *fakeEntry) Metadata() map[string]any {
	return map[string]any{"id": e.id, "name": e.name}
}

type fakeFS struct {
	records  map[uint64]*fakeRecord
	children map[uint64][]*fakeEntry
	broken   map[uint64]bool
}

func (f *fakeFS) Kind() string                    { return "Fake" }
func (f *fakeFS) PathSeparator() string           { return "/" }
func (f *fakeFS) RecordCount() uint64             { return uint64(len(f.records)) }
func (f *fakeFS) BlockSize() uint64               { return 512 }
func (f *fakeFS) Metadata() (map[string]any, error) {
	return map[string]any{"kind": "fake"}, nil
}
func (f *fakeFS) MetadataPretty() (string, error) { return "Fake", nil }
func (f *fakeFS) RootFileID() uint64              { return 1 }

func (f *fakeFS) GetFile(id uint64) (Record, error) {
	if f.broken[id] {
		return nil, fmt.Errorf("record %d unreadable", id)
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d not found", id)
	}
	return rec, nil
}

func (f *fakeFS) ListDir(rec Record) ([]DirEntry, error) {
	fr, ok := rec.(*fakeRecord)
	if !ok {
		return nil, fmt.Errorf("filesystem / record variant mismatch")
	}
	if !fr.dir {
		return nil, fmt.Errorf("not a directory")
	}
	var out []DirEntry
	for _, e := range f.children[fr.id] {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeFS) ReadFileContent(rec Record) ([]byte, error) {
	fr := rec.(*fakeRecord)
	if fr.dir {
		return nil, fmt.Errorf("requested file content for a directory")
	}
	return append([]byte{}, fr.content...), nil
}

func (f *fakeFS) ReadFilePrefix(rec Record, n int) ([]byte, error) {
	return f.ReadFileSlice(rec, 0, n)
}

func (f *fakeFS) ReadFileSlice(rec Record, offset uint64, length int) ([]byte, error) {
	fr := rec.(*fakeRecord)
	if fr.dir {
		return nil, fmt.Errorf("requested file content for a directory")
	}
	if offset >= uint64(len(fr.content)) {
		return []byte{}, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(fr.content)) {
		end = uint64(len(fr.content))
	}
	return append([]byte{}, fr.content[offset:end]...), nil
}

func (f *fakeFS) RecordToFile(rec Record, id uint64, absolutePath string) *File {
	fr := rec.(*fakeRecord)
	ftype := "file"
	if fr.dir {
		ftype = "dir"
	}
	return &File{
		Identifier:   id,
		AbsolutePath: absolutePath,
		Name:         LeafName(absolutePath, "/"),
		Ftype:        ftype,
		Size:         fr.Size(),
	}
}

func (f *fakeFS) Enumerate(w io.Writer) error {
	files, err := Walk(f)
	if err != nil {
		return err
	}
	for _, file := range files {
		fmt.Fprintf(w, "%d %s\n", file.Identifier, file.AbsolutePath)
	}
	return nil
}

// newFakeFS builds:
//
//	/ (1)
//	├── docs (2)
//	│   ├── a.txt (4)
//	│   └── b.txt (5)
//	├── bin (3)
//	│   └── tool (6)
//	└── loop (1, cycle back to root)
func newFakeFS() *fakeFS {
	return &fakeFS{
		records: map[uint64]*fakeRecord{
			1: {id: 1, dir: true},
			2: {id: 2, dir: true},
			3: {id: 3, dir: true},
			4: {id: 4, content: []byte("alpha contents")},
			5: {id: 5, content: []byte("bravo")},
			6: {id: 6, content: []byte("#!/bin/sh\nexit 0\n")},
		},
		children: map[uint64][]*fakeEntry{
			1: {{2, "docs"}, {3, "bin"}, {1, "loop"}},
			2: {{4, "a.txt"}, {5, "b.txt"}},
			3: {{6, "tool"}},
		},
		broken: map[uint64]bool{},
	}
}

func TestWalkBreadthFirstOrder(t *testing.T) {
	fs := newFakeFS()
	files, err := Walk(fs)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.AbsolutePath)
	}

	assert.Equal(t, []string{"/", "/docs", "/bin", "/docs/a.txt", "/docs/b.txt", "/bin/tool"}, paths)
}

func TestWalkVisitsEachIdentifierOnce(t *testing.T) {
	fs := newFakeFS()
	files, err := Walk(fs)
	require.NoError(t, err)

	seen := make(map[uint64]int)
	for _, f := range files {
		seen[f.Identifier]++
		assert.True(t, strings.HasPrefix(f.AbsolutePath, "/"),
			"path %q must begin with the separator", f.AbsolutePath)
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "identifier %d visited %d times", id, count)
	}
}

func TestWalkSkipsUnreadableNodes(t *testing.T) {
	fs := newFakeFS()
	fs.broken[5] = true

	files, err := Walk(fs)
	require.NoError(t, err)

	for _, f := range files {
		assert.NotEqual(t, uint64(5), f.Identifier)
	}
	assert.Len(t, files, 5)
}

func TestFileJSONFieldNames(t *testing.T) {
	modified := int64(1606867200)
	f := &File{
		Identifier:   42,
		AbsolutePath: "/etc/passwd",
		Name:         "passwd",
		Ftype:        "file",
		Size:         1234,
		Modified:     &modified,
		Permissions:  "-rw-r--r--",
		Owner:        "0",
		Group:        "0",
		Metadata:     map[string]any{"inode": 42},
	}

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	for _, key := range []string{
		"identifier", "absolute_path", "name", "ftype", "size",
		"created", "modified", "accessed", "permissions", "owner", "group", "metadata",
	} {
		assert.Contains(t, decoded, key)
	}
	// The opaque database id stays hidden until assigned.
	assert.NotContains(t, decoded, "id")
	assert.Nil(t, decoded["created"])
	assert.EqualValues(t, 1606867200, decoded["modified"])
}

func TestDumpToStd(t *testing.T) {
	fs := newFakeFS()
	rec, err := fs.GetFile(4)
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, DumpToStd(fs, rec, &out))
	assert.Equal(t, "alpha contents", out.String())
}
