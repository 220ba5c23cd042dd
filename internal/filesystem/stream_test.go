package filesystem

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamFixture(t *testing.T, content []byte) (*fakeFS, Record) {
	t.Helper()
	fs := newFakeFS()
	fs.records[4].content = content
	rec, err := fs.GetFile(4)
	require.NoError(t, err)
	return fs, rec
}

func TestFileStreamReadAll(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 10_000) // 160 KB, > one cache window
	fs, rec := streamFixture(t, content)

	stream := NewFileStream(fs, rec)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFileStreamSeekAndRead(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	fs, rec := streamFixture(t, content)
	stream := NewFileStream(fs, rec)

	pos, err := stream.Seek(10, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos)

	buf := make([]byte, 5)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("brown"), buf[:n])

	// SeekCurrent skips the space after "brown".
	pos, err = stream.Seek(1, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, 16, pos)

	// SeekEnd reaches exactly the end; a read there is EOF.
	pos, err = stream.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), pos)
	_, err = stream.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileStreamSeekBounds(t *testing.T) {
	fs, rec := streamFixture(t, []byte("contents"))
	stream := NewFileStream(fs, rec)

	_, err := stream.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	_, err = stream.Seek(1, io.SeekEnd)
	assert.Error(t, err)

	// A failed seek leaves the position untouched.
	buf := make([]byte, 3)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("con"), buf[:n])
}

func TestPrefixAndSliceMatchContent(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 3000)
	fs, rec := streamFixture(t, content)

	whole, err := fs.ReadFileContent(rec)
	require.NoError(t, err)
	prefix, err := fs.ReadFilePrefix(rec, len(content))
	require.NoError(t, err)
	assert.Equal(t, whole, prefix)

	slice, err := fs.ReadFileSlice(rec, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, whole[100:300], slice)
}
