package image

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBody(t *testing.T, content []byte) *Body {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	body, err := Open(path, "raw")
	require.NoError(t, err)
	t.Cleanup(func() { body.Close() })
	return body
}

func TestOpenRaw(t *testing.T) {
	body := newTestBody(t, []byte("0123456789"))

	assert.Equal(t, "raw", body.Format())
	assert.EqualValues(t, 10, body.Size())
	assert.EqualValues(t, 512, body.SectorSize())
}

func TestOpenAutoFallsBackToRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, []byte("plain bytes, no EWF signature"), 0o644))

	body, err := Open(path, "auto")
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, "raw", body.Format())
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	_, err := Open("/nonexistent", "vmdk")
	assert.Error(t, err)
}

func TestSliceWindowing(t *testing.T) {
	body := newTestBody(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	slice, err := NewSlice(body, 2, 5) // "cdefg"
	require.NoError(t, err)
	assert.EqualValues(t, 5, slice.Size())

	got, err := io.ReadAll(slice)
	require.NoError(t, err)
	assert.Equal(t, "cdefg", string(got))
}

func TestSliceReadAt(t *testing.T) {
	body := newTestBody(t, []byte("abcdefghijklmnopqrstuvwxyz"))
	slice, err := NewSlice(body, 10, 10) // "klmnopqrst"
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := slice.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "mnop", string(buf[:n]))

	// Reads past the window are short and flagged EOF.
	n, err = slice.ReadAt(buf, 8)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = slice.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSliceSeek(t *testing.T) {
	body := newTestBody(t, []byte("abcdefghij"))
	slice, err := NewSlice(body, 0, 10)
	require.NoError(t, err)

	pos, err := slice.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 4, pos)

	buf := make([]byte, 2)
	_, err = slice.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf))

	_, err = slice.Seek(-100, io.SeekCurrent)
	assert.Error(t, err)

	pos, err = slice.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 8, pos)
}

func TestSliceClampsToImageEnd(t *testing.T) {
	body := newTestBody(t, []byte("short"))

	slice, err := NewSlice(body, 3, 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, slice.Size())

	_, err = NewSlice(body, 100, 10)
	assert.Error(t, err, "an offset beyond the image must be rejected")
}

func TestFreshSlicesShareNoCursor(t *testing.T) {
	body := newTestBody(t, []byte("abcdefghij"))

	first, err := NewSlice(body, 0, 10)
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = first.Read(buf)
	require.NoError(t, err)

	// A second window starts from its own origin regardless of the first
	// window's position.
	second, err := NewSlice(body, 0, 10)
	require.NoError(t, err)
	got, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(got))
}
