package image

import (
	"fmt"
	"io"
)

// Slice is a windowed view over a Body: offset 0 of the slice is the byte at
// `offset` in the image, and reads never cross `offset+length`. Detection
// cuts a fresh Slice per probe so a failed probe leaves no cursor state
// behind.
type Slice struct {
	body   *Body
	offset int64
	length int64
	pos    int64
}

// NewSlice cuts a window of length bytes at offset into the body.
func NewSlice(body *Body, offset, length uint64) (*Slice, error) {
	if body == nil {
		return nil, fmt.Errorf("body cannot be nil")
	}
	if int64(offset) > body.Size() {
		return nil, fmt.Errorf("slice offset %d is beyond image size %d", offset, body.Size())
	}
	end := int64(offset) + int64(length)
	if end > body.Size() || int64(length) < 0 {
		end = body.Size()
	}

	return &Slice{
		body:   body,
		offset: int64(offset),
		length: end - int64(offset),
	}, nil
}

// Size returns the window length in bytes.
func (s *Slice) Size() int64 {
	return s.length
}

// Read implements io.Reader.
func (s *Slice) Read(p []byte) (int, error) {
	if s.pos >= s.length {
		return 0, io.EOF
	}

	remaining := s.length - s.pos
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	if _, err := s.body.reader.Seek(s.offset+s.pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("slice seek failed: %w", err)
	}
	n, err := s.body.reader.Read(p)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt implements io.ReaderAt within the window.
func (s *Slice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative read offset: %d", off)
	}
	if off >= s.length {
		return 0, io.EOF
	}

	short := false
	if off+int64(len(p)) > s.length {
		p = p[:s.length-off]
		short = true
	}

	if _, err := s.body.reader.Seek(s.offset+off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("slice seek failed: %w", err)
	}
	n, err := io.ReadFull(s.body.reader, p)
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

// Seek implements io.Seeker within the window.
func (s *Slice) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = s.pos + offset
	case io.SeekEnd:
		next = s.length + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if next < 0 {
		return 0, fmt.Errorf("seek before slice start: %d", next)
	}
	s.pos = next
	return next, nil
}
