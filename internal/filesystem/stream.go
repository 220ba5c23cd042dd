package filesystem

import (
	"fmt"
	"io"
)

// streamCacheSize is the read-ahead window kept by FileStream.
const streamCacheSize = 64 * 1024

// FileStream presents a resolved record as a positioned io.ReadSeeker,
// backed by slice reads on the owning filesystem with a small read-ahead
// cache.
type FileStream struct {
	fs         Filesystem
	rec        Record
	size       uint64
	pos        uint64
	cache      []byte
	cacheStart uint64
}

// NewFileStream wraps rec, owned by fs, as a byte stream positioned at 0.
func NewFileStream(fs Filesystem, rec Record) *FileStream {
	return &FileStream{
		fs:   fs,
		rec:  rec,
		size: rec.Size(),
	}
}

// Size returns the record size the stream was created with.
func (s *FileStream) Size() uint64 {
	return s.size
}

// Read implements io.Reader.
func (s *FileStream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}

	if !s.cacheCovers(s.pos) {
		want := s.size - s.pos
		if want > streamCacheSize {
			want = streamCacheSize
		}
		data, err := s.fs.ReadFileSlice(s.rec, s.pos, int(want))
		if err != nil {
			return 0, fmt.Errorf("stream refill at offset %d: %w", s.pos, err)
		}
		if len(data) == 0 {
			return 0, io.EOF
		}
		s.cache = data
		s.cacheStart = s.pos
	}

	avail := s.cache[s.pos-s.cacheStart:]
	n := copy(p, avail)
	s.pos += uint64(n)
	return n, nil
}

// Seek implements io.Seeker. Positions before the start or past the end are
// rejected.
func (s *FileStream) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(s.size) + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if next < 0 {
		return 0, fmt.Errorf("seek before start: %d", next)
	}
	if uint64(next) > s.size {
		return 0, fmt.Errorf("seek past end: %d (size %d)", next, s.size)
	}

	s.pos = uint64(next)
	return next, nil
}

func (s *FileStream) cacheCovers(pos uint64) bool {
	return len(s.cache) > 0 && pos >= s.cacheStart && pos < s.cacheStart+uint64(len(s.cache))
}
