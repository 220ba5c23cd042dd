// Package image opens evidence images and hands out windowed, seekable byte
// views over them. Raw images are read directly; EWF (Expert Witness Format)
// segments go through the go-ewf reader.
package image

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ewf "github.com/asalih/go-ewf"
	"github.com/sirupsen/logrus"
)

// ewfSignature opens every EWF segment file ("EVF\x09\x0d\x0a\xff\x00").
var ewfSignature = []byte{0x45, 0x56, 0x46, 0x09, 0x0d, 0x0a, 0xff, 0x00}

// defaultSectorSize is assumed when the image format carries no geometry.
const defaultSectorSize = 512

// Body is a seekable, readable view over a whole evidence image.
type Body struct {
	path       string
	format     string
	reader     io.ReadSeeker
	size       int64
	sectorSize uint32
	file       *os.File
}

// Open opens an evidence image. format is "raw", "ewf" or "auto"; auto
// sniffs the EWF signature and falls back to raw.
func Open(path, format string) (*Body, error) {
	if path == "" {
		return nil, fmt.Errorf("image path cannot be empty")
	}

	switch format {
	case "raw":
		return openRaw(path)
	case "ewf":
		return openEWF(path)
	case "", "auto":
		if looksLikeEWF(path) {
			return openEWF(path)
		}
		return openRaw(path)
	default:
		return nil, fmt.Errorf("unknown image format %q (want raw, ewf or auto)", format)
	}
}

func openRaw(path string) (*Body, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}

	logrus.Debugf("opened raw image %q (%d bytes)", path, info.Size())
	return &Body{
		path:       path,
		format:     "raw",
		reader:     f,
		size:       info.Size(),
		sectorSize: defaultSectorSize,
		file:       f,
	}, nil
}

func openEWF(path string) (*Body, error) {
	segments, err := ewfSegmentPaths(path)
	if err != nil {
		return nil, err
	}

	handles := make([]io.ReadSeeker, 0, len(segments))
	for _, seg := range segments {
		f, err := os.Open(seg)
		if err != nil {
			return nil, fmt.Errorf("failed to open EWF segment %q: %w", seg, err)
		}
		handles = append(handles, f)
	}

	reader, err := ewf.OpenEWF(handles...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EWF image %q: %w", path, err)
	}

	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size EWF image: %w", err)
	}
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind EWF image: %w", err)
	}

	logrus.Debugf("opened EWF image %q (%d segments, %d bytes)", path, len(segments), size)
	return &Body{
		path:       path,
		format:     "ewf",
		reader:     reader,
		size:       size,
		sectorSize: defaultSectorSize,
	}, nil
}

// ewfSegmentPaths expands an .E01 path to its sibling segment files in
// order. A path with no recognized EWF extension is used as-is.
func ewfSegmentPaths(path string) ([]string, error) {
	ext := filepath.Ext(path)
	if !strings.EqualFold(ext, ".e01") {
		return []string{path}, nil
	}

	base := strings.TrimSuffix(path, ext)
	matches, err := filepath.Glob(base + ".[EeLl]*")
	if err != nil || len(matches) == 0 {
		return []string{path}, nil
	}
	return matches, nil
}

func looksLikeEWF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sig := make([]byte, len(ewfSignature))
	if _, err := io.ReadFull(f, sig); err != nil {
		return false
	}
	return bytes.Equal(sig, ewfSignature)
}

// Path returns the image path the body was opened with.
func (b *Body) Path() string {
	return b.path
}

// Format returns the resolved image format ("raw" or "ewf").
func (b *Body) Format() string {
	return b.format
}

// Size returns the image size in bytes.
func (b *Body) Size() int64 {
	return b.size
}

// SectorSize returns the sector size used to convert --size (sectors) into
// bytes.
func (b *Body) SectorSize() uint32 {
	return b.sectorSize
}

// Close releases the underlying file handle, if any.
func (b *Body) Close() error {
	if b.file != nil {
		return b.file.Close()
	}
	return nil
}
