// Package ntfs adapts an NT filesystem to the uniform surface. Boot-sector,
// MFT-record and data-run parsing goes through gomft; timestamp fields are
// decoded from the raw attribute bytes so the FILETIME conversion stays in
// one auditable place.
package ntfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/t9t/gomft/bootsect"
	"github.com/t9t/gomft/fragment"
	"github.com/t9t/gomft/mft"
)

// RootRecordID is the fixed MFT record number of the root directory.
const RootRecordID = 5

// Record flags in the MFT record header.
const (
	recordFlagInUse       = 0x0001
	recordFlagIsDirectory = 0x0002
)

// fileNameAttrDirectory is the directory bit inside a $FILE_NAME flags
// field.
const fileNameAttrDirectory = 0x10000000

// ByteSource is the seekable byte window the driver reads from.
type ByteSource interface {
	io.ReadSeeker
	io.ReaderAt
	Size() int64
}

// FileName carries the fields this layer reads out of a raw $FILE_NAME
// attribute value.
type FileName struct {
	ParentRecord uint64
	Created      uint64 // FILETIME
	Modified     uint64
	MftModified  uint64
	Accessed     uint64
	RealSize     uint64
	Flags        uint32
	Namespace    uint8
	Name         string
}

// StandardInformation carries the timestamp fields of a raw
// $STANDARD_INFORMATION attribute value.
type StandardInformation struct {
	Created     uint64 // FILETIME
	Modified    uint64
	MftModified uint64
	Accessed    uint64
	FileFlags   uint32
}

// NTFS is the driver handle: boot sector geometry plus the MFT's own
// fragment map for record fetches.
type NTFS struct {
	src             ByteSource
	boot            bootsect.BootSector
	bytesPerCluster uint64
	recordSize      uint64
	mftFragments    []fragment.Fragment
	mftSize         uint64
	childrenCache   map[uint64][]childEntry
}

type childEntry struct {
	recordID uint64
	name     string
	flags    uint32
}

// Open parses the boot sector, loads MFT record zero and resolves the MFT's
// own data runs so any record can be fetched by number.
func Open(src ByteSource) (*NTFS, error) {
	if src == nil {
		return nil, fmt.Errorf("byte source cannot be nil")
	}

	raw := make([]byte, 512)
	if _, err := src.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read boot sector: %w", err)
	}
	if !bytes.Equal(raw[3:11], []byte("NTFS    ")) {
		return nil, fmt.Errorf("missing NTFS boot-sector OEM id")
	}

	boot, err := bootsect.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot sector: %w", err)
	}

	fs := &NTFS{
		src:             src,
		boot:            boot,
		bytesPerCluster: uint64(boot.BytesPerSector) * uint64(boot.SectorsPerCluster),
		recordSize:      1024,
	}
	if boot.FileRecordSegmentSizeInBytes > 0 {
		fs.recordSize = uint64(boot.FileRecordSegmentSizeInBytes)
	}
	if fs.bytesPerCluster == 0 {
		return nil, fmt.Errorf("boot sector reports zero cluster size")
	}

	// Record zero describes the MFT itself; its unnamed $DATA run list maps
	// every other record.
	mftOffset := uint64(boot.MftClusterNumber) * fs.bytesPerCluster
	recZeroRaw := make([]byte, fs.recordSize)
	if _, err := src.ReadAt(recZeroRaw, int64(mftOffset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read MFT record zero: %w", err)
	}
	recZero, err := mft.ParseRecord(recZeroRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MFT record zero: %w", err)
	}

	for _, attr := range recZero.FindAttributes(mft.AttributeTypeData) {
		if attr.Name != "" {
			continue
		}
		if attr.Resident {
			return nil, fmt.Errorf("resident MFT $DATA attribute is not usable")
		}
		runs, err := mft.ParseDataRuns(attr.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MFT data runs: %w", err)
		}
		fs.mftFragments = mft.DataRunsToFragments(runs, int(fs.bytesPerCluster))
		fs.mftSize = attr.ActualSize
		break
	}
	if len(fs.mftFragments) == 0 {
		return nil, fmt.Errorf("no usable $DATA attribute on MFT record zero")
	}
	if fs.mftSize == 0 {
		for _, frag := range fs.mftFragments {
			fs.mftSize += uint64(frag.Length)
		}
	}

	return fs, nil
}

// RecordCount returns the number of MFT records.
func (fs *NTFS) RecordCount() uint64 {
	return fs.mftSize / fs.recordSize
}

// BytesPerCluster returns the allocation unit in bytes.
func (fs *NTFS) BytesPerCluster() uint64 {
	return fs.bytesPerCluster
}

// readFragments reads [offset, offset+len(dst)) from a fragment list.
func (fs *NTFS) readFragments(frags []fragment.Fragment, offset uint64, dst []byte) error {
	remaining := dst
	pos := uint64(0)

	for _, frag := range frags {
		fragLen := uint64(frag.Length)
		if len(remaining) == 0 {
			break
		}
		if offset >= pos+fragLen {
			pos += fragLen
			continue
		}

		inFrag := offset - pos
		chunk := fragLen - inFrag
		if chunk > uint64(len(remaining)) {
			chunk = uint64(len(remaining))
		}

		physical := uint64(frag.Offset) + inFrag
		if _, err := fs.src.ReadAt(remaining[:chunk], int64(physical)); err != nil && err != io.EOF {
			return fmt.Errorf("failed to read fragment at %d: %w", physical, err)
		}

		remaining = remaining[chunk:]
		offset += chunk
		pos += fragLen
	}

	if len(remaining) > 0 {
		return fmt.Errorf("read of %d bytes ran past the fragment list", len(dst))
	}
	return nil
}

// GetRecord fetches and parses one MFT record by number.
func (fs *NTFS) GetRecord(id uint64) (*mft.Record, error) {
	if id >= fs.RecordCount() {
		return nil, fmt.Errorf("MFT record %d out of range (count %d)", id, fs.RecordCount())
	}

	raw := make([]byte, fs.recordSize)
	if err := fs.readFragments(fs.mftFragments, id*fs.recordSize, raw); err != nil {
		return nil, err
	}

	rec, err := mft.ParseRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MFT record %d: %w", id, err)
	}
	return &rec, nil
}

// recordInUse reports the in-use header flag.
func recordInUse(rec *mft.Record) bool {
	return uint16(rec.Header.Flags)&recordFlagInUse != 0
}

// recordIsDir reports the directory header flag.
func recordIsDir(rec *mft.Record) bool {
	return uint16(rec.Header.Flags)&recordFlagIsDirectory != 0
}

// dataSize returns the unnamed $DATA size: resident value length or
// non-resident real size. Directories and recordless files report zero.
func dataSize(rec *mft.Record) uint64 {
	for _, attr := range rec.FindAttributes(mft.AttributeTypeData) {
		if attr.Name != "" {
			continue
		}
		if attr.Resident {
			return uint64(len(attr.Data))
		}
		return attr.ActualSize
	}
	return 0
}

// parseFileName decodes the raw $FILE_NAME attribute value.
func parseFileName(data []byte) (*FileName, error) {
	if len(data) < 66 {
		return nil, fmt.Errorf("insufficient data for $FILE_NAME: %d bytes", len(data))
	}
	endian := binary.LittleEndian

	fn := &FileName{}
	// The parent reference packs a 48-bit record number with a sequence
	// number in the top two bytes.
	fn.ParentRecord = endian.Uint64(data[0:8]) & 0x0000FFFFFFFFFFFF
	fn.Created = endian.Uint64(data[8:16])
	fn.Modified = endian.Uint64(data[16:24])
	fn.MftModified = endian.Uint64(data[24:32])
	fn.Accessed = endian.Uint64(data[32:40])
	fn.RealSize = endian.Uint64(data[48:56])
	fn.Flags = endian.Uint32(data[56:60])
	nameLen := int(data[64])
	fn.Namespace = data[65]

	if 66+nameLen*2 > len(data) {
		return nil, fmt.Errorf("$FILE_NAME name exceeds attribute data")
	}
	fn.Name = decodeUTF16(data[66 : 66+nameLen*2])

	return fn, nil
}

// parseStandardInformation decodes the raw $STANDARD_INFORMATION value.
func parseStandardInformation(data []byte) (*StandardInformation, error) {
	if len(data) < 36 {
		return nil, fmt.Errorf("insufficient data for $STANDARD_INFORMATION: %d bytes", len(data))
	}
	endian := binary.LittleEndian

	return &StandardInformation{
		Created:     endian.Uint64(data[0:8]),
		Modified:    endian.Uint64(data[8:16]),
		MftModified: endian.Uint64(data[16:24]),
		Accessed:    endian.Uint64(data[24:32]),
		FileFlags:   endian.Uint32(data[32:36]),
	}, nil
}

func decodeUTF16(data []byte) string {
	units := make([]uint16, len(data)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u < 0xDC00 && i+1 < len(units) {
			next := units[i+1]
			if next >= 0xDC00 && next < 0xE000 {
				runes = append(runes, rune(u-0xD800)<<10|rune(next-0xDC00)+0x10000)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

// fileNames returns all parsed $FILE_NAME attributes of a record.
func fileNames(rec *mft.Record) []*FileName {
	var out []*FileName
	for _, attr := range rec.FindAttributes(mft.AttributeTypeFileName) {
		if !attr.Resident {
			continue
		}
		fn, err := parseFileName(attr.Data)
		if err != nil {
			continue
		}
		out = append(out, fn)
	}
	return out
}

// primaryName prefers a non-DOS namespace name.
func primaryName(rec *mft.Record) (string, bool) {
	names := fileNames(rec)
	var dosName string
	for _, fn := range names {
		if fn.Namespace != 2 {
			return fn.Name, true
		}
		dosName = fn.Name
	}
	if dosName != "" {
		return dosName, true
	}
	return "", false
}

// standardInformation returns the record's first $STANDARD_INFORMATION.
func standardInformation(rec *mft.Record) (*StandardInformation, bool) {
	for _, attr := range rec.FindAttributes(mft.AttributeTypeStandardInformation) {
		if !attr.Resident {
			continue
		}
		si, err := parseStandardInformation(attr.Data)
		if err != nil {
			continue
		}
		return si, true
	}
	return nil, false
}

// contentFragments resolves the unnamed $DATA attribute to either resident
// bytes or a fragment list.
func (fs *NTFS) contentFragments(rec *mft.Record) (resident []byte, frags []fragment.Fragment, size uint64, err error) {
	for _, attr := range rec.FindAttributes(mft.AttributeTypeData) {
		if attr.Name != "" {
			continue
		}
		if attr.Resident {
			return attr.Data, nil, uint64(len(attr.Data)), nil
		}
		runs, err := mft.ParseDataRuns(attr.Data)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to parse data runs: %w", err)
		}
		return nil, mft.DataRunsToFragments(runs, int(fs.bytesPerCluster)), attr.ActualSize, nil
	}
	return nil, nil, 0, fmt.Errorf("record has no unnamed $DATA attribute")
}

// ReadSlice reads [offset, offset+length) of a record's unnamed $DATA
// stream, clamped to its real size.
func (fs *NTFS) ReadSlice(rec *mft.Record, offset, length uint64) ([]byte, error) {
	resident, frags, size, err := fs.contentFragments(rec)
	if err != nil {
		return nil, err
	}

	if offset >= size {
		return []byte{}, nil
	}
	end := offset + length
	if end < offset || end > size {
		end = size
	}

	if resident != nil {
		return resident[offset:end], nil
	}

	out := make([]byte, end-offset)
	if err := fs.readFragments(frags, offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

// children scans the MFT once and groups every in-use record under its
// $FILE_NAME parent reference. Forensic listing by parent scan sees names
// that a damaged $I30 index would hide.
func (fs *NTFS) children(parentID uint64) ([]childEntry, error) {
	if fs.childrenCache == nil {
		cache := make(map[uint64][]childEntry)
		total := fs.RecordCount()
		for id := uint64(0); id < total; id++ {
			rec, err := fs.GetRecord(id)
			if err != nil || !recordInUse(rec) {
				continue
			}
			for _, fn := range fileNames(rec) {
				if fn.Namespace == 2 || fn.ParentRecord == id {
					continue
				}
				cache[fn.ParentRecord] = append(cache[fn.ParentRecord], childEntry{
					recordID: id,
					name:     fn.Name,
					flags:    fn.Flags,
				})
			}
		}
		fs.childrenCache = cache
	}
	return fs.childrenCache[parentID], nil
}
