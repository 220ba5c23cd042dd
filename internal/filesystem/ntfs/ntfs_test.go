package ntfs

import (
	"encoding/binary"
	"testing"
)

func encodeUTF16(s string) []byte {
	var out []byte
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8)) // BMP-only test input
	}
	return out
}

func buildFileNameAttr(t *testing.T, parent uint64, name string, flags uint32) []byte {
	t.Helper()
	endian := binary.LittleEndian

	encoded := encodeUTF16(name)
	data := make([]byte, 66+len(encoded))
	endian.PutUint64(data[0:8], parent|0x0001<<48) // sequence number in the top bytes
	endian.PutUint64(data[8:16], 132513408000000000)
	endian.PutUint64(data[16:24], 132513408010000000)
	endian.PutUint64(data[24:32], 132513408020000000)
	endian.PutUint64(data[32:40], 132513408030000000)
	endian.PutUint64(data[48:56], 1234)
	endian.PutUint32(data[56:60], flags)
	data[64] = byte(len(name))
	data[65] = 1 // Win32 namespace
	copy(data[66:], encoded)

	return data
}

func TestParseFileName(t *testing.T) {
	fn, err := parseFileName(buildFileNameAttr(t, 5, "report.docx", 0x20))
	if err != nil {
		t.Fatalf("parseFileName failed: %v", err)
	}

	if fn.ParentRecord != 5 {
		t.Errorf("ParentRecord = %d, want 5 (sequence bits must be masked)", fn.ParentRecord)
	}
	if fn.Name != "report.docx" {
		t.Errorf("Name = %q, want report.docx", fn.Name)
	}
	if fn.RealSize != 1234 {
		t.Errorf("RealSize = %d, want 1234", fn.RealSize)
	}
	if fn.Namespace != 1 {
		t.Errorf("Namespace = %d, want 1", fn.Namespace)
	}
	if FiletimeToUnix(fn.Created) != 1606867200 {
		t.Errorf("Created normalizes to %d, want 1606867200", FiletimeToUnix(fn.Created))
	}
}

func TestParseFileNameTruncated(t *testing.T) {
	if _, err := parseFileName(make([]byte, 40)); err == nil {
		t.Error("expected an error for a truncated $FILE_NAME")
	}

	data := buildFileNameAttr(t, 5, "x", 0)
	data[64] = 200 // name length past the attribute
	if _, err := parseFileName(data); err == nil {
		t.Error("expected an error for a name length past the data")
	}
}

func TestParseStandardInformation(t *testing.T) {
	endian := binary.LittleEndian
	data := make([]byte, 48)
	endian.PutUint64(data[0:8], 132513408000000000)   // created
	endian.PutUint64(data[8:16], 132513408100000000)  // modified
	endian.PutUint64(data[16:24], 132513408200000000) // mft modified
	endian.PutUint64(data[24:32], 132513408300000000) // accessed
	endian.PutUint32(data[32:36], 0x06)               // hidden+system

	si, err := parseStandardInformation(data)
	if err != nil {
		t.Fatalf("parseStandardInformation failed: %v", err)
	}

	if FiletimeToUnix(si.Created) != 1606867200 {
		t.Errorf("Created normalizes to %d, want 1606867200", FiletimeToUnix(si.Created))
	}
	if si.MftModified != 132513408200000000 {
		t.Errorf("MftModified = %d", si.MftModified)
	}
	if si.FileFlags != 0x06 {
		t.Errorf("FileFlags = 0x%02x, want 0x06", si.FileFlags)
	}

	if _, err := parseStandardInformation(make([]byte, 20)); err == nil {
		t.Error("expected an error for a truncated $STANDARD_INFORMATION")
	}
}

func TestDecodeUTF16(t *testing.T) {
	if got := decodeUTF16(encodeUTF16("Käse")); got != "Käse" {
		t.Errorf("decodeUTF16 = %q, want Käse", got)
	}

	// A surrogate pair: U+1F600.
	data := []byte{0x3D, 0xD8, 0x00, 0xDE}
	if got := decodeUTF16(data); got != "\U0001F600" {
		t.Errorf("decodeUTF16 surrogate pair = %q", got)
	}
}
