package apfs

import (
	"encoding/binary"
	"testing"
)

func buildNxSuperblock(t *testing.T) []byte {
	t.Helper()
	endian := binary.LittleEndian

	data := make([]byte, 4096)
	endian.PutUint64(data[8:16], 1)       // oid
	endian.PutUint64(data[16:24], 77)     // xid
	endian.PutUint32(data[24:28], ObjectTypeNxSuperblock)
	endian.PutUint32(data[32:36], NxMagic)
	endian.PutUint32(data[36:40], 4096)   // block size
	endian.PutUint64(data[40:48], 25600)  // block count
	endian.PutUint64(data[96:104], 78)    // next xid
	endian.PutUint32(data[104:108], 8)    // xp_desc_blocks
	endian.PutUint64(data[112:120], 1)    // xp_desc_base
	endian.PutUint64(data[160:168], 500)  // omap oid
	endian.PutUint32(data[180:184], 4)    // max file systems
	endian.PutUint64(data[184:192], 1026) // fs_oid[0]
	endian.PutUint64(data[192:200], 1027) // fs_oid[1]

	return data
}

func TestParseNxSuperblock(t *testing.T) {
	sb, err := parseNxSuperblock(buildNxSuperblock(t), binary.LittleEndian)
	if err != nil {
		t.Fatalf("parseNxSuperblock failed: %v", err)
	}

	if sb.BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096", sb.BlockSize)
	}
	if sb.BlockCount != 25600 {
		t.Errorf("BlockCount = %d, want 25600", sb.BlockCount)
	}
	if sb.Obj.XID != 77 {
		t.Errorf("XID = %d, want 77", sb.Obj.XID)
	}
	if sb.OmapOid != 500 {
		t.Errorf("OmapOid = %d, want 500", sb.OmapOid)
	}
	if sb.FsOids[0] != 1026 || sb.FsOids[1] != 1027 {
		t.Errorf("FsOids = %d,%d, want 1026,1027", sb.FsOids[0], sb.FsOids[1])
	}
	if sb.FsOids[2] != 0 {
		t.Errorf("FsOids[2] = %d, want 0", sb.FsOids[2])
	}
}

func TestParseNxSuperblockRejectsBadMagic(t *testing.T) {
	data := buildNxSuperblock(t)
	binary.LittleEndian.PutUint32(data[32:36], 0x12345678)

	if _, err := parseNxSuperblock(data, binary.LittleEndian); err == nil {
		t.Error("expected an error for a wrong container magic")
	}
}

func TestParseNxSuperblockRejectsBadBlockSize(t *testing.T) {
	data := buildNxSuperblock(t)
	binary.LittleEndian.PutUint32(data[36:40], 17)

	if _, err := parseNxSuperblock(data, binary.LittleEndian); err == nil {
		t.Error("expected an error for an implausible block size")
	}
}

func buildVolumeSuperblock(t *testing.T, fsIndex uint32, name string) []byte {
	t.Helper()
	endian := binary.LittleEndian

	data := make([]byte, 1024)
	endian.PutUint64(data[8:16], 1026)
	endian.PutUint64(data[16:24], 77)
	endian.PutUint32(data[24:28], ObjectTypeFs)
	endian.PutUint32(data[32:36], ApfsMagic)
	endian.PutUint32(data[36:40], fsIndex)
	endian.PutUint64(data[56:64], ApfsIncompatCaseInsensitive) // incompat features
	endian.PutUint64(data[128:136], 600)                       // omap oid
	endian.PutUint64(data[136:144], 1030)                      // root tree oid
	endian.PutUint64(data[184:192], 10)                        // num files
	endian.PutUint64(data[192:200], 4)                         // num directories
	copy(data[704:], name)

	return data
}

func TestParseVolumeSuperblock(t *testing.T) {
	vol, err := parseVolumeSuperblock(buildVolumeSuperblock(t, 1, "Macintosh HD"), binary.LittleEndian)
	if err != nil {
		t.Fatalf("parseVolumeSuperblock failed: %v", err)
	}

	if vol.FsIndex != 1 {
		t.Errorf("FsIndex = %d, want 1", vol.FsIndex)
	}
	if vol.OmapOid != 600 {
		t.Errorf("OmapOid = %d, want 600", vol.OmapOid)
	}
	if vol.RootTreeOid != 1030 {
		t.Errorf("RootTreeOid = %d, want 1030", vol.RootTreeOid)
	}
	if vol.VolumeName != "Macintosh HD" {
		t.Errorf("VolumeName = %q, want %q", vol.VolumeName, "Macintosh HD")
	}
	if !vol.HashedDirKeys() {
		t.Error("case-insensitive volume must report hashed directory keys")
	}
	if vol.NumFiles != 10 || vol.NumDirectories != 4 {
		t.Errorf("counters = %d/%d, want 10/4", vol.NumFiles, vol.NumDirectories)
	}
}

func TestParseVolumeSuperblockRejectsBadMagic(t *testing.T) {
	data := buildVolumeSuperblock(t, 0, "x")
	binary.LittleEndian.PutUint32(data[32:36], 0)

	if _, err := parseVolumeSuperblock(data, binary.LittleEndian); err == nil {
		t.Error("expected an error for a wrong volume magic")
	}
}

func TestMulAddCheck(t *testing.T) {
	if _, ok := mulCheck(1<<33, 1<<33); ok {
		t.Error("mulCheck must detect overflow")
	}
	if v, ok := mulCheck(100, 4096); !ok || v != 409600 {
		t.Errorf("mulCheck(100, 4096) = (%d, %v)", v, ok)
	}
	if _, ok := addCheck(^uint64(0), 1); ok {
		t.Error("addCheck must detect overflow")
	}
	if v, ok := addCheck(40, 2); !ok || v != 42 {
		t.Errorf("addCheck(40, 2) = (%d, %v)", v, ok)
	}
}
