package squashfs

import "testing"

func TestDirWriterEmptyDirectorySize(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	dw := newDirWriter(newMetaWriter(comp))

	res, err := dw.WriteDirectory(nil)
	if err != nil {
		t.Fatalf("WriteDirectory: %s", err)
	}
	if res.size != 3 {
		t.Errorf("expected the empty-directory on-disk size quirk of 3, got %d", res.size)
	}
}

func TestDirWriterSingleChunk(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	dw := newDirWriter(newMetaWriter(comp))

	entries := []dirEntryRef{
		{name: "alpha", typ: FileType, startBlock: 0, offset: 0, inodeNum: 10},
		{name: "beta", typ: FileType, startBlock: 0, offset: 16, inodeNum: 11},
		{name: "gamma", typ: DirType, startBlock: 0, offset: 32, inodeNum: 12},
	}
	res, err := dw.WriteDirectory(entries)
	if err != nil {
		t.Fatalf("WriteDirectory: %s", err)
	}
	// header(12) + 3 entries * (8 + name length) + the "+3" quirk
	want := uint32(12+8+5) + uint32(8+4) + uint32(8+5) + 3
	if res.size != want {
		t.Errorf("expected on-disk size %d, got %d", want, res.size)
	}
}

func TestDirWriterSplitsOnStartBlockChange(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	dw := newDirWriter(newMetaWriter(comp))

	entries := []dirEntryRef{
		{name: "a", typ: FileType, startBlock: 0, offset: 0, inodeNum: 1},
		{name: "b", typ: FileType, startBlock: 8192, offset: 0, inodeNum: 2},
	}
	chunk, n, err := dw.chooseChunk(entries)
	if err != nil {
		t.Fatalf("chooseChunk: %s", err)
	}
	if n != 1 || len(chunk) != 1 {
		t.Errorf("expected a chunk boundary at the start_block change, got n=%d len=%d", n, len(chunk))
	}
}

func TestDirWriterSplitsOnEntryCountCap(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	dw := newDirWriter(newMetaWriter(comp))

	entries := make([]dirEntryRef, dirMaxEntriesPerHeader+10)
	for i := range entries {
		entries[i] = dirEntryRef{name: "x", typ: FileType, startBlock: 0, offset: uint16(i), inodeNum: uint32(i)}
	}
	chunk, n, err := dw.chooseChunk(entries)
	if err != nil {
		t.Fatalf("chooseChunk: %s", err)
	}
	if n != dirMaxEntriesPerHeader || len(chunk) != dirMaxEntriesPerHeader {
		t.Errorf("expected the chunk to cap at %d entries, got %d", dirMaxEntriesPerHeader, n)
	}
}

func TestDirWriterSplitsOnDeltaOverflow(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	dw := newDirWriter(newMetaWriter(comp))

	entries := []dirEntryRef{
		{name: "a", typ: FileType, startBlock: 0, offset: 0, inodeNum: 1},
		{name: "b", typ: FileType, startBlock: 0, offset: 0, inodeNum: 1 + 40000}, // delta > int16 range
	}
	chunk, n, err := dw.chooseChunk(entries)
	if err != nil {
		t.Fatalf("chooseChunk: %s", err)
	}
	if n != 1 || len(chunk) != 1 {
		t.Errorf("expected a chunk boundary when the inode-number delta overflows int16, got n=%d len=%d", n, len(chunk))
	}
}

func TestDirWriterRejectsEmptyName(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	dw := newDirWriter(newMetaWriter(comp))

	_, err = dw.WriteDirectory([]dirEntryRef{{name: "", typ: FileType, inodeNum: 1}})
	if err == nil {
		t.Errorf("expected an error for a zero-length directory entry name")
	}
}
