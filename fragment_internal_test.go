package squashfs

import "testing"

func newTestFragmentWriter(t *testing.T, blockSize uint32) (*fragmentWriter, *memRandomAccess) {
	t.Helper()
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	f := &memRandomAccess{}
	bw := newBlockWriter(f, 0, 512, nil)
	return newFragmentWriter(bw, comp, blockSize), f
}

func TestFragmentWriterDedup(t *testing.T) {
	fw, _ := newTestFragmentWriter(t, 8192)

	idx1, off1, err := fw.AddTail([]byte("same tail content"))
	if err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	idx2, off2, err := fw.AddTail([]byte("same tail content"))
	if err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	if idx1 != idx2 || off1 != off2 {
		t.Errorf("expected identical tails to dedup to (%d,%d), got (%d,%d)", idx1, off1, idx2, off2)
	}

	idx3, off3, err := fw.AddTail([]byte("different tail content"))
	if err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	if idx3 == idx1 && off3 == off1 {
		t.Errorf("distinct tail content should not have deduplicated")
	}
}

func TestFragmentWriterSealsOnOverflow(t *testing.T) {
	fw, _ := newTestFragmentWriter(t, 16)

	if _, _, err := fw.AddTail(make([]byte, 10)); err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	if fw.Count() != 0 {
		t.Fatalf("expected no sealed blocks yet, got %d", fw.Count())
	}

	// this tail differs from the first (so it cannot dedup against it) and
	// doesn't fit alongside it within blockSize, so AddTail must seal the
	// first block before opening a new one
	idx, off, err := fw.AddTail([]byte("0123456789"))
	if err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	if fw.Count() != 1 {
		t.Errorf("expected exactly one sealed fragment block after overflow, got %d", fw.Count())
	}
	if idx != 1 {
		t.Errorf("expected the new tail to land in fragment index 1 (the newly opened block), got %d", idx)
	}
	if off != 0 {
		t.Errorf("expected the new tail to start at offset 0 of its block, got %d", off)
	}
}

func TestFragmentWriterFinishAndTable(t *testing.T) {
	fw, f := newTestFragmentWriter(t, 8192)

	if _, _, err := fw.AddTail([]byte("tail one")); err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	if _, _, err := fw.AddTail([]byte("tail two")); err != nil {
		t.Fatalf("AddTail: %s", err)
	}
	if fw.Count() != 0 {
		t.Fatalf("expected no sealed blocks before Finish, got %d", fw.Count())
	}

	if err := fw.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}
	if fw.Count() != 1 {
		t.Errorf("expected exactly one sealed fragment block after Finish, got %d", fw.Count())
	}

	start, err := fw.WriteTable(f, uint64(len(f.buf)))
	if err != nil {
		t.Fatalf("WriteTable: %s", err)
	}
	if start == 0 {
		t.Errorf("expected a non-zero fragment table start offset")
	}
}

func TestFragmentWriterEmptyTableSentinel(t *testing.T) {
	fw, f := newTestFragmentWriter(t, 8192)

	start, err := fw.WriteTable(f, 0)
	if err != nil {
		t.Fatalf("WriteTable: %s", err)
	}
	if start != 0xffffffffffffffff {
		t.Errorf("expected the no-fragments sentinel 0xffffffffffffffff, got %#x", start)
	}
}
