package squashfs

import "testing"

func newTestXattrWriter(t *testing.T) *xattrWriter {
	t.Helper()
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	return newXattrWriter(comp)
}

func TestXattrWriterEmptySetSentinel(t *testing.T) {
	xw := newTestXattrWriter(t)
	idx, err := xw.AddSet(nil)
	if err != nil {
		t.Fatalf("AddSet: %s", err)
	}
	if idx != 0xffffffff {
		t.Errorf("expected the no-xattrs sentinel 0xffffffff for an empty set, got %#x", idx)
	}
	if xw.Count() != 0 {
		t.Errorf("expected no sets to be recorded for an empty set")
	}
}

func TestXattrWriterSetDedup(t *testing.T) {
	xw := newTestXattrWriter(t)
	a := []XattrPair{
		{Prefix: xattrPrefixUser, Name: "foo", Value: []byte("bar")},
		{Prefix: xattrPrefixTrusted, Name: "baz", Value: []byte("qux")},
	}
	// same pairs, different order: canonicalization must still dedup
	b := []XattrPair{
		{Prefix: xattrPrefixTrusted, Name: "baz", Value: []byte("qux")},
		{Prefix: xattrPrefixUser, Name: "foo", Value: []byte("bar")},
	}

	idx1, err := xw.AddSet(a)
	if err != nil {
		t.Fatalf("AddSet: %s", err)
	}
	idx2, err := xw.AddSet(b)
	if err != nil {
		t.Fatalf("AddSet: %s", err)
	}
	if idx1 != idx2 {
		t.Errorf("expected reordered-but-identical sets to dedup to the same index, got %d and %d", idx1, idx2)
	}
	if xw.Count() != 1 {
		t.Errorf("expected exactly one recorded set, got %d", xw.Count())
	}

	c := []XattrPair{{Prefix: xattrPrefixUser, Name: "foo", Value: []byte("different")}}
	idx3, err := xw.AddSet(c)
	if err != nil {
		t.Fatalf("AddSet: %s", err)
	}
	if idx3 == idx1 {
		t.Errorf("a set with a different value should not have deduplicated with the first")
	}
	if xw.Count() != 2 {
		t.Errorf("expected two recorded sets, got %d", xw.Count())
	}
}

func TestXattrWriterOutOfLineValueDedup(t *testing.T) {
	xw := newTestXattrWriter(t)
	big := make([]byte, xattrInlineValueMax+1)
	for i := range big {
		big[i] = byte(i)
	}

	before := xw.kv.written + uint64(xw.kv.pending.Len())
	if _, err := xw.AddSet([]XattrPair{{Prefix: xattrPrefixUser, Name: "a", Value: big}}); err != nil {
		t.Fatalf("AddSet: %s", err)
	}
	afterFirst := xw.kv.written + uint64(xw.kv.pending.Len())
	grewBy := afterFirst - before

	// a second set reusing the same large value should only add its own
	// entry header, not a second copy of the out-of-line value
	if _, err := xw.AddSet([]XattrPair{{Prefix: xattrPrefixUser, Name: "b", Value: big}}); err != nil {
		t.Fatalf("AddSet: %s", err)
	}
	afterSecond := xw.kv.written + uint64(xw.kv.pending.Len())
	secondGrewBy := afterSecond - afterFirst

	if secondGrewBy >= grewBy {
		t.Errorf("expected the second set (reusing the out-of-line value) to add fewer bytes than the first; first added %d, second added %d", grewBy, secondGrewBy)
	}
}

func TestXattrWriterWriteTableEmptySentinel(t *testing.T) {
	xw := newTestXattrWriter(t)
	f := &memRandomAccess{}
	headerOffset, err := xw.WriteTable(f, 0)
	if err != nil {
		t.Fatalf("WriteTable: %s", err)
	}
	if headerOffset != 0xffffffffffffffff {
		t.Errorf("expected the no-xattrs sentinel 0xffffffffffffffff, got %#x", headerOffset)
	}
}

func TestXattrWriterTableRoundTripOffsets(t *testing.T) {
	xw := newTestXattrWriter(t)
	if _, err := xw.AddSet([]XattrPair{{Prefix: xattrPrefixUser, Name: "foo", Value: []byte("bar")}}); err != nil {
		t.Fatalf("AddSet: %s", err)
	}

	f := &memRandomAccess{}
	headerOffset, err := xw.WriteTable(f, 0)
	if err != nil {
		t.Fatalf("WriteTable: %s", err)
	}
	if headerOffset == 0 {
		t.Errorf("expected a non-zero xattr table header offset")
	}
	if headerOffset >= uint64(len(f.buf)) {
		t.Errorf("expected the header offset %d to point within the written file (%d bytes)", headerOffset, len(f.buf))
	}
}
