package squashfs

import "testing"

func TestIdTableWriterDedup(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	it := newIdTableWriter(comp)

	idx1, err := it.Add(1000)
	if err != nil {
		t.Fatalf("Add: %s", err)
	}
	idx2, err := it.Add(2000)
	if err != nil {
		t.Fatalf("Add: %s", err)
	}
	idx3, err := it.Add(1000)
	if err != nil {
		t.Fatalf("Add: %s", err)
	}
	if idx1 != idx3 {
		t.Errorf("expected re-adding the same uid/gid to return the same index, got %d and %d", idx1, idx3)
	}
	if idx1 == idx2 {
		t.Errorf("expected distinct ids to get distinct indices")
	}
	if it.Count() != 2 {
		t.Errorf("expected 2 distinct ids recorded, got %d", it.Count())
	}
}

func TestIdTableWriterEmptySentinel(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	it := newIdTableWriter(comp)

	f := &memRandomAccess{}
	start, err := it.WriteTable(f, 0)
	if err != nil {
		t.Fatalf("WriteTable: %s", err)
	}
	if start != 0xffffffffffffffff {
		t.Errorf("expected the empty-table sentinel, got %#x", start)
	}
}
