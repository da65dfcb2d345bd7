package squashfs

import (
	"bytes"
	"io/fs"
	"testing"
)

type memFileSourceForTest struct{ data []byte }

func (m *memFileSourceForTest) Size() int64 { return int64(len(m.data)) }
func (m *memFileSourceForTest) Open() (ReadAtCloser, error) {
	return &memReaderForTest{data: m.data}, nil
}

type memReaderForTest struct{ data []byte }

func (r *memReaderForTest) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(r.data)) {
		return 0, fs.ErrInvalid
	}
	return copy(p, r.data[off:]), nil
}
func (r *memReaderForTest) Close() error { return nil }

func buildTestImage(t *testing.T, configure func(*Writer)) *memRandomAccess {
	t.Helper()
	f := &memRandomAccess{}
	w, err := NewWriter(f, WithBlockSize(4096), WithCompression(GZip, nil), WithWorkers(2))
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}
	if err := w.Init(); err != nil {
		t.Fatalf("Init: %s", err)
	}

	if err := w.AddDirectory("/dir", Attrs{Mode: 0755}); err != nil {
		t.Fatalf("AddDirectory: %s", err)
	}
	content := []byte("hello, squashfs world\n")
	if err := w.AddFile("/dir/hello.txt", Attrs{Mode: 0644}, &memFileSourceForTest{data: content}); err != nil {
		t.Fatalf("AddFile: %s", err)
	}
	if err := w.AddSymlink("/dir/link", Attrs{Mode: 0777}, "hello.txt"); err != nil {
		t.Fatalf("AddSymlink: %s", err)
	}

	if configure != nil {
		configure(w)
	}

	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}
	return f
}

func TestWriterRoundTripReadBack(t *testing.T) {
	f := buildTestImage(t, nil)

	sb, err := New(f)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	got, err := fs.ReadFile(sb, "dir/hello.txt")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	want := "hello, squashfs world\n"
	if string(got) != want {
		t.Errorf("expected file content %q, got %q", want, string(got))
	}

	entries, err := fs.ReadDir(sb, "dir")
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["hello.txt"] || !names["link"] {
		t.Errorf("expected dir entries hello.txt and link, got %v", entries)
	}

	linkInfo, err := fs.Stat(sb, "dir/link")
	if err != nil {
		t.Fatalf("Stat: %s", err)
	}
	if linkInfo.Mode()&fs.ModeSymlink == 0 {
		t.Errorf("expected dir/link to report the symlink mode bit")
	}
}

func TestWriterHardLinkRoundTrip(t *testing.T) {
	f := &memRandomAccess{}
	w, err := NewWriter(f, WithBlockSize(4096), WithCompression(GZip, nil))
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}
	if err := w.Init(); err != nil {
		t.Fatalf("Init: %s", err)
	}

	content := []byte("shared content")
	if err := w.AddFile("/orig", Attrs{Mode: 0644}, &memFileSourceForTest{data: content}); err != nil {
		t.Fatalf("AddFile: %s", err)
	}
	if err := w.AddHardLink("/alias", "/orig"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}

	sb, err := New(f)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	origData, err := fs.ReadFile(sb, "orig")
	if err != nil {
		t.Fatalf("ReadFile(orig): %s", err)
	}
	aliasData, err := fs.ReadFile(sb, "alias")
	if err != nil {
		t.Fatalf("ReadFile(alias): %s", err)
	}
	if !bytes.Equal(origData, aliasData) {
		t.Errorf("expected hard-linked paths to read identical content")
	}
	if string(origData) != string(content) {
		t.Errorf("expected content %q, got %q", content, origData)
	}
}

// TestWriterCrossDirectoryHardLinkOrder exercises a hard link whose alias
// occurrence's enclosing directory post-order-closes before the content
// node's own directory is even visited ("/a/alias" -> "/b/real": "a" sorts
// and finishes first). Finish must serialize the group from whichever
// occurrence it reaches first, not skip aliases and wait for the primary.
func TestWriterCrossDirectoryHardLinkOrder(t *testing.T) {
	f := &memRandomAccess{}
	w, err := NewWriter(f, WithBlockSize(4096), WithCompression(GZip, nil))
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}
	if err := w.Init(); err != nil {
		t.Fatalf("Init: %s", err)
	}

	content := []byte("cross-directory shared content")
	if err := w.AddFile("/b/real", Attrs{Mode: 0644}, &memFileSourceForTest{data: content}); err != nil {
		t.Fatalf("AddFile: %s", err)
	}
	if err := w.AddHardLink("/a/alias", "/b/real"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}

	sb, err := New(f)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	aliasData, err := fs.ReadFile(sb, "a/alias")
	if err != nil {
		t.Fatalf("ReadFile(a/alias): %s", err)
	}
	if !bytes.Equal(aliasData, content) {
		t.Errorf("expected a/alias content %q, got %q", content, aliasData)
	}
	realData, err := fs.ReadFile(sb, "b/real")
	if err != nil {
		t.Fatalf("ReadFile(b/real): %s", err)
	}
	if !bytes.Equal(realData, content) {
		t.Errorf("expected b/real content %q, got %q", content, realData)
	}
}

func TestWriterSparseFileRoundTrip(t *testing.T) {
	f := &memRandomAccess{}
	w, err := NewWriter(f, WithBlockSize(4096), WithCompression(GZip, nil))
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}
	if err := w.Init(); err != nil {
		t.Fatalf("Init: %s", err)
	}

	// one full all-zero block followed by a non-zero tail, so the writer
	// must record a hole (block size entry 0) for the first block rather
	// than storing its zeroes, while the tail is still stored normally
	content := append(make([]byte, 4096), bytes.Repeat([]byte{0x22}, 512)...)
	if err := w.AddFile("/sparse", Attrs{Mode: 0644}, &memFileSourceForTest{data: content}); err != nil {
		t.Fatalf("AddFile: %s", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}

	sb, err := New(f)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	got, err := fs.ReadFile(sb, "sparse")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected sparse file content to round-trip exactly, lengths got=%d want=%d", len(got), len(content))
	}
}

// TestWriterFinalPadding checks §8 invariant 1: the output file size must
// be a multiple of the configured device block size, and BytesUsed (the
// pre-pad content size recorded in the superblock) must be no larger than
// that padded file size, and within one device block of it, reflecting real
// content, not a size inflated by mid-build padding.
func TestWriterFinalPadding(t *testing.T) {
	f := buildTestImage(t, nil)

	sb, err := New(f)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	if len(f.buf)%4096 != 0 {
		t.Errorf("expected final file size to be a multiple of the device block size 4096, got %d", len(f.buf))
	}
	if sb.BytesUsed == 0 || sb.BytesUsed > uint64(len(f.buf)) {
		t.Errorf("expected BytesUsed (%d) to be a positive value no larger than the padded file size (%d)", sb.BytesUsed, len(f.buf))
	}
	if uint64(len(f.buf))-sb.BytesUsed >= 4096 {
		t.Errorf("expected the pad past BytesUsed to be less than one device block, got %d", uint64(len(f.buf))-sb.BytesUsed)
	}
}

func TestWriterExportableBuildsTable(t *testing.T) {
	f := &memRandomAccess{}
	w, err := NewWriter(f, WithBlockSize(4096), WithCompression(GZip, nil), WithExportable())
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}
	if err := w.Init(); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := w.AddFile("/f", Attrs{Mode: 0644}, &memFileSourceForTest{data: []byte("x")}); err != nil {
		t.Fatalf("AddFile: %s", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}

	sb, err := New(f)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if !sb.Flags.Has(EXPORTABLE) {
		t.Errorf("expected the EXPORTABLE flag to round-trip through the superblock")
	}
	if sb.ExportTableStart == 0xffffffffffffffff {
		t.Errorf("expected a real export table start offset, got the empty sentinel")
	}
}
