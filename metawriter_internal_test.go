package squashfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMetaWriterSealsAtBlockBoundary(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	mw := newMetaWriter(comp)

	block, offset := mw.position()
	if block != 0 || offset != 0 {
		t.Fatalf("expected a fresh writer to start at (0,0), got (%d,%d)", block, offset)
	}

	if err := mw.append(bytes.Repeat([]byte{0x5a}, metaBlockSize)); err != nil {
		t.Fatalf("append: %s", err)
	}
	if len(mw.blocks) != 1 {
		t.Fatalf("expected exactly one sealed block after a full-size append, got %d", len(mw.blocks))
	}

	block2, offset2 := mw.position()
	if offset2 != 0 {
		t.Errorf("expected the writer to be positioned at the start of a fresh block, got offset %d", offset2)
	}
	if block2 != mw.written {
		t.Errorf("expected block_start to equal bytes sealed so far (%d), got %d", mw.written, block2)
	}
}

func TestMetaWriterFlushNoopWhenEmpty(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	mw := newMetaWriter(comp)
	if err := mw.flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}
	if len(mw.blocks) != 0 {
		t.Errorf("expected flushing an empty writer to seal nothing, got %d blocks", len(mw.blocks))
	}
}

func TestMetaWriterHeaderUncompressedFlag(t *testing.T) {
	comp, err := NewCodec(GZip)
	if err != nil {
		t.Fatalf("NewCodec: %s", err)
	}
	mw := newMetaWriter(comp)

	// random-ish incompressible data: compression shouldn't shrink it, so
	// the block must be stored raw with the uncompressed-flag bit set
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i*167 + 13)
	}
	if err := mw.append(raw); err != nil {
		t.Fatalf("append: %s", err)
	}
	if err := mw.flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}
	if len(mw.blocks) != 1 {
		t.Fatalf("expected one sealed block, got %d", len(mw.blocks))
	}

	header := binary.LittleEndian.Uint16(mw.blocks[0][:2])
	if header&metaUncompressedFlag == 0 {
		t.Errorf("expected the uncompressed-storage flag to be set for incompressible data")
	}
	if int(header&^metaUncompressedFlag) != len(raw) {
		t.Errorf("expected the header length field to equal %d, got %d", len(raw), header&^metaUncompressedFlag)
	}
}
