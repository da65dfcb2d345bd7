package squashfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// fragEntrySize is the on-disk size of one fragment table entry: a 64-bit
// block start offset, a 32-bit size (bit 24 set means "stored uncompressed"),
// and 4 reserved/unused bytes (spec §3, GLOSSARY "fragment table").
const fragEntrySize = 16

// fragSizeUncompressedFlag mirrors the metadata-block header convention:
// the squashfs on-disk fragment size field reserves bit 24 for this.
const fragSizeUncompressedFlag = 1 << 24

type fragEntry struct {
	startBlock uint64
	size       uint32 // includes fragSizeUncompressedFlag when stored raw
}

func (e fragEntry) marshal() []byte {
	buf := make([]byte, fragEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.startBlock)
	binary.LittleEndian.PutUint32(buf[8:12], e.size)
	return buf
}

type tailKey struct {
	size uint32
	fp   [sha256.Size]byte
}

// tailRef locates a previously-packed fragment tail, either still sitting
// in the currently-open (unflushed) fragment block or inside an already
// sealed one.
type tailRef struct {
	fragIndex uint32
	offset    uint32
	size      uint32
	raw       []byte // retained for in-memory byte-identity verification
}

// fragmentWriter accumulates small file tails into shared fragment blocks
// and deduplicates tails by (size, fingerprint) + byte comparison, per
// spec §4.3. Only ever touched by the producer goroutine.
type fragmentWriter struct {
	bw        *blockWriter
	comp      Codec
	blockSize uint32

	current    bytes.Buffer
	currentRaw [][]byte // pieces making up `current`, for verification

	entries []fragEntry
	dedup   map[tailKey]tailRef
}

func newFragmentWriter(bw *blockWriter, comp Codec, blockSize uint32) *fragmentWriter {
	return &fragmentWriter{
		bw:        bw,
		comp:      comp,
		blockSize: blockSize,
		dedup:     make(map[tailKey]tailRef),
	}
}

// AddTail packs data as a fragment, returning the (fragment_index,
// fragment_offset) pair the owning inode should record. Identical tails
// (by content) are deduplicated against any tail seen so far, whether
// still open or already sealed into a block.
func (fw *fragmentWriter) AddTail(data []byte) (fragIndex uint32, offset uint32, err error) {
	key := tailKey{size: uint32(len(data)), fp: sha256.Sum256(data)}
	if ref, ok := fw.dedup[key]; ok && bytes.Equal(ref.raw, data) {
		return ref.fragIndex, ref.offset, nil
	}

	if fw.current.Len() > 0 && uint32(fw.current.Len())+uint32(len(data)) > fw.blockSize {
		if err := fw.sealCurrent(); err != nil {
			return 0, 0, err
		}
	}

	off := uint32(fw.current.Len())
	raw := append([]byte(nil), data...)
	fw.current.Write(raw)
	fw.currentRaw = append(fw.currentRaw, raw)

	idx := uint32(len(fw.entries))
	fw.dedup[key] = tailRef{fragIndex: idx, offset: off, size: uint32(len(data)), raw: raw}
	return idx, off, nil
}

// sealCurrent compresses and appends the open fragment block to the
// output file, recording its descriptor, then resets the open buffer.
func (fw *fragmentWriter) sealCurrent() error {
	if fw.current.Len() == 0 {
		return nil
	}
	payload := fw.current.Bytes()
	compressed, ok, err := compressBlock(fw.comp, payload)
	var onDisk []byte
	var size uint32
	if ok {
		onDisk = compressed
		size = uint32(len(compressed))
	} else {
		if err != nil {
			return err
		}
		onDisk = payload
		size = uint32(len(payload)) | fragSizeUncompressedFlag
	}
	if err != nil {
		return err
	}

	off, err := fw.bw.WriteFragmentBlock(onDisk, ok)
	if err != nil {
		return err
	}
	fw.entries = append(fw.entries, fragEntry{startBlock: off, size: size})
	fw.current.Reset()
	fw.currentRaw = nil
	return nil
}

// Finish flushes any partially-filled fragment block.
func (fw *fragmentWriter) Finish() error {
	return fw.sealCurrent()
}

// Count returns the number of sealed fragment block descriptors.
func (fw *fragmentWriter) Count() uint32 { return uint32(len(fw.entries)) }

// WriteTable serializes the fragment descriptor array into 8 KiB metadata
// blocks followed by a second-level index of block-start offsets, written
// directly (uncompressed, fixed-size) at the current end of the file. It
// returns the absolute offset of that index, the value the superblock's
// fragment_table_start field must hold.
func (fw *fragmentWriter) WriteTable(out RandomAccess, atOffset uint64) (tableStart uint64, err error) {
	if len(fw.entries) == 0 {
		return 0xffffffffffffffff, nil
	}

	mw := newMetaWriter(fw.comp)
	for _, e := range fw.entries {
		if err := mw.append(e.marshal()); err != nil {
			return 0, err
		}
	}
	if err := mw.flush(); err != nil {
		return 0, err
	}

	blocks := mw.blocks
	offsets := make([]uint64, len(blocks))
	pos := atOffset
	for i, b := range blocks {
		if _, err := out.WriteAt(b, int64(pos)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		offsets[i] = pos
		pos += uint64(len(b))
	}

	tableStart = pos
	idx := make([]byte, len(offsets)*8)
	for i, o := range offsets {
		binary.LittleEndian.PutUint64(idx[i*8:], o)
	}
	if _, err := out.WriteAt(idx, int64(pos)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return tableStart, nil
}
