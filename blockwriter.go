package squashfs

import (
	"crypto/sha256"
	"fmt"
	"io"
)

// RandomAccess is what the output file must support: append (via WriteAt at
// the current offset) and random read-back, the latter required solely for
// dedup byte-identity verification (spec §6 "Reader-side feedback for dedup").
type RandomAccess interface {
	io.WriterAt
	io.ReaderAt
}

// dedupEntry records one previously-written block so later blocks with an
// identical on-disk fingerprint can be matched against it.
type dedupEntry struct {
	offset     uint64
	size       uint32
	compressed bool
	fp         [sha256.Size]byte
}

// blockWriter appends compressed/uncompressed data and fragment blocks to
// the output file, returns their resulting file offsets, enforces optional
// alignment padding, and performs whole-block deduplication by fingerprint
// (spec §4.2). It is only ever touched by the producer goroutine.
type blockWriter struct {
	f               RandomAccess
	offset          uint64
	deviceBlockSize uint32
	warn            func(error)

	seen []dedupEntry
}

func newBlockWriter(f RandomAccess, startOffset uint64, deviceBlockSize uint32, warn func(error)) *blockWriter {
	if deviceBlockSize == 0 {
		deviceBlockSize = 4096
	}
	return &blockWriter{f: f, offset: startOffset, deviceBlockSize: deviceBlockSize, warn: warn}
}

func fingerprintOf(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

// WriteDataBlock appends a regular (non-fragment) data block. align
// requests device-block-size padding before the append (the ALIGN flag).
// It returns the on-disk offset the block (new or deduplicated) lives at.
func (bw *blockWriter) WriteDataBlock(onDisk []byte, compressed bool, align bool) (uint64, error) {
	fp := fingerprintOf(onDisk)
	if off, ok := bw.findDup(onDisk, compressed, fp); ok {
		return off, nil
	}
	return bw.appendBlock(onDisk, compressed, align, fp)
}

// WriteFragmentBlock appends a finalized fragment block. Per spec §4.2,
// fragment blocks bypass dedup at this layer (the fragment table dedups
// tails before assembly) but are still recorded so later data blocks can
// be deduplicated against a fragment block's body.
func (bw *blockWriter) WriteFragmentBlock(onDisk []byte, compressed bool) (uint64, error) {
	fp := fingerprintOf(onDisk)
	return bw.appendBlock(onDisk, compressed, false, fp)
}

func (bw *blockWriter) findDup(onDisk []byte, compressed bool, fp [sha256.Size]byte) (uint64, bool) {
	for _, e := range bw.seen {
		if e.size != uint32(len(onDisk)) || e.compressed != compressed || e.fp != fp {
			continue
		}
		candidate := make([]byte, e.size)
		if _, err := bw.f.ReadAt(candidate, int64(e.offset)); err != nil {
			// Format-corrupted / I/O failure on the verification read-back:
			// spec §7 says assume no match and proceed, surfacing a warning.
			if bw.warn != nil {
				bw.warn(fmt.Errorf("%w: dedup read-back at offset %d: %v", ErrFormatCorrupted, e.offset, err))
			}
			continue
		}
		if bytesEqual(candidate, onDisk) {
			return e.offset, true
		}
		if bw.warn != nil {
			bw.warn(fmt.Errorf("%w: fingerprint collision at offset %d", ErrFormatCorrupted, e.offset))
		}
	}
	return 0, false
}

func (bw *blockWriter) appendBlock(onDisk []byte, compressed bool, align bool, fp [sha256.Size]byte) (uint64, error) {
	if align {
		if err := bw.padToDeviceBlock(); err != nil {
			return 0, err
		}
	}
	off := bw.offset
	if _, err := bw.f.WriteAt(onDisk, int64(off)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	bw.offset += uint64(len(onDisk))
	bw.seen = append(bw.seen, dedupEntry{offset: off, size: uint32(len(onDisk)), compressed: compressed, fp: fp})
	return off, nil
}

func (bw *blockWriter) padToDeviceBlock() error {
	rem := bw.offset % uint64(bw.deviceBlockSize)
	if rem == 0 {
		return nil
	}
	pad := make([]byte, uint64(bw.deviceBlockSize)-rem)
	if _, err := bw.f.WriteAt(pad, int64(bw.offset)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	bw.offset += uint64(len(pad))
	return nil
}

// PadFinal pads the writer's own tracked offset up to a device block
// multiple. It only accounts for the data region this blockWriter owns; it
// is not a substitute for padding the whole output file, since the inode,
// directory, fragment, export, xattr, and id tables are all appended after
// the data region by Writer.Finish.
func (bw *blockWriter) PadFinal() error {
	return bw.padToDeviceBlock()
}

func (bw *blockWriter) Offset() uint64 { return bw.offset }

// padFileEnd pads out with zero bytes from usedSize up to the next multiple
// of deviceBlockSize. Unlike blockWriter.PadFinal, this operates on the
// file's true end offset once every table has been written (spec §4.8,
// invariant 1 in §8), since usedSize is computed after the id table, the
// last layout element per §6.
func padFileEnd(out RandomAccess, usedSize uint64, deviceBlockSize uint32) error {
	if deviceBlockSize == 0 {
		deviceBlockSize = 4096
	}
	rem := usedSize % uint64(deviceBlockSize)
	if rem == 0 {
		return nil
	}
	pad := make([]byte, uint64(deviceBlockSize)-rem)
	if _, err := out.WriteAt(pad, int64(usedSize)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
