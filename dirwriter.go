package squashfs

import (
	"encoding/binary"
	"fmt"
)

// dirMaxEntriesPerHeader and dirMaxNameLen mirror the on-disk directory
// header/entry encoding limits (spec §4.4): a header's count-1 fits a byte
// but squashfs-tools caps headers at 256 entries to keep the inode-number
// delta within int16 range across a realistic directory; name length is
// encoded as size-1 in a uint16.
const (
	dirMaxEntriesPerHeader = 256
	dirMaxNameLen          = 65535
)

// dirEntryRef is what the directory writer needs about each child: its
// name, type, and where its inode lives (metadata block + intra offset)
// plus its dense inode number (for the delta encoding).
type dirEntryRef struct {
	name       string
	typ        Type
	startBlock uint32
	offset     uint16
	inodeNum   uint32
}

// dirWriter serializes one directory's children into the shared directory
// table, grouped into header+entries chunks per spec §4.4: each chunk
// shares a start_block, holds at most 256 entries, and every entry's
// inode-number delta from the chunk's base must fit in an int16.
type dirWriter struct {
	mw *metaWriter
}

func newDirWriter(mw *metaWriter) *dirWriter {
	return &dirWriter{mw: mw}
}

// dirResult is what the owning (parent) inode must record for this
// directory: its start location in the table and its on-disk size,
// which per the classic squashfs quirk is (bytes written + 3).
type dirResult struct {
	startBlock uint64
	offset     uint16
	size       uint32
}

// WriteDirectory serializes entries (already sorted by name, per spec
// §4.4 invariant) as one or more header/entry chunks.
func (dw *dirWriter) WriteDirectory(entries []dirEntryRef) (dirResult, error) {
	startBlock, offset := dw.mw.position()
	var written uint32

	if len(entries) == 0 {
		return dirResult{startBlock: startBlock, offset: offset, size: 3}, nil
	}

	for i := 0; i < len(entries); {
		chunk, n, err := dw.chooseChunk(entries[i:])
		if err != nil {
			return dirResult{}, err
		}
		nbytes, err := dw.writeChunk(chunk)
		if err != nil {
			return dirResult{}, err
		}
		written += nbytes
		i += n
	}

	return dirResult{startBlock: startBlock, offset: offset, size: written + 3}, nil
}

// chooseChunk groups a maximal run starting at rest[0] that shares a
// start_block, stays within the entry-count cap, and keeps every delta in
// int16 range relative to rest[0]'s inode number (the chunk's base).
func (dw *dirWriter) chooseChunk(rest []dirEntryRef) ([]dirEntryRef, int, error) {
	base := rest[0]
	n := 1
	for n < len(rest) && n < dirMaxEntriesPerHeader {
		e := rest[n]
		if e.startBlock != base.startBlock {
			break
		}
		delta := int64(e.inodeNum) - int64(base.inodeNum)
		if delta < -32768 || delta > 32767 {
			break
		}
		n++
	}
	return rest[:n], n, nil
}

func (dw *dirWriter) writeChunk(chunk []dirEntryRef) (uint32, error) {
	base := chunk[0]
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(chunk)-1))
	binary.LittleEndian.PutUint32(hdr[4:8], base.startBlock)
	binary.LittleEndian.PutUint32(hdr[8:12], base.inodeNum)
	if err := dw.mw.append(hdr[:]); err != nil {
		return 0, err
	}
	total := uint32(len(hdr))

	for _, e := range chunk {
		if len(e.name) == 0 || len(e.name) > dirMaxNameLen {
			return 0, fmt.Errorf("%w: invalid directory entry name length for %q", ErrOverflow, e.name)
		}
		delta := int64(e.inodeNum) - int64(base.inodeNum)

		buf := make([]byte, 8+len(e.name))
		binary.LittleEndian.PutUint16(buf[0:2], e.offset)
		binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(delta)))
		binary.LittleEndian.PutUint16(buf[4:6], uint16(e.typ))
		binary.LittleEndian.PutUint16(buf[6:8], uint16(len(e.name)-1))
		copy(buf[8:], e.name)
		if err := dw.mw.append(buf); err != nil {
			return 0, err
		}
		total += uint32(len(buf))
	}
	return total, nil
}
