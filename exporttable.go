package squashfs

import (
	"encoding/binary"
	"fmt"
)

// exportTableWriter builds the NFS export lookup table: a dense array of
// 64-bit inode references indexed by (inode_number - 1), gated behind the
// EXPORTABLE flag (spec §3, §4.8). Serialized like the id/fragment tables.
type exportTableWriter struct {
	comp Codec
	refs []uint64 // refs[inodeNumber-1] = packed inode reference
}

func newExportTableWriter(comp Codec, inodeCount uint32) *exportTableWriter {
	return &exportTableWriter{comp: comp, refs: make([]uint64, inodeCount)}
}

// Set records the on-disk inode reference for a dense inode number
// (1-based, matching Superblock.RootInode's own encoding).
func (t *exportTableWriter) Set(inodeNumber uint32, ref uint64) error {
	if inodeNumber == 0 || int(inodeNumber) > len(t.refs) {
		return fmt.Errorf("%w: inode number %d out of range [1,%d]", ErrOutOfBounds, inodeNumber, len(t.refs))
	}
	t.refs[inodeNumber-1] = ref
	return nil
}

func (t *exportTableWriter) WriteTable(out RandomAccess, atOffset uint64) (tableStart uint64, err error) {
	if len(t.refs) == 0 {
		return 0xffffffffffffffff, nil
	}

	mw := newMetaWriter(t.comp)
	for _, r := range t.refs {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], r)
		if err := mw.append(buf[:]); err != nil {
			return 0, err
		}
	}
	if err := mw.flush(); err != nil {
		return 0, err
	}

	pos := atOffset
	offsets := make([]uint64, len(mw.blocks))
	for i, b := range mw.blocks {
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
