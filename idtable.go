package squashfs

import (
	"encoding/binary"
	"fmt"
)

// idTableWriter deduplicates the 32-bit uid/gid values referenced by inodes
// into a dense array, serialized the same way as the fragment table: 8 KiB
// metadata blocks followed by a second-level index of block offsets
// (spec §3, GLOSSARY "ID table").
type idTableWriter struct {
	comp Codec

	ids    []uint32
	lookup map[uint32]uint16 // value -> index, for dedup
}

func newIdTableWriter(comp Codec) *idTableWriter {
	return &idTableWriter{comp: comp, lookup: make(map[uint32]uint16)}
}

// Add returns the 16-bit index of id within the table, inserting it if this
// is the first time it has been seen. Per spec, a build may reference at
// most 65536 distinct ids; exceeding that is ErrOverflow.
func (t *idTableWriter) Add(id uint32) (uint16, error) {
	if idx, ok := t.lookup[id]; ok {
		return idx, nil
	}
	if len(t.ids) >= 0x10000 {
		return 0, fmt.Errorf("%w: more than 65536 distinct uid/gid values", ErrOverflow)
	}
	idx := uint16(len(t.ids))
	t.ids = append(t.ids, id)
	t.lookup[id] = idx
	return idx, nil
}

func (t *idTableWriter) Count() uint16 { return uint16(len(t.ids)) }

// WriteTable mirrors fragmentWriter.WriteTable's layout: metadata blocks of
// packed uint32 values, then a flat index of their offsets.
func (t *idTableWriter) WriteTable(out RandomAccess, atOffset uint64) (tableStart uint64, err error) {
	if len(t.ids) == 0 {
		return 0xffffffffffffffff, nil
	}

	mw := newMetaWriter(t.comp)
	for _, id := range t.ids {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], id)
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
