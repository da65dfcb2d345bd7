package squashfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// xattr name-space prefixes (spec §4.6, GLOSSARY "xattr").
const (
	xattrPrefixUser     uint16 = 0
	xattrPrefixTrusted  uint16 = 1
	xattrPrefixSecurity uint16 = 2
)

// xattrOOLValueFlag marks an entry's value field as an out-of-line
// reference (8 bytes: the kv-stream location of the actual vsize+bytes
// record) rather than inline data.
const xattrOOLValueFlag = 0x0100

// xattrInlineValueMax is the largest value size stored inline in a kv
// entry; anything larger is hoisted out-of-line and deduplicated by
// fingerprint, matching how real squashfs-tools handles large xattr blobs.
const xattrInlineValueMax = 48

// XattrPair is one extended attribute to attach to an inode.
type XattrPair struct {
	Prefix uint16 // xattrPrefixUser/Trusted/Security
	Name   string // suffix only, without the prefix string
	Value  []byte
}

type xattrLoc struct {
	block  uint64 // offset of the containing metadata block, relative to the kv stream's own start
	offset uint16
}

func (l xattrLoc) pack() uint64 { return l.block<<16 | uint64(l.offset) }

type xattrSetEntry struct {
	loc   xattrLoc
	count uint32
	size  uint32
}

// xattrWriter builds the deduplicated xattr kv-stream and per-inode xattr
// set table (spec §4.6): identical attribute sets canonicalize to the same
// 32-bit index, and identical out-of-line values are stored once.
type xattrWriter struct {
	comp Codec
	kv   *metaWriter

	valueDedup map[[sha256.Size]byte]xattrLoc
	setDedup   map[[sha256.Size]byte]uint32
	sets       []xattrSetEntry
}

func newXattrWriter(comp Codec) *xattrWriter {
	return &xattrWriter{
		comp:       comp,
		kv:         newMetaWriter(comp),
		valueDedup: make(map[[sha256.Size]byte]xattrLoc),
		setDedup:   make(map[[sha256.Size]byte]uint32),
	}
}

// AddSet canonicalizes (sorts), deduplicates, and records pairs as one
// xattr set, returning the 32-bit index the owning inode should store.
func (xw *xattrWriter) AddSet(pairs []XattrPair) (uint32, error) {
	if len(pairs) == 0 {
		return 0xffffffff, nil
	}
	sorted := append([]XattrPair(nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Prefix != sorted[j].Prefix {
			return sorted[i].Prefix < sorted[j].Prefix
		}
		return sorted[i].Name < sorted[j].Name
	})

	fp := fingerprintSet(sorted)
	if idx, ok := xw.setDedup[fp]; ok {
		return idx, nil
	}

	blockStart, intraOffset := xw.kv.position()
	loc := xattrLoc{block: blockStart, offset: intraOffset}

	size := uint32(0)
	for _, p := range sorted {
		n, err := xw.writeEntry(p)
		if err != nil {
			return 0, err
		}
		size += n
	}

	idx := uint32(len(xw.sets))
	xw.sets = append(xw.sets, xattrSetEntry{loc: loc, count: uint32(len(sorted)), size: size})
	xw.setDedup[fp] = idx
	return idx, nil
}

func fingerprintSet(sorted []XattrPair) [sha256.Size]byte {
	h := sha256.New()
	for _, p := range sorted {
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], p.Prefix)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(p.Name)))
		h.Write(hdr[:])
		h.Write([]byte(p.Name))
		var vlen [4]byte
		binary.LittleEndian.PutUint32(vlen[:], uint32(len(p.Value)))
		h.Write(vlen[:])
		h.Write(p.Value)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// writeEntry appends one name/value record to the kv stream, hoisting
// large values out-of-line with dedup, and returns the bytes consumed
// (for the set's recorded on-disk size).
func (xw *xattrWriter) writeEntry(p XattrPair) (uint32, error) {
	before := xw.kv.written + uint64(xw.kv.pending.Len())

	var typ uint16 = p.Prefix
	var valueField []byte
	var vsize uint32

	if len(p.Value) > xattrInlineValueMax {
		fp := sha256.Sum256(p.Value)
		loc, ok := xw.valueDedup[fp]
		if !ok {
			vloc0, vloc1 := xw.kv.position()
			loc = xattrLoc{block: vloc0, offset: vloc1}
			var vhdr [4]byte
			binary.LittleEndian.PutUint32(vhdr[:], uint32(len(p.Value)))
			if err := xw.kv.append(vhdr[:]); err != nil {
				return 0, err
			}
			if err := xw.kv.append(p.Value); err != nil {
				return 0, err
			}
			xw.valueDedup[fp] = loc
		}
		typ |= xattrOOLValueFlag
		valueField = make([]byte, 8)
		binary.LittleEndian.PutUint64(valueField, loc.pack())
		vsize = 8
	} else {
		valueField = p.Value
		vsize = uint32(len(p.Value))
	}

	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, typ)
	binary.Write(&hdr, binary.LittleEndian, uint16(len(p.Name)))
	hdr.WriteString(p.Name)
	if err := xw.kv.append(hdr.Bytes()); err != nil {
		return 0, err
	}

	var vhdr [4]byte
	binary.LittleEndian.PutUint32(vhdr[:], vsize)
	if err := xw.kv.append(vhdr[:]); err != nil {
		return 0, err
	}
	if err := xw.kv.append(valueField); err != nil {
		return 0, err
	}

	after := xw.kv.written + uint64(xw.kv.pending.Len())
	return uint32(after - before), nil
}

func (xw *xattrWriter) Count() uint32 { return uint32(len(xw.sets)) }

// WriteTable lays out, in order: the kv-stream metadata blocks, the
// per-set xattr_id metadata blocks, their second-level index, and a final
// small header (xattr_table_start, xattr_ids, unused). It returns the
// header's absolute offset — the value Superblock.XattrIdTableStart must
// hold — or the sentinel "no xattrs" value if no set was ever added.
func (xw *xattrWriter) WriteTable(out RandomAccess, atOffset uint64) (headerOffset uint64, err error) {
	if len(xw.sets) == 0 {
		return 0xffffffffffffffff, nil
	}
	if err := xw.kv.flush(); err != nil {
		return 0, err
	}

	pos := atOffset
	kvStart := pos
	for _, b := range xw.kv.blocks {
		if _, err := out.WriteAt(b, int64(pos)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		pos += uint64(len(b))
	}

	idMw := newMetaWriter(xw.comp)
	for _, s := range xw.sets {
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], s.loc.pack())
		binary.LittleEndian.PutUint32(buf[8:12], s.count)
		binary.LittleEndian.PutUint32(buf[12:16], s.size)
		if err := idMw.append(buf); err != nil {
			return 0, err
		}
	}
	if err := idMw.flush(); err != nil {
		return 0, err
	}

	idOffsets := make([]uint64, len(idMw.blocks))
	for i, b := range idMw.blocks {
		if _, err := out.WriteAt(b, int64(pos)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		idOffsets[i] = pos
		pos += uint64(len(b))
	}

	idx := make([]byte, len(idOffsets)*8)
	for i, o := range idOffsets {
		binary.LittleEndian.PutUint64(idx[i*8:], o)
	}
	if _, err := out.WriteAt(idx, int64(pos)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	pos += uint64(len(idx))

	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, kvStart)
	binary.Write(&hdr, binary.LittleEndian, uint32(len(xw.sets)))
	binary.Write(&hdr, binary.LittleEndian, uint32(0))
	if _, err := out.WriteAt(hdr.Bytes(), int64(pos)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	headerOffset = pos
	return headerOffset, nil
}
