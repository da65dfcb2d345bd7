package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// https://dr-emann.github.io/squashfs/

// SuperblockSize is the fixed on-disk size of the superblock record (spec §3).
const SuperblockSize = 96

// Superblock is the fixed 96-byte record at file offset 0. It is shared by
// the reader path (populated by Open/New from on-disk bytes) and the
// writer path (populated by Writer.Finish just before it rewrites the
// header). See spec §3 for field semantics and invariants.
type Superblock struct {
	fs     io.ReaderAt
	closer io.Closer
	order  binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	CompId            SquashComp
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// Comp is the constructed, option-configured codec matching CompId,
	// used by the reader path to decompress metadata and data blocks.
	Comp Codec

	// Reader-only runtime state, populated lazily while walking the tree.
	rootIno  *Inode
	rootInoN uint64
	inoOfft  uint64
	inoIdx   map[uint32]inodeRef
	inoIdxL  sync.RWMutex
	idTable  []uint32
}

// Open opens a SquashFS image from a path for reading.
func Open(path string) (*Superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sb, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.closer = f
	return sb, nil
}

func (sb *Superblock) Close() error {
	if sb.closer != nil {
		return sb.closer.Close()
	}
	return nil
}

// New parses a superblock from an already-open random-access source.
func New(fs io.ReaderAt) (*Superblock, error) {
	sb := &Superblock{fs: fs}
	head := make([]byte, SuperblockSize)
	if _, err := fs.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}

	if err := sb.loadIdTable(); err != nil {
		return nil, err
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, fmt.Errorf("%w: reading root inode: %v", ErrInvalidSuper, err)
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)
	sb.inoIdx = make(map[uint32]inodeRef)
	sb.inoIdx[root.Ino] = inodeRef(sb.RootInode)

	return sb, nil
}

func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidFile
	}
	switch string(data[:4]) {
	case "hsqs":
		sb.order = binary.LittleEndian
	case "sqsh":
		sb.order = binary.BigEndian
	default:
		return ErrInvalidFile
	}
	if len(data) < SuperblockSize {
		return fmt.Errorf("%w: truncated superblock", ErrInvalidSuper)
	}

	r := bytes.NewReader(data)
	fields := []any{
		&sb.Magic, &sb.InodeCnt, &sb.ModTime, &sb.BlockSize, &sb.FragCount,
		&sb.CompId, &sb.BlockLog, &sb.Flags, &sb.IdCount, &sb.VMajor, &sb.VMinor,
		&sb.RootInode, &sb.BytesUsed, &sb.IdTableStart, &sb.XattrIdTableStart,
		&sb.InodeTableStart, &sb.DirTableStart, &sb.FragTableStart, &sb.ExportTableStart,
	}
	for _, f := range fields {
		if err := binary.Read(r, sb.order, f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSuper, err)
		}
	}

	if sb.VMajor != 4 || sb.VMinor != 0 {
		return ErrInvalidVersion
	}
	if sb.BlockSize == 0 || sb.BlockSize&(sb.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block size %d not a power of two", ErrInvalidSuper, sb.BlockSize)
	}
	if uint32(1)<<sb.BlockLog != sb.BlockSize {
		return fmt.Errorf("%w: block_log %d does not match block_size %d", ErrInvalidSuper, sb.BlockLog, sb.BlockSize)
	}

	comp, err := NewCodec(sb.CompId)
	if err != nil {
		return err
	}
	sb.Comp = comp

	if sb.Flags.Has(COMPRESSOR_OPTIONS) {
		opt, err := sb.readCompressorOptionsBlock()
		if err != nil {
			return err
		}
		if opt != nil {
			if err := sb.Comp.ReadOptions(opt); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSuper, err)
			}
		}
	}

	return nil
}

// readCompressorOptionsBlock reads the one metadata block that immediately
// follows the superblock when COMPRESSOR_OPTIONS is set.
func (sb *Superblock) readCompressorOptionsBlock() ([]byte, error) {
	t, err := sb.newTableReader(SuperblockSize, 0)
	if err != nil {
		return nil, err
	}
	return t.buf, nil
}

// MarshalBinary serializes the superblock to its fixed 96-byte wire form.
// Used by the writer facade to (re)write the header.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	order := sb.order
	if order == nil {
		order = binary.LittleEndian
	}
	var buf bytes.Buffer
	fields := []any{
		sb.Magic, sb.InodeCnt, sb.ModTime, sb.BlockSize, sb.FragCount,
		sb.CompId, sb.BlockLog, sb.Flags, sb.IdCount, sb.VMajor, sb.VMinor,
		sb.RootInode, sb.BytesUsed, sb.IdTableStart, sb.XattrIdTableStart,
		sb.InodeTableStart, sb.DirTableStart, sb.FragTableStart, sb.ExportTableStart,
	}
	for _, f := range fields {
		if err := binary.Write(&buf, order, f); err != nil {
			return nil, err
		}
	}
	if buf.Len() != SuperblockSize {
		return nil, fmt.Errorf("%w: built superblock of size %d, expected %d", ErrOverflow, buf.Len(), SuperblockSize)
	}
	return buf.Bytes(), nil
}

func (sb *Superblock) loadIdTable() error {
	if sb.IdCount == 0 {
		return nil
	}
	blocks := (int(sb.IdCount)*4 + metaBlockSize - 1) / metaBlockSize
	idxBuf := make([]byte, blocks*8)
	if _, err := sb.fs.ReadAt(idxBuf, int64(sb.IdTableStart)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	ids := make([]uint32, 0, sb.IdCount)
	for b := 0; b < blocks; b++ {
		off := int64(sb.order.Uint64(idxBuf[b*8:]))
		t, err := sb.newTableReader(off, 0)
		if err != nil {
			return err
		}
		for len(t.buf) >= 4 && len(ids) < int(sb.IdCount) {
			ids = append(ids, sb.order.Uint32(t.buf[:4]))
			t.buf = t.buf[4:]
		}
	}
	sb.idTable = ids
	return nil
}

func (sb *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	sb.inoIdxL.Lock()
	defer sb.inoIdxL.Unlock()
	if sb.inoIdx == nil {
		sb.inoIdx = make(map[uint32]inodeRef)
	}
	sb.inoIdx[ino] = ref
}
