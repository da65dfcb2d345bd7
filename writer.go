package squashfs

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Writer builds a SquashFS 4.0 image from an in-memory filesystem tree,
// streaming data blocks through a concurrent compression pipeline and
// deduplicating whole blocks and fragment tails as it goes (spec §4).
//
// The lifecycle is: construct with NewWriter, call Init, add every entry with
// AddFile/AddDirectory/AddSymlink/AddDevice/AddFifo/AddSocket/AddHardLink
// and optionally SetXattrs, then call Finish to serialize every table and
// rewrite the superblock.
type Writer struct {
	out RandomAccess

	blockSize       uint32
	deviceBlockSize uint32
	compId          SquashComp
	compConfigure   func(Codec) error
	comp            Codec
	modTime         int32
	flags           SquashFlags
	workers         int
	backlog         int

	tree   *tree
	ids    *idTableWriter
	xattrs *xattrWriter
	frags  *fragmentWriter
	bw     *blockWriter
	proc   *processor

	pendingMu sync.Mutex
	pending   []func(blockResult) error

	warnings []error
}

// BuildOption configures a Writer before Init.
type BuildOption func(*Writer) error

// WithBlockSize sets the data block size (must be a power of two, spec §3).
func WithBlockSize(size uint32) BuildOption {
	return func(w *Writer) error {
		if size == 0 || size&(size-1) != 0 {
			return fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidSuper, size)
		}
		w.blockSize = size
		return nil
	}
}

// WithDeviceBlockSize sets the padding granularity used at end-of-data and
// whenever an aligned block is requested.
func WithDeviceBlockSize(size uint32) BuildOption {
	return func(w *Writer) error {
		w.deviceBlockSize = size
		return nil
	}
}

// WithCompression selects the compressor family and, optionally, a
// configuration callback run against the constructed codec (e.g. gzip
// level, xz dictionary size) before it is used.
func WithCompression(id SquashComp, configure func(Codec) error) BuildOption {
	return func(w *Writer) error {
		w.compId = id
		w.compConfigure = configure
		return nil
	}
}

// WithWorkers sets the number of block-compression worker goroutines.
func WithWorkers(n int) BuildOption {
	return func(w *Writer) error {
		w.workers = n
		return nil
	}
}

// WithBacklog sets the maximum number of in-flight (submitted but not yet
// written) blocks, bounding memory use under backpressure.
func WithBacklog(n int) BuildOption {
	return func(w *Writer) error {
		w.backlog = n
		return nil
	}
}

// WithModTime sets the filesystem-wide modification time recorded in the
// superblock.
func WithModTime(t time.Time) BuildOption {
	return func(w *Writer) error {
		w.modTime = int32(t.Unix())
		return nil
	}
}

// WithSourceDateEpoch sets the modification time from the SOURCE_DATE_EPOCH
// environment variable, when set, for reproducible builds; a no-op
// otherwise.
func WithSourceDateEpoch() BuildOption {
	return func(w *Writer) error {
		v := os.Getenv("SOURCE_DATE_EPOCH")
		if v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid SOURCE_DATE_EPOCH: %v", ErrInvalidSuper, err)
		}
		w.modTime = int32(n)
		return nil
	}
}

// WithExportable enables the NFS export table (spec §4.8).
func WithExportable() BuildOption {
	return func(w *Writer) error {
		w.flags |= EXPORTABLE
		return nil
	}
}

// WithNoXattrs disables xattr storage entirely, even if SetXattrs is called.
func WithNoXattrs() BuildOption {
	return func(w *Writer) error {
		w.flags |= NO_XATTRS
		return nil
	}
}

// WithNoFragments disables fragment packing: every file's tail becomes a
// regular (possibly sparse) data block instead.
func WithNoFragments() BuildOption {
	return func(w *Writer) error {
		w.flags |= NO_FRAGMENTS
		return nil
	}
}

// NewWriter constructs a Writer over out, which must support random
// read-back (needed for whole-block dedup verification) as well as
// append-style writes.
func NewWriter(out RandomAccess, opts ...BuildOption) (*Writer, error) {
	w := &Writer{
		out:             out,
		blockSize:       131072,
		deviceBlockSize: 4096,
		compId:          GZip,
		modTime:         int32(time.Now().Unix()),
		workers:         4,
		backlog:         32,
		tree:            newTree(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Init writes the placeholder superblock and, if the chosen codec carries
// non-default options, the compressor-options metadata block, then starts
// the block-compression pipeline. Must be called before adding entries.
func (w *Writer) Init() error {
	comp, err := NewCodec(w.compId)
	if err != nil {
		return err
	}
	if w.compConfigure != nil {
		if err := w.compConfigure(comp); err != nil {
			return err
		}
	}
	w.comp = comp

	placeholder := make([]byte, SuperblockSize)
	if _, err := w.out.WriteAt(placeholder, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	offset := uint64(SuperblockSize)

	optBytes, err := w.comp.WriteOptions()
	if err != nil {
		return err
	}
	if optBytes != nil {
		w.flags |= COMPRESSOR_OPTIONS
		block, err := encodeMetaBlock(w.comp, optBytes)
		if err != nil {
			return err
		}
		if _, err := w.out.WriteAt(block, int64(offset)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		offset += uint64(len(block))
	}

	w.bw = newBlockWriter(w.out, offset, w.deviceBlockSize, w.warn)
	w.frags = newFragmentWriter(w.bw, w.comp, w.blockSize)
	w.ids = newIdTableWriter(w.comp)
	w.xattrs = newXattrWriter(w.comp)
	w.proc = newProcessor(w.comp, w.workers, w.backlog, w.onOrdered)
	return nil
}

func (w *Writer) warn(err error) {
	w.warnings = append(w.warnings, err)
}

// Warnings returns non-fatal anomalies observed during the build (e.g. a
// dedup fingerprint collision that required a byte-for-byte fallback).
func (w *Writer) Warnings() []error { return w.warnings }

func (w *Writer) onOrdered(res blockResult) error {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return fmt.Errorf("%w: block delivered with no pending consumer", ErrSequence)
	}
	apply := w.pending[0]
	w.pending = w.pending[1:]
	w.pendingMu.Unlock()

	if res.err != nil {
		return res.err
	}
	return apply(res)
}

func (w *Writer) submitDataBlock(data []byte, apply func(blockResult) error) error {
	w.pendingMu.Lock()
	w.pending = append(w.pending, apply)
	w.pendingMu.Unlock()
	_, err := w.proc.Submit(data, false)
	return err
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// --- building the tree ---

// AddDirectory creates an explicit directory node (AddFile et al create
// implicit parent directories automatically; this is for setting specific
// attrs on an intermediate directory, or an otherwise-empty leaf directory).
func (w *Writer) AddDirectory(p string, attrs Attrs) error {
	_, err := w.tree.AddGeneric(p, DirType, attrs)
	return err
}

// AddFile streams src's content through the compression pipeline and
// records a regular-file node at p.
func (w *Writer) AddFile(p string, attrs Attrs, src FileSource) error {
	n, err := w.tree.AddGeneric(p, FileType, attrs)
	if err != nil {
		return err
	}
	n.size = src.Size()
	n.source = src
	return w.streamFile(n)
}

// AddSymlink records a symlink node at p pointing at target.
func (w *Writer) AddSymlink(p string, attrs Attrs, target string) error {
	n, err := w.tree.AddGeneric(p, SymlinkType, attrs)
	if err != nil {
		return err
	}
	n.linkTarget = target
	return nil
}

// AddDevice records a block or character device node at p.
func (w *Writer) AddDevice(p string, attrs Attrs, isChar bool, major, minor uint32) error {
	kind := BlockDevType
	if isChar {
		kind = CharDevType
	}
	n, err := w.tree.AddGeneric(p, kind, attrs)
	if err != nil {
		return err
	}
	n.devMajor, n.devMinor = major, minor
	return nil
}

// AddFifo records a named pipe node at p.
func (w *Writer) AddFifo(p string, attrs Attrs) error {
	_, err := w.tree.AddGeneric(p, FifoType, attrs)
	return err
}

// AddSocket records a UNIX domain socket node at p.
func (w *Writer) AddSocket(p string, attrs Attrs) error {
	_, err := w.tree.AddGeneric(p, SocketType, attrs)
	return err
}

// AddHardLink records p as an additional name for the content already
// present at targetPath (spec §4.7).
func (w *Writer) AddHardLink(p, targetPath string) error {
	_, err := w.tree.AddHardLink(p, targetPath)
	return err
}

// SetXattrs attaches extended attributes to the node at p. A no-op build
// option WithNoXattrs suppresses their serialization entirely.
func (w *Writer) SetXattrs(p string, pairs []XattrPair) error {
	return w.tree.SetXattrs(p, pairs)
}

// streamFile reads src in blockSize chunks, submitting each non-sparse,
// non-fragment-eligible chunk to the compression pipeline, and packs any
// final partial chunk into the shared fragment table (spec §4.2/§4.3),
// unless NO_FRAGMENTS is set.
func (w *Writer) streamFile(n *treeNode) error {
	size := n.source.Size()
	r, err := n.source.Open()
	if err != nil {
		return fmt.Errorf("%w: opening source for %q: %v", ErrIO, n.full, err)
	}
	defer r.Close()

	fullBlocks := int(size / int64(w.blockSize))
	tailLen := size - int64(fullBlocks)*int64(w.blockSize)

	blockSizes := make([]uint32, fullBlocks)
	var firstOffset uint64
	haveFirst := false
	var sparseBytes uint64

	for i := 0; i < fullBlocks; i++ {
		buf := make([]byte, w.blockSize)
		if _, err := r.ReadAt(buf, int64(i)*int64(w.blockSize)); err != nil {
			return fmt.Errorf("%w: reading block %d of %q: %v", ErrIO, i, n.full, err)
		}
		if isAllZero(buf) {
			sparseBytes += uint64(len(buf))
			continue
		}
		idx := i
		if err := w.submitDataBlock(buf, func(res blockResult) error {
			off, err := w.bw.WriteDataBlock(res.onDisk, res.compressed, false)
			if err != nil {
				return err
			}
			if !haveFirst {
				firstOffset = off
				haveFirst = true
			}
			sz := uint32(len(res.onDisk))
			if !res.compressed {
				sz |= blockSizeUncompressedFlag
			}
			blockSizes[idx] = sz
			return nil
		}); err != nil {
			return err
		}
	}

	fragBlock := uint32(0xffffffff)
	var fragOffset uint32
	if tailLen > 0 {
		tail := make([]byte, tailLen)
		if _, err := r.ReadAt(tail, int64(fullBlocks)*int64(w.blockSize)); err != nil {
			return fmt.Errorf("%w: reading tail of %q: %v", ErrIO, n.full, err)
		}
		if w.flags.Has(NO_FRAGMENTS) {
			if isAllZero(tail) {
				sparseBytes += uint64(len(tail))
				blockSizes = append(blockSizes, 0)
			} else {
				idx := len(blockSizes)
				blockSizes = append(blockSizes, 0)
				if err := w.submitDataBlock(tail, func(res blockResult) error {
					off, err := w.bw.WriteDataBlock(res.onDisk, res.compressed, false)
					if err != nil {
						return err
					}
					if !haveFirst {
						firstOffset = off
						haveFirst = true
					}
					sz := uint32(len(res.onDisk))
					if !res.compressed {
						sz |= blockSizeUncompressedFlag
					}
					blockSizes[idx] = sz
					return nil
				}); err != nil {
					return err
				}
			}
		} else {
			fb, fo, err := w.frags.AddTail(tail)
			if err != nil {
				return err
			}
			fragBlock, fragOffset = fb, fo
		}
	}

	if err := w.proc.Sync(); err != nil {
		return err
	}

	n.blockSizesCache = blockSizes
	n.fileStartBlock = firstOffset
	n.fragBlockCache = fragBlock
	n.fragOffsetCache = fragOffset
	n.sparseBytes = sparseBytes
	return nil
}

// Finish resolves hard links, numbers every inode, serializes every
// table, and rewrites the superblock with final offsets (spec §4.8).
func (w *Writer) Finish() error {
	inodeCount, err := w.tree.PostProcess()
	if err != nil {
		return err
	}
	if err := w.frags.Finish(); err != nil {
		return err
	}

	var exportTable *exportTableWriter
	if w.flags.Has(EXPORTABLE) {
		exportTable = newExportTableWriter(w.comp, inodeCount)
	}

	inodeMW := newMetaWriter(w.comp)
	dirW := newDirWriter(newMetaWriter(w.comp))

	var rootRef inodeRef
	err = w.tree.PostOrder(func(node *treeNode) error {
		if node.group.written {
			return nil
		}
		// Whichever occurrence the walk reaches first claims the write,
		// alias or primary: a group's body is serialized from its content
		// node's own fields regardless of which tree position triggered it,
		// since an alias occurrence carries none of its own (size, source,
		// xattrs, ...). A directory's children may include an alias whose
		// content lives in a subtree not yet visited, so the primary isn't
		// guaranteed to come first.
		ref, err := w.serializeNode(node.group.content, inodeMW, dirW)
		if err != nil {
			return err
		}
		node.group.written = true
		node.group.ref = ref
		if exportTable != nil {
			if err := exportTable.Set(node.group.number, uint64(ref)); err != nil {
				return err
			}
		}
		if node.group.content == w.tree.root {
			rootRef = ref
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := inodeMW.flush(); err != nil {
		return err
	}
	if err := dirW.mw.flush(); err != nil {
		return err
	}

	pos := w.bw.Offset()

	inodeTableStart := pos
	for _, b := range inodeMW.blocks {
		if _, err := w.out.WriteAt(b, int64(pos)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		pos += uint64(len(b))
	}

	dirTableStart := pos
	for _, b := range dirW.mw.blocks {
		if _, err := w.out.WriteAt(b, int64(pos)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		pos += uint64(len(b))
	}

	fragTableStart, err := w.frags.WriteTable(w.out, pos)
	if err != nil {
		return err
	}
	if fragTableStart != 0xffffffffffffffff {
		pos = fragTableStart
		blocks := (int(w.frags.Count())*fragEntrySize + metaBlockSize - 1) / metaBlockSize
		pos += uint64(blocks) * 8
	}

	exportTableStart := uint64(0xffffffffffffffff)
	if exportTable != nil {
		exportTableStart, err = exportTable.WriteTable(w.out, pos)
		if err != nil {
			return err
		}
		pos = exportTableStart + uint64((len(exportTable.refs)*8+metaBlockSize-1)/metaBlockSize)*8
	}

	xattrIdTableStart := uint64(0xffffffffffffffff)
	if !w.flags.Has(NO_XATTRS) && w.xattrs.Count() > 0 {
		xattrIdTableStart, err = w.xattrs.WriteTable(w.out, pos)
		if err != nil {
			return err
		}
		pos = xattrIdTableStart + 16 // header: xattr_table_start(8) + xattr_ids(4) + unused(4)
	} else {
		w.flags |= NO_XATTRS
	}

	idTableStart, err := w.ids.WriteTable(w.out, pos)
	if err != nil {
		return err
	}
	if idTableStart != 0xffffffffffffffff {
		idBlocks := (int(w.ids.Count())*4 + metaBlockSize - 1) / metaBlockSize
		pos = idTableStart + uint64(idBlocks)*8
	}

	// BytesUsed records the real pre-pad size (spec §8 invariant 1): the id
	// table is the last layout element per §6, so pos is now the true end
	// of content. The trailing device-block pad is applied after the
	// superblock is written, once bytesUsed is fixed.
	bytesUsed := pos

	sb := &Superblock{
		order:             nil,
		Magic:             0x73717368,
		InodeCnt:          inodeCount,
		ModTime:           w.modTime,
		BlockSize:         w.blockSize,
		FragCount:         w.frags.Count(),
		CompId:            w.compId,
		BlockLog:          uint16(log2(w.blockSize)),
		Flags:             w.flags,
		IdCount:           w.ids.Count(),
		VMajor:            4,
		VMinor:            0,
		RootInode:         uint64(rootRef),
		BytesUsed:         bytesUsed,
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrIdTableStart,
		InodeTableStart:   inodeTableStart,
		DirTableStart:     dirTableStart,
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}

	hdr, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.out.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	// Final layout element (spec §6): pad the whole file to a device block
	// multiple now that every table has been written.
	if err := padFileEnd(w.out, bytesUsed, w.deviceBlockSize); err != nil {
		return err
	}

	return w.proc.Finish()
}

func log2(v uint32) uint32 {
	var n uint32
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// serializeNode writes one content-group's directory listing (if it is a
// directory) and inode body, returning its location in the inode table.
func (w *Writer) serializeNode(node *treeNode, inodeMW *metaWriter, dirW *dirWriter) (inodeRef, error) {
	uidIdx, err := w.ids.Add(node.attrs.UID)
	if err != nil {
		return 0, err
	}
	gidIdx, err := w.ids.Add(node.attrs.GID)
	if err != nil {
		return 0, err
	}
	xattrIdx := uint32(0xffffffff)
	if !w.flags.Has(NO_XATTRS) && len(node.xattrs) > 0 {
		xattrIdx, err = w.xattrs.AddSet(node.xattrs)
		if err != nil {
			return 0, err
		}
	}

	common := inodeCommon{
		Perm:    node.attrs.Mode,
		UidIdx:  uidIdx,
		GidIdx:  gidIdx,
		ModTime: int32(node.attrs.Mtime),
		Ino:     node.group.number,
	}

	var body inodeBody
	switch {
	case node.kind.IsDir():
		entries := make([]dirEntryRef, 0, len(node.children))
		for _, c := range node.children {
			if c.group == nil || !c.group.written {
				return 0, fmt.Errorf("%w: directory child %q serialized out of order", ErrSequence, c.full)
			}
			entries = append(entries, dirEntryRef{
				name:       c.name,
				typ:        childBasicType(c),
				startBlock: c.group.ref.Index(),
				offset:     uint16(c.group.ref.Offset()),
				inodeNum:   c.group.number,
			})
		}
		res, err := dirW.WriteDirectory(entries)
		if err != nil {
			return 0, err
		}
		parentIno := uint32(0)
		if node.parent != nil {
			parentIno = node.parent.group.number
		} else {
			parentIno = node.group.number
		}
		subdirs := uint32(0)
		for _, c := range node.children {
			if !c.isAlias && c.kind.IsDir() {
				subdirs++
			}
		}
		body = &dirBody{
			startBlock: uint32(res.startBlock),
			offset:     res.offset,
			size:       res.size,
			parentIno:  parentIno,
			xattrIdx:   xattrIdx,
			idxCount:   0,
			nlink:      2 + subdirs,
		}
	case node.kind.Basic() == FileType:
		body = &fileBody{
			startBlock: node.fileStartBlock,
			fragBlock:  node.fragBlockCache,
			fragOffset: node.fragOffsetCache,
			size:       uint64(node.size),
			sparse:     node.sparseBytes,
			nlink:      node.group.NLink(),
			xattrIdx:   xattrIdx,
			blockSizes: node.blockSizesCache,
		}
	case node.kind.Basic() == SymlinkType:
		body = &symlinkBody{
			nlink:    node.group.NLink(),
			target:   []byte(node.linkTarget),
			xattrIdx: xattrIdx,
		}
	case node.kind.Basic() == BlockDevType, node.kind.Basic() == CharDevType:
		body = &deviceBody{
			isChar:   node.kind.Basic() == CharDevType,
			nlink:    node.group.NLink(),
			major:    node.devMajor,
			minor:    node.devMinor,
			xattrIdx: xattrIdx,
		}
	case node.kind.Basic() == FifoType, node.kind.Basic() == SocketType:
		body = &ipcBody{
			isSocket: node.kind.Basic() == SocketType,
			nlink:    node.group.NLink(),
			xattrIdx: xattrIdx,
		}
	default:
		return 0, fmt.Errorf("%w: unhandled node kind %v", ErrUnsupported, node.kind)
	}

	blockStart, offset := inodeMW.position()
	data, err := serializeInode(common, body)
	if err != nil {
		return 0, err
	}
	if err := inodeMW.append(data); err != nil {
		return 0, err
	}
	return inodeRef(blockStart<<16 | uint64(offset)), nil
}

func childBasicType(n *treeNode) Type {
	if n.group != nil && n.group.content != nil {
		return n.group.content.kind.Basic()
	}
	return n.kind.Basic()
}
