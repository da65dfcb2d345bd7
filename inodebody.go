package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// inodeCommon is the 16-byte header shared by every inode body (spec §3):
// type, permission bits, uid/gid table indices, mtime, inode number.
type inodeCommon struct {
	Type    uint16
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32
}

// inodeBody is implemented by each tagged inode-body variant and knows how
// to marshal itself (the common header is written by the caller first).
type inodeBody interface {
	basicType() Type
	extType() Type
	needsExtended() bool
	marshal(extended bool) ([]byte, error)
}

// blockSizeUncompressedFlag mirrors fragSizeUncompressedFlag (fragment.go):
// bit 24 of a file inode's per-block size entry marks that block as stored
// raw rather than compressed.
const blockSizeUncompressedFlag = 1 << 24

// packDevice encodes a (major, minor) pair the way squashfs-tools packs
// rdev_t: 12 major bits at offset 8, 8 low minor bits at offset 0, and the
// remaining 12 high minor bits at offset 20.
func packDevice(major, minor uint32) uint32 {
	return ((major & 0xfff) << 8) | (minor & 0xff) | ((minor & 0xfff00) << 12)
}

// --- directory ---

type dirBody struct {
	startBlock uint32
	offset     uint16
	size       uint32 // includes the classic +3
	parentIno  uint32
	xattrIdx   uint32
	idxCount   uint16
	nlink      uint32
}

func (d *dirBody) basicType() Type { return DirType }
func (d *dirBody) extType() Type   { return XDirType }
func (d *dirBody) needsExtended() bool {
	return d.xattrIdx != 0xffffffff || d.size > 0xffff || d.idxCount > 0
}

func (d *dirBody) marshal(extended bool) ([]byte, error) {
	var buf bytes.Buffer
	if !extended {
		if d.size > 0xffff {
			return nil, fmt.Errorf("%w: basic directory size overflow", ErrOverflow)
		}
		binary.Write(&buf, binary.LittleEndian, d.startBlock)
		binary.Write(&buf, binary.LittleEndian, d.nlink)
		binary.Write(&buf, binary.LittleEndian, uint16(d.size))
		binary.Write(&buf, binary.LittleEndian, d.offset)
		binary.Write(&buf, binary.LittleEndian, d.parentIno)
		return buf.Bytes(), nil
	}
	binary.Write(&buf, binary.LittleEndian, d.nlink)
	binary.Write(&buf, binary.LittleEndian, d.size)
	binary.Write(&buf, binary.LittleEndian, d.startBlock)
	binary.Write(&buf, binary.LittleEndian, d.parentIno)
	binary.Write(&buf, binary.LittleEndian, d.idxCount)
	binary.Write(&buf, binary.LittleEndian, d.offset)
	binary.Write(&buf, binary.LittleEndian, d.xattrIdx)
	return buf.Bytes(), nil
}

// --- regular file ---

type fileBody struct {
	startBlock uint64
	fragBlock  uint32 // 0xffffffff if none
	fragOffset uint32
	size       uint64
	sparse     uint64
	nlink      uint32
	xattrIdx   uint32
	blockSizes []uint32 // one per full block, high bit/flag encoded already
}

func (f *fileBody) basicType() Type { return FileType }
func (f *fileBody) extType() Type   { return XFileType }
func (f *fileBody) needsExtended() bool {
	return f.xattrIdx != 0xffffffff || f.sparse != 0 || f.nlink != 1 || f.startBlock > 0xffffffff
}

func (f *fileBody) marshal(extended bool) ([]byte, error) {
	var buf bytes.Buffer
	if !extended {
		if f.startBlock > 0xffffffff || f.size > 0xffffffff {
			return nil, fmt.Errorf("%w: basic file fields overflow", ErrOverflow)
		}
		binary.Write(&buf, binary.LittleEndian, uint32(f.startBlock))
		binary.Write(&buf, binary.LittleEndian, f.fragBlock)
		binary.Write(&buf, binary.LittleEndian, f.fragOffset)
		binary.Write(&buf, binary.LittleEndian, uint32(f.size))
	} else {
		binary.Write(&buf, binary.LittleEndian, f.startBlock)
		binary.Write(&buf, binary.LittleEndian, f.size)
		binary.Write(&buf, binary.LittleEndian, f.sparse)
		binary.Write(&buf, binary.LittleEndian, f.nlink)
		binary.Write(&buf, binary.LittleEndian, f.fragBlock)
		binary.Write(&buf, binary.LittleEndian, f.fragOffset)
		binary.Write(&buf, binary.LittleEndian, f.xattrIdx)
	}
	for _, bs := range f.blockSizes {
		binary.Write(&buf, binary.LittleEndian, bs)
	}
	return buf.Bytes(), nil
}

// --- symlink ---

type symlinkBody struct {
	nlink    uint32
	target   []byte
	xattrIdx uint32
}

func (s *symlinkBody) basicType() Type { return SymlinkType }
func (s *symlinkBody) extType() Type   { return XSymlinkType }
func (s *symlinkBody) needsExtended() bool {
	return s.xattrIdx != 0xffffffff
}

func (s *symlinkBody) marshal(extended bool) ([]byte, error) {
	if len(s.target) > 4096 {
		return nil, fmt.Errorf("%w: symlink target too long", ErrOverflow)
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s.nlink)
	binary.Write(&buf, binary.LittleEndian, uint32(len(s.target)))
	buf.Write(s.target)
	if extended {
		binary.Write(&buf, binary.LittleEndian, s.xattrIdx)
	}
	return buf.Bytes(), nil
}

// --- device (block/char) ---

type deviceBody struct {
	isChar   bool
	nlink    uint32
	major    uint32
	minor    uint32
	xattrIdx uint32
}

func (d *deviceBody) basicType() Type {
	if d.isChar {
		return CharDevType
	}
	return BlockDevType
}
func (d *deviceBody) extType() Type {
	if d.isChar {
		return XCharDevType
	}
	return XBlockDevType
}
func (d *deviceBody) needsExtended() bool { return d.xattrIdx != 0xffffffff }

func (d *deviceBody) marshal(extended bool) ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, d.nlink)
	binary.Write(&buf, binary.LittleEndian, packDevice(d.major, d.minor))
	if extended {
		binary.Write(&buf, binary.LittleEndian, d.xattrIdx)
	}
	return buf.Bytes(), nil
}

// --- fifo / socket ---

type ipcBody struct {
	isSocket bool
	nlink    uint32
	xattrIdx uint32
}

func (p *ipcBody) basicType() Type {
	if p.isSocket {
		return SocketType
	}
	return FifoType
}
func (p *ipcBody) extType() Type {
	if p.isSocket {
		return XSocketType
	}
	return XFifoType
}
func (p *ipcBody) needsExtended() bool { return p.xattrIdx != 0xffffffff }

func (p *ipcBody) marshal(extended bool) ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.nlink)
	if extended {
		binary.Write(&buf, binary.LittleEndian, p.xattrIdx)
	}
	return buf.Bytes(), nil
}

// serializeInode writes the 16-byte common header followed by the body's
// encoding, promoting to the extended type when the body needs it (spec
// §4.9 "lazy base-to-extended promotion").
func serializeInode(common inodeCommon, body inodeBody) ([]byte, error) {
	extended := body.needsExtended()
	if extended {
		common.Type = uint16(body.extType())
	} else {
		common.Type = uint16(body.basicType())
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, common.Type)
	binary.Write(&buf, binary.LittleEndian, common.Perm)
	binary.Write(&buf, binary.LittleEndian, common.UidIdx)
	binary.Write(&buf, binary.LittleEndian, common.GidIdx)
	binary.Write(&buf, binary.LittleEndian, common.ModTime)
	binary.Write(&buf, binary.LittleEndian, common.Ino)

	body_, err := body.marshal(extended)
	if err != nil {
		return nil, err
	}
	buf.Write(body_)
	return buf.Bytes(), nil
}
