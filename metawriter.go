package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// metaBlockSize is the fixed payload cap of a metadata block (spec §3, GLOSSARY).
const metaBlockSize = 8192

// metaUncompressedFlag is the high bit of a metadata block's 2-byte header.
const metaUncompressedFlag = 0x8000

// metaWriter batches arbitrary byte streams into 8 KiB metadata blocks,
// compressing each with the image's codec, per spec §4.5. It tracks its
// own byte position so callers (directory/id/xattr/fragment writers) can
// record (block_start, intra_offset) references before the blocks are
// actually flushed to the output file.
type metaWriter struct {
	comp Codec

	pending bytes.Buffer // not yet sealed into a block
	blocks  [][]byte     // sealed, on-disk-ready blocks (header+payload)
	written uint64       // bytes of sealed blocks, i.e. position() block_start base

	fileOffset uint64 // never assigned; Writer.Finish tracks where each table is written
}

func newMetaWriter(comp Codec) *metaWriter {
	return &metaWriter{comp: comp}
}

// position returns the (block_start, intra_offset) the next appended byte
// would land at, relative to this writer's own stream (not yet an absolute
// file offset; the writer facade adds the table's base offset once known).
func (m *metaWriter) position() (blockStart uint64, offset uint16) {
	return m.written, uint16(m.pending.Len())
}

// append adds bytes to the metadata stream, sealing full 8 KiB blocks as
// they fill. Data that does not fit in the room left in the current block
// is split across the seal boundary and continues in the next block, as
// directory/inode records may span metadata blocks in the real format.
func (m *metaWriter) append(data []byte) error {
	for len(data) > 0 {
		room := metaBlockSize - m.pending.Len()
		if room <= 0 {
			if err := m.seal(); err != nil {
				return err
			}
			room = metaBlockSize
		}
		n := room
		if n > len(data) {
			n = len(data)
		}
		m.pending.Write(data[:n])
		data = data[n:]
		if m.pending.Len() == metaBlockSize {
			if err := m.seal(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush forces emission of a partial block, if any is pending.
func (m *metaWriter) flush() error {
	if m.pending.Len() == 0 {
		return nil
	}
	return m.seal()
}

func (m *metaWriter) seal() error {
	payload := append([]byte(nil), m.pending.Bytes()...)
	m.pending.Reset()

	block, err := encodeMetaBlock(m.comp, payload)
	if err != nil {
		return err
	}
	m.blocks = append(m.blocks, block)
	m.written += uint64(len(block))
	return nil
}

// encodeMetaBlock compresses payload (falling back to uncompressed storage
// per the Codec contract) and prefixes it with the 2-byte length+flag header.
func encodeMetaBlock(comp Codec, payload []byte) ([]byte, error) {
	compressed, ok, err := compressBlock(comp, payload)
	if err != nil {
		return nil, err
	}

	var header [2]byte
	var body []byte
	if ok {
		if len(compressed) > 0x7fff {
			return nil, fmt.Errorf("%w: compressed metadata block too large", ErrOverflow)
		}
		binary.LittleEndian.PutUint16(header[:], uint16(len(compressed)))
		body = compressed
	} else {
		if len(payload) > 0x7fff {
			return nil, fmt.Errorf("%w: metadata block too large", ErrOverflow)
		}
		binary.LittleEndian.PutUint16(header[:], uint16(len(payload))|metaUncompressedFlag)
		body = payload
	}

	out := make([]byte, 0, 2+len(body))
	out = append(out, header[:]...)
	out = append(out, body...)
	return out, nil
}

// bytes returns every sealed block concatenated, ready to be written
// consecutively to the output file.
func (m *metaWriter) bytes() []byte {
	var buf bytes.Buffer
	for _, b := range m.blocks {
		buf.Write(b)
	}
	return buf.Bytes()
}

// size returns the total sealed byte length (== m.written).
func (m *metaWriter) size() uint64 {
	return m.written
}
