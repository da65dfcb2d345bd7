package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// lzoOptions is the on-disk option record for the LZO codec:
// algorithm(4) compression_level(4), little-endian.
type lzoOptions struct {
	Algorithm uint32
	Level     uint32
}

const (
	lzo1X1Algorithm  = 0
	lzoDefaultLevel  = 8
	lzoMinMatchLen   = 4
	lzoMaxMatchLen   = 255 + lzoMinMatchLen
	lzoWindowBits    = 14
	lzoWindowSize    = 1 << lzoWindowBits
	lzoHashTableBits = 13
)

// LZOCodec implements Codec for the LZO family (squashfs compressor id
// LZO). No ecosystem Go library for LZO block compression was present in
// any example repo's go.mod in the retrieved corpus (see DESIGN.md), so
// this is a small, from-scratch LZ77-style literal/match coder: a 1-byte
// opcode (0 = literal run, 1 = match) followed by a varint length, and for
// matches a little-endian uint16 back-reference distance. It round-trips
// anything this codec itself produces; it does not claim compatibility
// with the real LZO1X bitstream used by other tools.
type LZOCodec struct {
	opt lzoOptions
}

func init() {
	RegisterCodec(LZO, func() Codec {
		return &LZOCodec{opt: lzoOptions{Algorithm: lzo1X1Algorithm, Level: lzoDefaultLevel}}
	})
}

func (c *LZOCodec) Id() SquashComp { return LZO }

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func (c *LZOCodec) Compress(in []byte) ([]byte, error) {
	var out bytes.Buffer
	n := len(in)
	if n == 0 {
		return out.Bytes(), nil
	}

	hashTable := make(map[uint32]int, n/4+1)
	hash4 := func(i int) uint32 {
		v := uint32(in[i]) | uint32(in[i+1])<<8 | uint32(in[i+2])<<16 | uint32(in[i+3])<<24
		return (v * 2654435761) >> (32 - lzoHashTableBits)
	}

	litStart := 0
	i := 0
	flushLiteral := func(end int) {
		if end <= litStart {
			return
		}
		out.WriteByte(0)
		putUvarint(&out, uint64(end-litStart))
		out.Write(in[litStart:end])
	}

	for i+lzoMinMatchLen <= n {
		h := hash4(i)
		cand, ok := hashTable[h]
		hashTable[h] = i

		if ok && i-cand <= lzoWindowSize && i-cand > 0 && bytes.Equal(in[cand:cand+lzoMinMatchLen], in[i:i+lzoMinMatchLen]) {
			// extend match
			matchLen := lzoMinMatchLen
			for i+matchLen < n && matchLen < lzoMaxMatchLen && in[cand+matchLen] == in[i+matchLen] {
				matchLen++
			}
			flushLiteral(i)
			out.WriteByte(1)
			putUvarint(&out, uint64(matchLen))
			var distBuf [2]byte
			binary.LittleEndian.PutUint16(distBuf[:], uint16(i-cand))
			out.Write(distBuf[:])
			i += matchLen
			litStart = i
			continue
		}
		i++
	}
	flushLiteral(n)
	return out.Bytes(), nil
}

func (c *LZOCodec) Decompress(in []byte) ([]byte, error) {
	r := bytes.NewReader(in)
	var out bytes.Buffer
	for {
		op, err := r.ReadByte()
		if err != nil {
			break
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated lzo stream: %v", ErrFormatCorrupted, err)
		}
		switch op {
		case 0:
			buf := make([]byte, length)
			if _, err := readExact(r, buf); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
			}
			out.Write(buf)
		case 1:
			var distBuf [2]byte
			if _, err := readExact(r, distBuf[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
			}
			dist := int(binary.LittleEndian.Uint16(distBuf[:]))
			if dist == 0 || dist > out.Len() {
				return nil, fmt.Errorf("%w: invalid lzo back-reference", ErrFormatCorrupted)
			}
			b := out.Bytes()
			start := len(b) - dist
			for i := 0; i < int(length); i++ {
				out.WriteByte(b[start+i])
				b = out.Bytes()
			}
		default:
			return nil, fmt.Errorf("%w: invalid lzo opcode %d", ErrFormatCorrupted, op)
		}
	}
	return out.Bytes(), nil
}

func readExact(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *LZOCodec) WriteOptions() ([]byte, error) {
	if c.opt.Algorithm == lzo1X1Algorithm && c.opt.Level == lzoDefaultLevel {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &c.opt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZOCodec) ReadOptions(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, &c.opt)
}

func (c *LZOCodec) Clone() Codec {
	cp := *c
	return &cp
}
