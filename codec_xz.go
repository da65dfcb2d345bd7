package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// xzOptions is the on-disk option record for the XZ-framed-LZMA2 codec:
// dictionary_size(4) filters(4), little-endian. filters is a bitmask of
// the optional BCJ filter chain; this codec never enables one, so it is
// always written as 0.
type xzOptions struct {
	DictionarySize uint32
	Filters        uint32
}

const xzDefaultDictSize = 1 << 20 // 1 MiB, the largest allowed block size

// XZCodec implements Codec for LZMA2 framed as XZ (squashfs compressor id XZ).
type XZCodec struct {
	opt xzOptions
}

func init() {
	RegisterCodec(XZ, func() Codec {
		return &XZCodec{opt: xzOptions{DictionarySize: xzDefaultDictSize}}
	})
}

// Configure clamps the dictionary size to a power of two or 2^n+2^(n-1) as
// required by spec §4.1.
func (c *XZCodec) Configure(dictSize uint32) {
	c.opt.DictionarySize = clampXZDictSize(dictSize)
}

func clampXZDictSize(v uint32) uint32 {
	if v < lzma.MinDictCap {
		return lzma.MinDictCap
	}
	if v > 1<<30 {
		return 1 << 30
	}
	// accept as-is if it's already a power of two or 3*2^n form; otherwise
	// round up to the next power of two, which always satisfies the family.
	if v&(v-1) == 0 {
		return v
	}
	if t := v / 3; v%3 == 0 && t&(t-1) == 0 {
		return v
	}
	p := uint32(1)
	for p < v {
		p <<= 1
	}
	return p
}

func (c *XZCodec) Id() SquashComp { return XZ }

func (c *XZCodec) Compress(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := xz.WriterConfig{DictCap: int(c.opt.DictionarySize)}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *XZCodec) Decompress(in []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	out, err := readAllLimited(r, len(in)*3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	return out, nil
}

func (c *XZCodec) WriteOptions() ([]byte, error) {
	if c.opt.DictionarySize == xzDefaultDictSize && c.opt.Filters == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &c.opt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *XZCodec) ReadOptions(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, &c.opt)
}

func (c *XZCodec) Clone() Codec {
	cp := *c
	return &cp
}

// LZMACodec implements Codec for bare LZMA2 (no XZ container), squashfs
// compressor id LZMA. Unlike XZ it has no persisted option record in the
// legacy format, matching the original squashfs-tools-ng behavior.
type LZMACodec struct {
	dictSize uint32
}

func init() {
	RegisterCodec(LZMA, func() Codec {
		return &LZMACodec{dictSize: xzDefaultDictSize}
	})
}

// Configure clamps lc+lp <= 4 is enforced by the ulikunitz/xz/lzma
// defaults; only dictionary size is tunable here.
func (c *LZMACodec) Configure(dictSize uint32) {
	c.dictSize = clampXZDictSize(dictSize)
}

func (c *LZMACodec) Id() SquashComp { return LZMA }

func (c *LZMACodec) Compress(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.Writer2Config{DictCap: int(c.dictSize)}
	w, err := cfg.NewWriter2(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZMACodec) Decompress(in []byte) ([]byte, error) {
	cfg := lzma.Reader2Config{}
	r, err := cfg.NewReader2(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	out, err := readAllLimited(r, len(in)*3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	return out, nil
}

// WriteOptions: bare LZMA2 carries no option block in this implementation,
// matching the legacy on-disk format which predates compressor options.
func (c *LZMACodec) WriteOptions() ([]byte, error) { return nil, nil }

func (c *LZMACodec) ReadOptions(data []byte) error { return nil }

func (c *LZMACodec) Clone() Codec {
	cp := *c
	return &cp
}
