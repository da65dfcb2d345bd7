package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

// lz4Options is the on-disk option record for the LZ4 codec:
// version(4) flags(4), little-endian. version is fixed at 1 (the only
// squashfs LZ4 option version); flags carries the HC bit.
type lz4Options struct {
	Version uint32
	Flags   uint32
}

const (
	lz4OptVersion1 = 1
	lz4FlagHC      = 1 << 0
)

// LZ4Codec implements Codec for LZ4 (squashfs compressor id LZ4).
type LZ4Codec struct {
	opt lz4Options
}

func init() {
	RegisterCodec(LZ4, func() Codec {
		return &LZ4Codec{opt: lz4Options{Version: lz4OptVersion1}}
	})
}

// Configure toggles the high-compression variant.
func (c *LZ4Codec) Configure(highCompression bool) {
	if highCompression {
		c.opt.Flags |= lz4FlagHC
	} else {
		c.opt.Flags &^= lz4FlagHC
	}
}

func (c *LZ4Codec) Id() SquashComp { return LZ4 }

func (c *LZ4Codec) Compress(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if c.opt.Flags&lz4FlagHC != 0 {
		w.Header.CompressionLevel = 9
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

func (c *LZ4Codec) Decompress(in []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(in))
	out, err := readAllLimited(r, len(in)*3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	return out, nil
}

func (c *LZ4Codec) WriteOptions() ([]byte, error) {
	if c.opt.Version == lz4OptVersion1 && c.opt.Flags == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &c.opt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Codec) ReadOptions(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, &c.opt)
}

func (c *LZ4Codec) Clone() Codec {
	cp := *c
	return &cp
}
