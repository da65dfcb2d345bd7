package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdOptions is the on-disk option record for the ZSTD codec:
// compression_level(4), little-endian.
type zstdOptions struct {
	Level int32
}

const zstdDefaultLevel = 15

// ZstdCodec implements Codec for ZSTD (squashfs compressor id ZSTD).
type ZstdCodec struct {
	opt zstdOptions
}

func init() {
	RegisterCodec(ZSTD, func() Codec {
		return &ZstdCodec{opt: zstdOptions{Level: zstdDefaultLevel}}
	})
}

// Configure clamps the level to zstd's documented 1-22 range (spec §4.1).
func (c *ZstdCodec) Configure(level int) {
	if level < 1 {
		level = 1
	}
	if level > 22 {
		level = 22
	}
	c.opt.Level = int32(level)
}

func (c *ZstdCodec) Id() SquashComp { return ZSTD }

func (c *ZstdCodec) Compress(in []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(c.opt.Level))))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(in, nil), nil
}

func (c *ZstdCodec) Decompress(in []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(in, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	return out, nil
}

func (c *ZstdCodec) WriteOptions() ([]byte, error) {
	if c.opt.Level == zstdDefaultLevel {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &c.opt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *ZstdCodec) ReadOptions(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, &c.opt)
}

func (c *ZstdCodec) Clone() Codec {
	cp := *c
	return &cp
}
