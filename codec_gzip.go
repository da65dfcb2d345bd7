package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/flate"
)

// gzipOptions is the on-disk option record for the deflate/"gzip" codec:
// compression_level(4) window_size(2) strategies(2), little-endian.
type gzipOptions struct {
	Level      int32
	WindowSize uint16
	Strategies uint16
}

const (
	gzipDefaultLevel      = 9
	gzipDefaultWindowSize = 15
)

// GzipCodec implements Codec for the deflate compressor family (squashfs
// compressor id GZip). It is registered unconditionally since it is the
// default compressor (spec §8 S1) and every image needs at least one
// codec available.
type GzipCodec struct {
	opt gzipOptions
}

func init() {
	RegisterCodec(GZip, func() Codec {
		return &GzipCodec{opt: gzipOptions{Level: gzipDefaultLevel, WindowSize: gzipDefaultWindowSize}}
	})
}

// Configure clamps level to deflate's supported range and window to the
// 8-15 bits spec §4.1 requires.
func (c *GzipCodec) Configure(level int, window int) {
	if level < flate.HuffmanOnly {
		level = flate.HuffmanOnly
	}
	if level > flate.BestCompression {
		level = flate.BestCompression
	}
	if window < 8 {
		window = 8
	}
	if window > 15 {
		window = 15
	}
	c.opt.Level = int32(level)
	c.opt.WindowSize = uint16(window)
}

func (c *GzipCodec) Id() SquashComp { return GZip }

func (c *GzipCodec) Compress(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, int(c.opt.Level))
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

func (c *GzipCodec) Decompress(in []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(in))
	defer r.Close()
	out, err := readAllLimited(r, len(in)*3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatCorrupted, err)
	}
	return out, nil
}

func (c *GzipCodec) WriteOptions() ([]byte, error) {
	if c.opt.Level == gzipDefaultLevel && c.opt.WindowSize == gzipDefaultWindowSize && c.opt.Strategies == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &c.opt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) ReadOptions(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, &c.opt)
}

func (c *GzipCodec) Clone() Codec {
	cp := *c
	return &cp
}
