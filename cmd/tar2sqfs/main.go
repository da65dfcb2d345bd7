// Command tar2sqfs builds a SquashFS image from a tar stream, read from
// stdin or a named file.
package main

import (
	"archive/tar"
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"

	"github.com/mkfs-go/squashfs"
)

func main() {
	blockSize := flag.Uint("block-size", 131072, "data block size in bytes")
	comp := flag.String("comp", "gzip", "compressor: gzip, xz, zstd, lz4, lzo")
	tarPath := flag.String("tar", "-", "tar input path, - for stdin")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tar2sqfs [flags] <output.squashfs>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	in := os.Stdin
	if *tarPath != "-" {
		f, err := os.Open(*tarPath)
		if err != nil {
			log.Fatalf("tar2sqfs: %s", err)
		}
		defer f.Close()
		in = f
	}

	out, err := os.Create(flag.Arg(0))
	if err != nil {
		log.Fatalf("tar2sqfs: creating %s: %s", flag.Arg(0), err)
	}
	defer out.Close()

	compId, err := parseComp(*comp)
	if err != nil {
		log.Fatalf("tar2sqfs: %s", err)
	}

	w, err := squashfs.NewWriter(out,
		squashfs.WithBlockSize(uint32(*blockSize)),
		squashfs.WithCompression(compId, nil),
		squashfs.WithSourceDateEpoch(),
	)
	if err != nil {
		log.Fatalf("tar2sqfs: %s", err)
	}
	if err := w.Init(); err != nil {
		log.Fatalf("tar2sqfs: %s", err)
	}

	if err := convert(w, in); err != nil {
		log.Fatalf("tar2sqfs: %s", err)
	}

	if err := w.Finish(); err != nil {
		log.Fatalf("tar2sqfs: %s", err)
	}
}

func parseComp(name string) (squashfs.SquashComp, error) {
	switch name {
	case "gzip":
		return squashfs.GZip, nil
	case "xz":
		return squashfs.XZ, nil
	case "zstd":
		return squashfs.ZSTD, nil
	case "lz4":
		return squashfs.LZ4, nil
	case "lzo":
		return squashfs.LZO, nil
	default:
		return 0, fmt.Errorf("unknown compressor %q", name)
	}
}

// memFileSource holds one tar entry's content in memory; tar streams are
// not seekable, so each regular-file entry is buffered before being handed
// to the writer (which needs io.ReaderAt to stream blocks out of order).
type memFileSource struct{ data []byte }

func (m *memFileSource) Size() int64 { return int64(len(m.data)) }
func (m *memFileSource) Open() (squashfs.ReadAtCloser, error) {
	return &memReader{r: bytes.NewReader(m.data)}, nil
}

type memReader struct{ r *bytes.Reader }

func (m *memReader) ReadAt(p []byte, off int64) (int, error) { return m.r.ReadAt(p, off) }
func (m *memReader) Close() error                             { return nil }

// convert streams tr into w, creating directories implicitly via
// AddFile/AddSymlink/etc. and resolving TypeLink entries as hard links
// against the path they reference (spec §4.7).
func convert(w *squashfs.Writer, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		dst := "/" + path.Clean(hdr.Name)
		if dst == "/." || dst == "/" {
			continue // root entry, already implicit
		}
		attrs := squashfs.Attrs{
			Mode:  uint16(hdr.Mode & 0o7777),
			UID:   uint32(hdr.Uid),
			GID:   uint32(hdr.Gid),
			Mtime: uint32(hdr.ModTime.Unix()),
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = w.AddDirectory(dst, attrs)
		case tar.TypeReg, tar.TypeRegA:
			buf := make([]byte, hdr.Size)
			if _, err = io.ReadFull(tr, buf); err != nil {
				return fmt.Errorf("reading content of %q: %w", hdr.Name, err)
			}
			err = w.AddFile(dst, attrs, &memFileSource{data: buf})
		case tar.TypeSymlink:
			err = w.AddSymlink(dst, attrs, hdr.Linkname)
		case tar.TypeLink:
			err = w.AddHardLink(dst, "/"+path.Clean(hdr.Linkname))
		case tar.TypeChar, tar.TypeBlock:
			err = w.AddDevice(dst, attrs, hdr.Typeflag == tar.TypeChar, uint32(hdr.Devmajor), uint32(hdr.Devminor))
		case tar.TypeFifo:
			err = w.AddFifo(dst, attrs)
		default:
			err = fmt.Errorf("unsupported tar entry type %d for %q", hdr.Typeflag, hdr.Name)
		}
		if err != nil {
			return err
		}
	}
}
