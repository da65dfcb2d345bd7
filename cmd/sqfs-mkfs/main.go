// Command sqfs-mkfs builds a SquashFS image from a directory tree.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/mkfs-go/squashfs"
)

func main() {
	blockSize := flag.Uint("block-size", 131072, "data block size in bytes")
	comp := flag.String("comp", "gzip", "compressor: gzip, xz, zstd, lz4, lzo")
	workers := flag.Int("workers", 4, "number of compression worker goroutines")
	exportable := flag.Bool("exportable", false, "build the NFS export table")
	noFrag := flag.Bool("no-fragments", false, "disable fragment packing")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: sqfs-mkfs [flags] <source_dir> <output.squashfs>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	srcDir, outPath := flag.Arg(0), flag.Arg(1)

	compId, err := parseComp(*comp)
	if err != nil {
		log.Fatalf("sqfs-mkfs: %s", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		log.Fatalf("sqfs-mkfs: creating %s: %s", outPath, err)
	}
	defer out.Close()

	opts := []squashfs.BuildOption{
		squashfs.WithBlockSize(uint32(*blockSize)),
		squashfs.WithCompression(compId, nil),
		squashfs.WithWorkers(*workers),
		squashfs.WithSourceDateEpoch(),
	}
	if *exportable {
		opts = append(opts, squashfs.WithExportable())
	}
	if *noFrag {
		opts = append(opts, squashfs.WithNoFragments())
	}

	w, err := squashfs.NewWriter(out, opts...)
	if err != nil {
		log.Fatalf("sqfs-mkfs: %s", err)
	}
	if err := w.Init(); err != nil {
		log.Fatalf("sqfs-mkfs: %s", err)
	}

	if err := addTree(w, srcDir); err != nil {
		log.Fatalf("sqfs-mkfs: %s", err)
	}

	if err := w.Finish(); err != nil {
		log.Fatalf("sqfs-mkfs: %s", err)
	}
	for _, warn := range w.Warnings() {
		log.Printf("sqfs-mkfs: warning: %s", warn)
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

// osFileSource adapts an on-disk file to squashfs.FileSource.
type osFileSource struct {
	path string
	size int64
}

func (s *osFileSource) Size() int64 { return s.size }

func (s *osFileSource) Open() (squashfs.ReadAtCloser, error) {
	return os.Open(s.path)
}

// addTree walks srcDir and feeds every entry to w, in name-sorted order so
// hard-link targets (which must already exist in the tree) are always
// added before the links pointing at them.
func addTree(w *squashfs.Writer, srcDir string) error {
	linked := newLinkTracker()

	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := "/" + filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		attrs := attrsOf(info)

		if target, ok := linked.seen(info); ok {
			return w.AddHardLink(dst, target)
		}
		linked.record(info, dst)

		switch {
		case d.IsDir():
			return w.AddDirectory(dst, attrs)
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return w.AddSymlink(dst, attrs, target)
		case info.Mode().IsRegular():
			return w.AddFile(dst, attrs, &osFileSource{path: p, size: info.Size()})
		default:
			return addSpecial(w, dst, attrs, info)
		}
	})
}

func attrsOf(info fs.FileInfo) squashfs.Attrs {
	return squashfs.Attrs{
		Mode:  uint16(info.Mode().Perm()),
		Mtime: uint32(info.ModTime().Unix()),
	}
}
