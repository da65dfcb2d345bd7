// Command sqfs2tar reads a SquashFS image and writes its contents as a tar
// stream to stdout, the reverse of tar2sqfs.
package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"

	"github.com/mkfs-go/squashfs"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sqfs2tar <input.squashfs> > out.tar")
		os.Exit(1)
	}

	sb, err := squashfs.Open(os.Args[1])
	if err != nil {
		log.Fatalf("sqfs2tar: opening %s: %s", os.Args[1], err)
	}
	defer sb.Close()

	tw := tar.NewWriter(os.Stdout)
	if err := walk(sb, ".", tw); err != nil {
		log.Fatalf("sqfs2tar: %s", err)
	}
	if err := tw.Close(); err != nil {
		log.Fatalf("sqfs2tar: %s", err)
	}
}

func walk(sb fs.FS, dir string, tw *tar.Writer) error {
	entries, err := fs.ReadDir(sb, dir)
	if err != nil {
		return fmt.Errorf("reading directory %q: %w", dir, err)
	}
	for _, entry := range entries {
		p := entry.Name()
		if dir != "." {
			p = dir + "/" + entry.Name()
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", p, err)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("building tar header for %q: %w", p, err)
		}
		hdr.Name = p

		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := readSymlink(sb, p)
			if err != nil {
				return err
			}
			hdr.Linkname = target
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %q: %w", p, err)
		}

		if info.Mode().IsRegular() {
			f, err := sb.Open(p)
			if err != nil {
				return fmt.Errorf("opening %q: %w", p, err)
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("copying %q: %w", p, err)
			}
		}

		if info.IsDir() {
			if err := walk(sb, path.Clean(p), tw); err != nil {
				return err
			}
		}
	}
	return nil
}

// readSymlink reads a symlink's target. The reader's io/fs adapter exposes
// a symlink as a file whose content is its stored target path, so it is
// read the same way a regular file's content would be.
func readSymlink(sb fs.FS, p string) (string, error) {
	data, err := fs.ReadFile(sb, p)
	if err != nil {
		return "", fmt.Errorf("reading symlink target of %q: %w", p, err)
	}
	return string(data), nil
}
