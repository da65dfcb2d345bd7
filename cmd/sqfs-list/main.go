// Command sqfs-list inspects an existing SquashFS image: listing
// directories, dumping a file's contents, or printing superblock/content
// summary information.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/mkfs-go/squashfs"
)

const usage = `sqfs-list - SquashFS inspection CLI

Usage:
  sqfs-list ls <squashfs_file> [<path>]        List files (optionally under <path>)
  sqfs-list cat <squashfs_file> <file>         Write a file's contents to stdout
  sqfs-list info <squashfs_file>               Print superblock and content summary
  sqfs-list help                               Show this help message
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "ls":
		if len(os.Args) < 3 {
			err = fmt.Errorf("missing squashfs file path")
			break
		}
		path := "."
		if len(os.Args) > 3 {
			path = os.Args[3]
		}
		err = listFiles(os.Args[2], path)
	case "cat":
		if len(os.Args) < 4 {
			err = fmt.Errorf("missing squashfs file path or target file")
			break
		}
		err = catFile(os.Args[2], os.Args[3])
	case "info":
		if len(os.Args) < 3 {
			err = fmt.Errorf("missing squashfs file path")
			break
		}
		err = showInfo(os.Args[2])
	case "help":
		fmt.Println(usage)
		return
	default:
		fmt.Printf("unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfs-list: %s\n", err)
		os.Exit(1)
	}
}

func printFileInfo(path string, info fs.FileInfo) {
	typeChar := "-"
	switch {
	case info.IsDir():
		typeChar = "d"
	case info.Mode()&fs.ModeSymlink != 0:
		typeChar = "l"
	}

	size := fmt.Sprintf("%8d", info.Size())
	if info.IsDir() {
		size = "       -"
	}

	fmt.Printf("%s%s %s %s %s\n", typeChar, info.Mode().String()[1:], size, info.ModTime().Format("Jan 02 15:04"), path)
}

func listFiles(sqfsPath, dirPath string) error {
	sb, err := squashfs.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", sqfsPath, err)
	}
	defer sb.Close()

	if dirPath != "." {
		info, err := fs.Stat(sb, dirPath)
		if err != nil {
			return fmt.Errorf("path %q not found: %w", dirPath, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%q is not a directory", dirPath)
		}
	}

	entries, err := fs.ReadDir(sb, dirPath)
	if err != nil {
		return fmt.Errorf("reading directory %q: %w", dirPath, err)
	}

	for _, entry := range entries {
		displayPath := entry.Name()
		if dirPath != "." {
			displayPath = dirPath + "/" + entry.Name()
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "sqfs-list: %s: %s\n", displayPath, err)
			continue
		}
		printFileInfo(displayPath, info)
	}
	return nil
}

func catFile(sqfsPath, filePath string) error {
	sb, err := squashfs.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", sqfsPath, err)
	}
	defer sb.Close()

	data, err := fs.ReadFile(sb, filePath)
	if err != nil {
		return fmt.Errorf("reading %q: %w", filePath, err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func showInfo(sqfsPath string) error {
	sb, err := squashfs.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", sqfsPath, err)
	}
	defer sb.Close()

	fmt.Println("SquashFS Archive Information")
	fmt.Println("============================")
	fmt.Printf("Version:          %d.%d\n", sb.VMajor, sb.VMinor)
	fmt.Printf("Creation time:    %s\n", time.Unix(int64(sb.ModTime), 0).Format(time.RFC1123))
	fmt.Printf("Block size:       %d bytes\n", sb.BlockSize)
	fmt.Printf("Compression:      %s\n", sb.CompId)
	fmt.Printf("Flags:            %s\n", sb.Flags)
	fmt.Printf("Total size:       %d bytes\n", sb.BytesUsed)
	fmt.Printf("Inode count:      %d\n", sb.InodeCnt)
	fmt.Printf("Fragment count:   %d\n", sb.FragCount)
	fmt.Printf("ID count:         %d\n", sb.IdCount)

	var fileCount, dirCount, symCount int
	countEntries(sb, ".", &fileCount, &dirCount, &symCount)

	fmt.Println("\nContent Summary")
	fmt.Println("---------------")
	fmt.Printf("Directories:      %d\n", dirCount)
	fmt.Printf("Regular files:    %d\n", fileCount)
	fmt.Printf("Symlinks:         %d\n", symCount)
	return nil
}

func countEntries(fsys fs.FS, dir string, fileCount, dirCount, symCount *int) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			*dirCount++
			sub := entry.Name()
			if dir != "." {
				sub = dir + "/" + entry.Name()
			}
			countEntries(fsys, sub, fileCount, dirCount, symCount)
		case info.Mode()&fs.ModeSymlink != 0:
			*symCount++
		default:
			*fileCount++
		}
	}
}
