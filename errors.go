package squashfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrAlloc is the kind for allocation-failure: buffer or table growth
	// exceeded practical limits.
	ErrAlloc = errors.New("allocation failure")

	// ErrIO is the kind for I/O failures talking to the output file or a
	// source file being packed.
	ErrIO = errors.New("i/o error")

	// ErrCodecInternal is the kind for a compressor/decompressor returning
	// an unexpected internal error (not the normal "didn't shrink" case).
	ErrCodecInternal = errors.New("codec internal error")

	// ErrFormatCorrupted is returned only on the read-back path (dedup
	// verification, or the reader API) when on-disk data cannot be parsed.
	ErrFormatCorrupted = errors.New("squashfs data corrupted")

	// ErrOutOfBounds is the kind for indices/offsets outside their valid range.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrOverflow is the kind for size or count arithmetic that would wrap
	// or exceed a wire-format field's width.
	ErrOverflow = errors.New("overflow")

	// ErrUnsupported is the kind for unknown codec ids or flag combinations.
	ErrUnsupported = errors.New("unsupported")

	// ErrSequence is the kind for API misuse, e.g. append without begin_file.
	ErrSequence = errors.New("sequence error")

	// ErrLinkLoop is the kind for a hard-link chain that resolves back to itself.
	ErrLinkLoop = errors.New("hard link loop detected")

	// ErrNotFound is the kind for a hard-link target path that doesn't exist
	// anywhere in the tree.
	ErrNotFound = errors.New("not found")
)
