package squashfs

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// FileSource supplies a regular file's content to the block processor. It
// is intentionally minimal: the writer facade only ever needs to open a
// fresh reader once, when it is ready to stream the file's blocks.
type FileSource interface {
	Open() (ReadAtCloser, error)
	Size() int64
}

// ReadAtCloser is what FileSource.Open must return; io.ReaderAt lets the
// block processor hand out-of-order block ranges to worker goroutines.
type ReadAtCloser interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// Attrs carries the ownership/permission/time metadata common to every
// node, independent of its type (spec §4.1/§4.7).
type Attrs struct {
	Mode  uint16 // permission bits only (no type bits)
	UID   uint32
	GID   uint32
	Mtime uint32
}

// nodeGroup is the unit hard links share: exactly one content-bearing
// treeNode plus zero or more alias occurrences, all resolving to a single
// inode number and a single serialized inode body (spec §4.7 "hard link
// resolution").
type nodeGroup struct {
	content *treeNode
	members []*treeNode // every tree position (primary + aliases) sharing this content
	number  uint32       // 0 until assigned during PostProcess
	written bool         // true once its inode body has been serialized
	ref     inodeRef
}

// NLink is the hard-link count this group's inode body should report.
func (g *nodeGroup) NLink() uint32 { return uint32(len(g.members)) }

// treeNode is one occurrence of a name in the directory hierarchy. Most
// nodes are both a position and their own content; hard-link aliases are a
// position only, sharing another node's group.
type treeNode struct {
	name   string
	parent *treeNode
	full   string

	kind  Type
	attrs Attrs

	children []*treeNode // non-nil only for directories

	// content, valid when this node is primary (group.content == this)
	size       int64
	source     FileSource
	linkTarget string // symlink target
	devMajor   uint32
	devMinor   uint32
	xattrs     []XattrPair

	isAlias bool
	aliasOf string // target path, resolved lazily in PostProcess
	group   *nodeGroup

	// filled in by Writer.streamFile once this node's content has been
	// streamed through the compression pipeline.
	blockSizesCache []uint32
	fileStartBlock  uint64
	fragBlockCache  uint32
	fragOffsetCache uint32
	sparseBytes     uint64
}

// tree is the whole filesystem hierarchy being assembled before a build.
type tree struct {
	root   *treeNode
	byPath map[string]*treeNode
}

func newTree() *tree {
	root := &treeNode{name: "", full: "/", kind: DirType, attrs: Attrs{Mode: 0755}}
	root.group = &nodeGroup{content: root}
	t := &tree{root: root, byPath: map[string]*treeNode{"/": root}}
	return t
}

func cleanPath(p string) string {
	p = path.Clean("/" + p)
	return p
}

// ensureDir walks/creates implicit parent directories for p (spec §4.7
// "add_generic... implicit parent directories"), returning the final
// directory node p itself should live in.
func (t *tree) ensureDir(dir string) (*treeNode, error) {
	if dir == "/" {
		return t.root, nil
	}
	if existing, ok := t.byPath[dir]; ok {
		if !existing.kind.IsDir() {
			return nil, fmt.Errorf("%w: %q exists and is not a directory", ErrNotDirectory, dir)
		}
		return existing, nil
	}
	parentDir, name := path.Split(strings.TrimSuffix(dir, "/"))
	parent, err := t.ensureDir(cleanPath(parentDir))
	if err != nil {
		return nil, err
	}
	node := &treeNode{
		name:   name,
		parent: parent,
		full:   dir,
		kind:   DirType,
		attrs:  Attrs{Mode: 0755},
	}
	node.group = &nodeGroup{content: node}
	parent.children = append(parent.children, node)
	t.byPath[dir] = node
	return node, nil
}

// AddGeneric inserts a new content-bearing node (file, symlink, device,
// fifo, socket, or explicit directory) at p, creating implicit parent
// directories as needed.
func (t *tree) AddGeneric(p string, kind Type, attrs Attrs) (*treeNode, error) {
	p = cleanPath(p)
	if _, exists := t.byPath[p]; exists {
		return nil, fmt.Errorf("%w: duplicate path %q", ErrInvalidFile, p)
	}
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	parent, err := t.ensureDir(cleanPath(dir))
	if err != nil {
		return nil, err
	}
	node := &treeNode{
		name:   name,
		parent: parent,
		full:   p,
		kind:   kind,
		attrs:  attrs,
	}
	node.group = &nodeGroup{content: node}
	node.group.members = []*treeNode{node}
	parent.children = append(parent.children, node)
	t.byPath[p] = node
	return node, nil
}

// AddHardLink inserts an alias at p referencing the content already
// present at targetPath. Resolution (and loop detection) is deferred to
// PostProcess so link order doesn't matter among aliases added before
// their final target is fully wired.
func (t *tree) AddHardLink(p, targetPath string) (*treeNode, error) {
	p = cleanPath(p)
	targetPath = cleanPath(targetPath)
	if _, exists := t.byPath[p]; exists {
		return nil, fmt.Errorf("%w: duplicate path %q", ErrInvalidFile, p)
	}
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	parent, err := t.ensureDir(cleanPath(dir))
	if err != nil {
		return nil, err
	}
	node := &treeNode{
		name:    name,
		parent:  parent,
		full:    p,
		isAlias: true,
		aliasOf: targetPath,
	}
	parent.children = append(parent.children, node)
	t.byPath[p] = node
	return node, nil
}

// SetXattrs attaches extended attributes to the node already present at p.
func (t *tree) SetXattrs(p string, pairs []XattrPair) error {
	p = cleanPath(p)
	node, ok := t.byPath[p]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, p)
	}
	target := node
	if node.isAlias {
		return fmt.Errorf("%w: cannot attach xattrs to hard-link alias %q directly", ErrInvalidFile, p)
	}
	target.xattrs = pairs
	return nil
}

// resolveAlias follows a.aliasOf to its content-bearing node, detecting
// self-referential or mutually-referential loops.
func (t *tree) resolveAlias(a *treeNode) (*treeNode, error) {
	visited := map[string]bool{a.full: true}
	cur := a
	for {
		target, ok := t.byPath[cur.aliasOf]
		if !ok {
			return nil, fmt.Errorf("%w: hard link %q targets nonexistent path %q", ErrNotFound, cur.full, cur.aliasOf)
		}
		if !target.isAlias {
			if target.kind.IsDir() {
				return nil, fmt.Errorf("%w: hard link %q targets a directory %q", ErrInvalidFile, a.full, target.full)
			}
			return target, nil
		}
		if visited[target.full] {
			return nil, fmt.Errorf("%w: hard link cycle involving %q", ErrLinkLoop, target.full)
		}
		visited[target.full] = true
		cur = target
	}
}

// PostProcess sorts every directory's children by name, resolves hard
// links to their content group, assigns dense post-order inode numbers
// (children before parents), and hoists each hard-link group's number to
// whichever occurrence the DFS visits first (spec §4.7/§8).
func (t *tree) PostProcess() (inodeCount uint32, err error) {
	for _, n := range t.byPath {
		if n.isAlias && n.group == nil {
			target, err := t.resolveAlias(n)
			if err != nil {
				return 0, err
			}
			n.group = target.group
			n.group.members = append(n.group.members, n)
		}
	}

	t.sortChildren(t.root)

	var next uint32 = 1
	var walk func(n *treeNode) error
	walk = func(n *treeNode) error {
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		if n.group.number == 0 {
			n.group.number = next
			next++
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return 0, err
	}

	return next - 1, nil
}

func (t *tree) sortChildren(n *treeNode) {
	sort.Slice(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
	for _, c := range n.children {
		if c.kind.IsDir() && !c.isAlias {
			t.sortChildren(c)
		}
	}
}

// PostOrder walks every tree position (files, symlinks, devices, fifos,
// sockets, directories, and hard-link aliases alike) children-before-
// parent, in the exact same order PostProcess used to number inodes. The
// writer facade relies on this to serialize inode bodies in an order
// where a directory's children (and, transitively, whichever occurrence
// first claims a hard-linked group) are always already handled by the
// time the directory itself is visited.
func (t *tree) PostOrder(visit func(*treeNode) error) error {
	var walk func(n *treeNode) error
	walk = func(n *treeNode) error {
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return visit(n)
	}
	return walk(t.root)
}

// InodeNumber returns the dense [1,N] inode number this node's content
// group was assigned during PostProcess.
func (n *treeNode) InodeNumber() uint32 {
	if n.group == nil {
		return 0
	}
	return n.group.number
}

// IsPrimary reports whether this occurrence owns the group's content body
// (false for every hard-link alias, and for the first-visited occurrence
// among a group that is itself an alias pointing elsewhere).
func (n *treeNode) IsPrimary() bool {
	return n.group != nil && n.group.content == n
}
