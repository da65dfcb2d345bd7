package squashfs

import "testing"

func TestTreeAddGenericImplicitParents(t *testing.T) {
	tr := newTree()
	if _, err := tr.AddGeneric("/a/b/c.txt", FileType, Attrs{Mode: 0644}); err != nil {
		t.Fatalf("AddGeneric: %s", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c.txt"} {
		if _, ok := tr.byPath[p]; !ok {
			t.Errorf("expected implicit path %q to exist in the tree", p)
		}
	}
	if !tr.byPath["/a"].kind.IsDir() {
		t.Errorf("expected /a to be an implicit directory")
	}
}

func TestTreeAddGenericRejectsDuplicatePath(t *testing.T) {
	tr := newTree()
	if _, err := tr.AddGeneric("/f", FileType, Attrs{}); err != nil {
		t.Fatalf("AddGeneric: %s", err)
	}
	if _, err := tr.AddGeneric("/f", FileType, Attrs{}); err == nil {
		t.Errorf("expected an error adding a duplicate path")
	}
}

func TestTreeHardLinkResolution(t *testing.T) {
	tr := newTree()
	if _, err := tr.AddGeneric("/orig", FileType, Attrs{}); err != nil {
		t.Fatalf("AddGeneric: %s", err)
	}
	if _, err := tr.AddHardLink("/alias", "/orig"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}

	if _, err := tr.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %s", err)
	}

	orig := tr.byPath["/orig"]
	alias := tr.byPath["/alias"]
	if orig.group != alias.group {
		t.Fatalf("expected the alias to share its target's node group")
	}
	if orig.InodeNumber() != alias.InodeNumber() {
		t.Errorf("expected alias and target to report the same inode number")
	}
	if orig.group.NLink() != 2 {
		t.Errorf("expected NLink 2 for a two-member group, got %d", orig.group.NLink())
	}
}

func TestTreeHardLinkToDirectoryRejected(t *testing.T) {
	tr := newTree()
	if _, err := tr.AddGeneric("/dir", DirType, Attrs{}); err != nil {
		t.Fatalf("AddGeneric: %s", err)
	}
	if _, err := tr.AddHardLink("/alias", "/dir"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}
	if _, err := tr.PostProcess(); err == nil {
		t.Errorf("expected an error hard-linking to a directory")
	}
}

func TestTreeHardLinkCycleDetected(t *testing.T) {
	tr := newTree()
	if _, err := tr.AddHardLink("/a", "/b"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}
	if _, err := tr.AddHardLink("/b", "/a"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}
	if _, err := tr.PostProcess(); err == nil {
		t.Errorf("expected a cycle error for mutually-referential hard links")
	}
}

func TestTreePostProcessNumbersAreDenseAndUnique(t *testing.T) {
	tr := newTree()
	for _, p := range []string{"/a", "/b", "/c/d", "/c/e"} {
		if _, err := tr.AddGeneric(p, FileType, Attrs{}); err != nil {
			t.Fatalf("AddGeneric(%q): %s", p, err)
		}
	}
	count, err := tr.PostProcess()
	if err != nil {
		t.Fatalf("PostProcess: %s", err)
	}

	seen := make(map[uint32]bool)
	err = tr.PostOrder(func(n *treeNode) error {
		if n.group.number == 0 {
			t.Errorf("node %q left with an unassigned inode number", n.full)
		}
		seen[n.group.number] = true
		return nil
	})
	if err != nil {
		t.Fatalf("PostOrder: %s", err)
	}
	if uint32(len(seen)) != count {
		t.Errorf("expected %d distinct inode numbers, got %d", count, len(seen))
	}
}

func TestTreePostOrderVisitsChildrenBeforeParent(t *testing.T) {
	tr := newTree()
	if _, err := tr.AddGeneric("/dir/child", FileType, Attrs{}); err != nil {
		t.Fatalf("AddGeneric: %s", err)
	}
	if _, err := tr.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %s", err)
	}

	var order []string
	err := tr.PostOrder(func(n *treeNode) error {
		order = append(order, n.full)
		return nil
	})
	if err != nil {
		t.Fatalf("PostOrder: %s", err)
	}

	childIdx, dirIdx := -1, -1
	for i, p := range order {
		switch p {
		case "/dir/child":
			childIdx = i
		case "/dir":
			dirIdx = i
		}
	}
	if childIdx == -1 || dirIdx == -1 {
		t.Fatalf("expected both /dir and /dir/child to appear in the walk, got %v", order)
	}
	if childIdx > dirIdx {
		t.Errorf("expected child to be visited before its parent directory")
	}
}

func TestTreeHardLinkHoistsToFirstPostOrderOccurrence(t *testing.T) {
	tr := newTree()
	// /a/orig appears before /b/alias in name-sorted post-order traversal
	// (the top-level dirs sort a < b, and within PostOrder children are
	// visited before parents, and siblings left-to-right in sorted order)
	if _, err := tr.AddGeneric("/a/orig", FileType, Attrs{}); err != nil {
		t.Fatalf("AddGeneric: %s", err)
	}
	if _, err := tr.AddHardLink("/b/alias", "/a/orig"); err != nil {
		t.Fatalf("AddHardLink: %s", err)
	}
	if _, err := tr.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %s", err)
	}

	var firstOccurrence *treeNode
	err := tr.PostOrder(func(n *treeNode) error {
		if n.group == tr.byPath["/a/orig"].group && firstOccurrence == nil {
			firstOccurrence = n
		}
		return nil
	})
	if err != nil {
		t.Fatalf("PostOrder: %s", err)
	}
	if firstOccurrence == nil {
		t.Fatalf("expected to find the shared group during PostOrder")
	}
	// whichever occurrence PostOrder reaches first is the one the writer
	// will mark written and serialize the body for; there is no
	// "correct" answer beyond it being a single, consistent occurrence
	if firstOccurrence != tr.byPath["/a/orig"] && firstOccurrence != tr.byPath["/b/alias"] {
		t.Errorf("expected the first occurrence to be one of the group's two members")
	}
}
