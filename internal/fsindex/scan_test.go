package fsindex

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("stub"), 0644); err != nil {
		t.Fatal(err)
	}
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}

func TestScanShallowScenario(t *testing.T) {
	// root has a.svs, b.svs and subdir/c.svs: subdir reports 1 direct
	// slide, root's own count is 2 (direct files only, never descendants).
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.svs"))
	touch(t, filepath.Join(root, "b.svs"))
	touch(t, filepath.Join(root, "subdir", "c.svs"))

	ix := New([]string{".svs"}, nil)
	children, total, err := ix.ScanShallow(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("root direct slide count = %d, want 2", total)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	sub := children[0]
	if sub.Name != "subdir" || !sub.IsDir {
		t.Errorf("unexpected child %+v", sub)
	}
	if sub.SlideCount == nil || *sub.SlideCount != 1 {
		t.Errorf("subdir slide count = %v, want 1", sub.SlideCount)
	}
	if sub.HasChildren == nil || *sub.HasChildren {
		t.Errorf("subdir has_children = %v, want false", sub.HasChildren)
	}
	if sub.ID != ID(sub.Path) {
		t.Error("child id must be the stable id of its path")
	}
}

func TestScanShallowDeterministic(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "z.svs"))
	mkdir(t, filepath.Join(root, "beta"))
	mkdir(t, filepath.Join(root, "Alpha"))
	touch(t, filepath.Join(root, "gamma", "g.svs"))

	ix := New([]string{".svs"}, nil)
	first, total1, err := ix.ScanShallow(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	second, total2, err := ix.ScanShallow(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if total1 != total2 {
		t.Errorf("totals differ across runs: %d vs %d", total1, total2)
	}
	if !reflect.DeepEqual(names(first), names(second)) {
		t.Errorf("child order differs across runs: %v vs %v", names(first), names(second))
	}
}

func TestScanShallowOrdering(t *testing.T) {
	// Directories holding slides sort before empty ones, ties broken
	// case-insensitively by name.
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "zebra"))
	mkdir(t, filepath.Join(root, "Apple"))
	touch(t, filepath.Join(root, "late", "x.svs"))
	touch(t, filepath.Join(root, "Early", "y.svs"))

	ix := New([]string{".svs"}, nil)
	children, _, err := ix.ScanShallow(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Early", "late", "Apple", "zebra"}
	if !reflect.DeepEqual(names(children), want) {
		t.Errorf("order = %v, want %v", names(children), want)
	}
}

func TestScanShallowExclusions(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "keep.svs"))
	touch(t, filepath.Join(root, "Thumbs.db"))
	mkdir(t, filepath.Join(root, "thumbnails"))
	mkdir(t, filepath.Join(root, "cases"))

	ix := New([]string{".svs", ".db"}, []string{"*thumbs*"})
	children, total, err := ix.ScanShallow(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1 (Thumbs.db excluded)", total)
	}
	if len(children) != 1 || children[0].Name != "cases" {
		t.Errorf("children = %v, want [cases]", names(children))
	}
}

func TestScanShallowMissingDirDegrades(t *testing.T) {
	ix := New([]string{".svs"}, nil)
	children, total, err := ix.ScanShallow(context.Background(), "/does/not/exist")
	if err != nil {
		t.Fatalf("missing dir must degrade, got error %v", err)
	}
	if len(children) != 0 || total != 0 {
		t.Errorf("expected empty result, got %d children, %d slides", len(children), total)
	}
}

func TestProbeChildrenOptimistic(t *testing.T) {
	// A directory with more than the probe budget of files and no early
	// subdirectory answers optimistically true.
	root := t.TempDir()
	big := filepath.Join(root, "big")
	for i := 0; i < 30; i++ {
		touch(t, filepath.Join(big, "f"+string(rune('a'+i))+".txt"))
	}

	ix := New([]string{".svs"}, nil)
	got := ix.probeChildren(big)
	if got == nil || !*got {
		t.Errorf("probe on oversized dir = %v, want optimistic true", got)
	}

	// A small directory with only files is a definitive false.
	small := filepath.Join(root, "small")
	touch(t, filepath.Join(small, "only.txt"))
	got = ix.probeChildren(small)
	if got == nil || *got {
		t.Errorf("probe on small flat dir = %v, want false", got)
	}

	// Unreadable directories are unknown.
	if got := ix.probeChildren(filepath.Join(root, "nope")); got != nil {
		t.Errorf("probe on missing dir = %v, want unknown", got)
	}
}

func TestExpand(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "inner", "s.svs"))

	ix := New([]string{".svs"}, nil)
	children, err := ix.Expand(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].Name != "inner" {
		t.Fatalf("expand children = %v", names(children))
	}

	if _, err := ix.Expand(context.Background(), filepath.Join(root, "missing")); err != ErrNotFound {
		t.Errorf("expand on missing dir = %v, want ErrNotFound", err)
	}
}

func TestBuildTreePrunesEmptySubtrees(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "cases", "deep", "slide.svs"))
	mkdir(t, filepath.Join(root, "empty", "nested"))

	ix := New([]string{".svs"}, nil)
	tree := ix.BuildTree(context.Background(), root)

	if tree.SlideCount == nil || *tree.SlideCount != 1 {
		t.Errorf("aggregate count = %v, want 1", tree.SlideCount)
	}
	if len(tree.Children) != 1 || tree.Children[0].Name != "cases" {
		t.Errorf("children = %v, want only [cases]; empty subtrees must be pruned", names(tree.Children))
	}
	deep := tree.Children[0]
	if deep.SlideCount == nil || *deep.SlideCount != 1 {
		t.Errorf("cases aggregate = %v, want 1", deep.SlideCount)
	}
}

func TestBuildTreeDepthCeiling(t *testing.T) {
	// A chain deeper than the ceiling must terminate and bound the result.
	root := t.TempDir()
	path := root
	for i := 0; i < maxTreeDepth+5; i++ {
		path = filepath.Join(path, "d")
	}
	touch(t, filepath.Join(path, "unreachable.svs"))

	ix := New([]string{".svs"}, nil)
	done := make(chan *Node, 1)
	go func() { done <- ix.BuildTree(context.Background(), root) }()
	tree := <-done

	// The slide sits below the ceiling, so the whole chain prunes away.
	if len(tree.Children) != 0 {
		t.Errorf("expected pruned tree, got children %v", names(tree.Children))
	}
}

func TestBuildTreeSymlinkCycleTerminates(t *testing.T) {
	root := t.TempDir()
	inner := filepath.Join(root, "inner")
	mkdir(t, inner)
	touch(t, filepath.Join(inner, "a.svs"))
	if err := os.Symlink(root, filepath.Join(inner, "loop")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	ix := New([]string{".svs"}, nil)
	tree := ix.BuildTree(context.Background(), root)
	if tree == nil {
		t.Fatal("nil tree")
	}
	if tree.SlideCount == nil || *tree.SlideCount < 1 {
		t.Errorf("aggregate count = %v, want >= 1", tree.SlideCount)
	}
}

func TestListSlides(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "B.svs"))
	touch(t, filepath.Join(root, "a.svs"))
	touch(t, filepath.Join(root, "notes.txt"))
	mkdir(t, filepath.Join(root, "sub"))

	ix := New([]string{".svs"}, nil)
	records, err := ix.ListSlides(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Name != "a.svs" || records[1].Name != "B.svs" {
		t.Errorf("order = [%s %s], want case-insensitive name order", records[0].Name, records[1].Name)
	}
	if records[0].Size == 0 || records[0].MTime == 0 {
		t.Error("records must carry size and mtime")
	}
	if records[0].ID != ID(records[0].Path) {
		t.Error("record id must be the stable id of its path")
	}

	if _, err := ix.ListSlides(context.Background(), filepath.Join(root, "gone")); err != ErrNotFound {
		t.Errorf("missing dir = %v, want ErrNotFound", err)
	}
}

func TestObserverSeesMatchingFiles(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.svs"))
	touch(t, filepath.Join(root, "sub", "b.svs"))

	seen := map[string]string{}
	ix := New([]string{".svs"}, nil)
	ix.SetObserver(func(id, path string) { seen[id] = path })

	if _, _, err := ix.ScanShallow(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	// Both the direct file and the subdir's counted file are observed.
	if len(seen) != 2 {
		t.Errorf("observer saw %d files, want 2: %v", len(seen), seen)
	}
	for id, path := range seen {
		if ID(path) != id {
			t.Errorf("observer id mismatch for %s", path)
		}
	}
}

func TestScanShallowCancelled(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.svs"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix := New([]string{".svs"}, nil)
	if _, _, err := ix.ScanShallow(ctx, root); err != context.Canceled {
		t.Errorf("cancelled scan = %v, want context.Canceled", err)
	}
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
