package union

import (
	"context"
	"os"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/gomega"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
)

func TestScenarioCopyUpThenUnlink(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	// index 0 is the writable branch B, index 1 the read-only branch A
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
	b, a := fss[0], fss[1]
	put(t, a, "x", "hello")

	f, err := m.Open(ctx, "/x", os.O_RDWR, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(exists(b, "x")).To(BeTrue())
	g.Expect(branchContent(t, b, "x")).To(Equal("hello"))
	e, err := m.Lookup(ctx, "/x")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(e.Bstart).To(Equal(0))
	g.Expect(f.Close()).To(Succeed())

	g.Expect(m.Unlink(ctx, "/x")).To(Succeed())
	g.Expect(exists(b, "x")).To(BeFalse())
	g.Expect(exists(b, whiteout.Name("x"))).To(BeTrue())
	g.Expect(exists(a, "x")).To(BeTrue())

	_, err = m.Stat(ctx, "/x")
	g.Expect(err).To(MatchError(common.ErrNotFound))
}

func TestScenarioMergePrecedence(t *testing.T) {
	g := NewWithT(t)
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly, branch.ReadOnly)
	put(t, fss[1], "d/shared", "middle")
	put(t, fss[2], "d/shared", "bottom")
	put(t, fss[2], "d/low", "low")
	put(t, fss[0], "d/top", "top")

	g.Expect(readFile(m, "/d/shared")).To(Equal("middle"))
	g.Expect(readFile(m, "/d/low")).To(Equal("low"))
	g.Expect(readFile(m, "/d/top")).To(Equal("top"))

	got, err := names(m, "/d")
	g.Expect(err).NotTo(HaveOccurred())
	sort.Strings(got)
	if diff := cmp.Diff([]string{"low", "shared", "top"}, got); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioWhiteoutShadowing(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly, branch.ReadOnly)
	put(t, fss[1], "n", "one")
	put(t, fss[2], "n", "two")

	g.Expect(m.Unlink(ctx, "/n")).To(Succeed())
	_, err := m.Stat(ctx, "/n")
	g.Expect(err).To(MatchError(common.ErrNotFound))
	g.Expect(names(m, "/")).NotTo(ContainElement("n"))

	// a whiteout in a read-only branch is honored only with ro+wh
	m2, fss2 := testMount(t, Options{}, branch.ReadOnlyWhiteout, branch.ReadOnly)
	put(t, fss2[1], "n", "below")
	_, err = fss2[0].Create(whiteout.Name("n"), 0)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = m2.Stat(ctx, "/n")
	g.Expect(err).To(MatchError(common.ErrNotFound))

	m3, fss3 := testMount(t, Options{}, branch.ReadOnly, branch.ReadOnly)
	put(t, fss3[1], "n", "below")
	_, err = fss3[0].Create(whiteout.Name("n"), 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(readFile(m3, "/n")).To(Equal("below"))
}

func TestScenarioCopyUpRoundTrip(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
	put(t, fss[1], "dir/sub/file", "original content")

	w, err := m.Open(ctx, "/dir/sub/file", os.O_RDWR, 0)
	g.Expect(err).NotTo(HaveOccurred())
	// before the write the copy already shows the old content
	g.Expect(readFile(m, "/dir/sub/file")).To(Equal("original content"))
	g.Expect(branchContent(t, fss[0], "dir/sub/file")).To(Equal("original content"))

	_, err = w.WriteAt([]byte("ORIGINAL"), 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(w.Close()).To(Succeed())

	g.Expect(readFile(m, "/dir/sub/file")).To(Equal("ORIGINAL content"))
	g.Expect(branchContent(t, fss[1], "dir/sub/file")).To(Equal("original content"))
	g.Expect(exists(fss[0], "dir/sub")).To(BeTrue())
}

func TestScenarioCopyUpRollback(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{CopyBuffer: 4}, branch.ReadWrite, branch.ReadOnly)
	put(t, fss[1], "big", "0123456789abcdef")
	fss[0].InjectFault(lowerfs.Fault{Op: "write", Path: "big", Err: common.ErrIO, After: 8})

	_, err := m.Open(ctx, "/big", os.O_RDWR, 0)
	g.Expect(err).To(MatchError(common.ErrIO))
	g.Expect(exists(fss[0], "big")).To(BeFalse())
	g.Expect(branchContent(t, fss[1], "big")).To(Equal("0123456789abcdef"))

	e, err := m.Lookup(ctx, "/big")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(e.Bstart).To(Equal(1))

	fss[0].ClearFaults()
	f, err := m.Open(ctx, "/big", os.O_RDWR, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Close()).To(Succeed())
	g.Expect(branchContent(t, fss[0], "big")).To(Equal("0123456789abcdef"))
}

func TestScenarioRenameAcrossBranches(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
	put(t, fss[1], "src/file", "payload")

	before, err := m.Stat(ctx, "/src/file")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(m.Rename(ctx, "/src/file", "/moved")).To(Succeed())

	after, err := m.Stat(ctx, "/moved")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(after.Ino).To(Equal(before.Ino))
	g.Expect(after.Mode).To(Equal(before.Mode))
	g.Expect(after.Size).To(Equal(before.Size))
	g.Expect(after.Mtime).To(BeTemporally("~", before.Mtime))
	g.Expect(readFile(m, "/moved")).To(Equal("payload"))

	_, err = m.Stat(ctx, "/src/file")
	g.Expect(err).To(MatchError(common.ErrNotFound))
	g.Expect(exists(fss[0], "src/"+whiteout.Name("file"))).To(BeTrue())
	g.Expect(branchContent(t, fss[1], "src/file")).To(Equal("payload"))
}

func TestScenarioRmdirEmptiness(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
	put(t, fss[1], "d/c", "child")

	g.Expect(m.Rmdir(ctx, "/d")).To(MatchError(common.ErrNotEmpty))
	g.Expect(m.Unlink(ctx, "/d/c")).To(Succeed())

	// a new lower child makes the directory non-empty again
	put(t, fss[1], "d/e", "late")
	g.Expect(m.Rmdir(ctx, "/d")).To(MatchError(common.ErrNotEmpty))

	g.Expect(m.Unlink(ctx, "/d/e")).To(Succeed())
	g.Expect(m.Rmdir(ctx, "/d")).To(Succeed())
	_, err := m.Stat(ctx, "/d")
	g.Expect(err).To(MatchError(common.ErrNotFound))
	g.Expect(exists(fss[0], whiteout.Name("d"))).To(BeTrue())
	g.Expect(exists(fss[1], "d/c")).To(BeTrue())

	// a directory recreated over the whiteout does not merge the old one
	_, err = m.Mkdir(ctx, "/d", 0755)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(names(m, "/d")).To(BeEmpty())
	g.Expect(exists(fss[0], "d/"+whiteout.OpaqueName)).To(BeTrue())
}

func TestScenarioXinoStability(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	dir := t.TempDir()
	lower := lowerfs.NewMemFS(t.Name() + "-lower")
	upper := lowerfs.NewMemFS(t.Name() + "-upper")
	put(t, lower, "a/b", "data")
	specs := []BranchSpec{
		{Path: "mem:upper", Perm: branch.ReadWrite, FS: upper},
		{Path: "mem:lower", Perm: branch.ReadOnly, FS: lower},
	}

	m, err := New(ctx, specs, Options{Xino: dir})
	g.Expect(err).NotTo(HaveOccurred())
	first, err := m.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())
	again, err := m.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(again.Ino).To(Equal(first.Ino))

	g.Expect(m.AddBranch(ctx, -1, BranchSpec{Path: "mem:extra", Perm: branch.ReadOnly, FS: lowerfs.NewMemFS(t.Name() + "-extra")})).To(Succeed())
	after, err := m.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(after.Ino).To(Equal(first.Ino))
	g.Expect(m.Close()).To(Succeed())

	// the numbers survive a remount on the same xino directory
	m2, err := New(ctx, specs, Options{Xino: dir})
	g.Expect(err).NotTo(HaveOccurred())
	defer m2.Close()
	remounted, err := m2.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(remounted.Ino).To(Equal(first.Ino))
	fresh, err := m2.Create(ctx, "/new", 0644)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(fresh.Ino).To(BeNumerically(">", first.Ino))
}

func TestScenarioGenerationRefreshesOnce(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
	put(t, fss[1], "a/b", "data")
	_, err := m.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())

	gen := m.Generation()
	g.Expect(m.AddBranch(ctx, -1, BranchSpec{Path: "mem:extra", Perm: branch.ReadOnly, FS: lowerfs.NewMemFS(t.Name() + "-extra")})).To(Succeed())
	g.Expect(m.Generation()).To(BeNumerically(">", gen))

	base := m.refreshes.Load()
	_, err = m.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())
	// one refresh for "a" and one for "b"
	g.Expect(m.refreshes.Load() - base).To(Equal(uint64(2)))

	_, err = m.Stat(ctx, "/a/b")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(m.refreshes.Load() - base).To(Equal(uint64(2)))

	// a refused change leaves the generation alone
	gen = m.Generation()
	g.Expect(m.DeleteBranch(ctx, 7)).To(MatchError(common.ErrInvalidArgument))
	g.Expect(m.Generation()).To(Equal(gen))
}

func TestScenarioPseudoLinks(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m, fss := testMount(t, Options{Plink: true}, branch.ReadWrite, branch.ReadOnly)
	put(t, fss[1], "f", "shared")
	_, err := fss[1].Link("f", "g")
	g.Expect(err).NotTo(HaveOccurred())

	fa, err := m.Stat(ctx, "/f")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(writeFile(m, "/f", "changed")).To(Succeed())
	g.Expect(m.PlinkList()).To(HaveLen(1))

	// the other name reaches the copy through the pseudo-link
	ga, err := m.Stat(ctx, "/g")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ga.Ino).To(Equal(fa.Ino))
	g.Expect(readFile(m, "/g")).To(Equal("changed"))
	e, err := m.Lookup(ctx, "/g")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(e.Plink).To(BeTrue())

	// a live record survives pruning; a pruned one leaves the list
	n, err := m.PlinkPrune(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(len(m.PlinkList()) + n).To(Equal(1))

	g.Expect(m.Close()).To(Succeed())
	ents, err := fss[0].ReadDir(whiteout.PlinkDir)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ents).To(BeEmpty())
	g.Expect(branchContent(t, fss[0], "f")).To(Equal("changed"))
}

func TestScenarioNamespaceEdges(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(g *WithT, t *testing.T)
	}{
		{
			name: "rename over a destination on a higher branch",
			run: func(g *WithT, t *testing.T) {
				m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadWrite)
				put(t, fss[0], "d1/g", "old-destination")
				mkdirs(t, fss[1], "d1")
				put(t, fss[1], "d2/f", "moved")

				g.Expect(m.Rename(ctx, "/d2/f", "/d1/g")).To(Succeed())
				g.Expect(readFile(m, "/d1/g")).To(Equal("moved"))
				_, err := m.Stat(ctx, "/d2/f")
				g.Expect(err).To(MatchError(common.ErrNotFound))
				g.Expect(branchContent(t, fss[0], "d1/g")).To(Equal("moved"))
			},
		},
		{
			name: "listing picks up an added branch",
			run: func(g *WithT, t *testing.T) {
				m, fss := testMount(t, Options{}, branch.ReadWrite)
				put(t, fss[0], "d/a", "x")
				g.Expect(names(m, "/d")).To(Equal([]string{"a"}))

				extra := lowerfs.NewMemFS(t.Name() + "-extra")
				put(t, extra, "d/b", "y")
				g.Expect(m.AddBranch(ctx, -1, BranchSpec{Path: "mem:extra", Perm: branch.ReadOnly, FS: extra})).To(Succeed())

				_, err := m.Stat(ctx, "/d/b")
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(names(m, "/d")).To(ConsistOf("a", "b"))
			},
		},
		{
			name: "whiteouts cannot be reached by name",
			run: func(g *WithT, t *testing.T) {
				m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
				put(t, fss[1], "x", "hidden")
				g.Expect(m.Unlink(ctx, "/x")).To(Succeed())
				g.Expect(exists(fss[0], whiteout.Name("x"))).To(BeTrue())

				wh := "/" + whiteout.Name("x")
				_, err := m.Stat(ctx, wh)
				g.Expect(err).To(MatchError(common.ErrNotFound))
				g.Expect(m.Unlink(ctx, wh)).To(MatchError(common.ErrNotFound))
				_, err = m.Open(ctx, wh, os.O_RDWR|os.O_CREATE, 0644)
				g.Expect(err).To(MatchError(common.ErrInvalidArgument))
				_, err = m.Stat(ctx, "/"+whiteout.PlinkDir)
				g.Expect(err).To(MatchError(common.ErrNotFound))

				g.Expect(exists(fss[0], whiteout.Name("x"))).To(BeTrue())
				_, err = m.Stat(ctx, "/x")
				g.Expect(err).To(MatchError(common.ErrNotFound))
				g.Expect(names(m, "/")).To(BeEmpty())
			},
		},
		{
			name: "pseudo-link outlives the name that was written",
			run: func(g *WithT, t *testing.T) {
				m, fss := testMount(t, Options{Plink: true}, branch.ReadWrite, branch.ReadOnly)
				put(t, fss[1], "f", "shared")
				_, err := fss[1].Link("f", "g")
				g.Expect(err).NotTo(HaveOccurred())

				g.Expect(writeFile(m, "/f", "changed")).To(Succeed())
				g.Expect(m.Unlink(ctx, "/f")).To(Succeed())
				g.Expect(m.PlinkList()).To(HaveLen(1))
				g.Expect(readFile(m, "/g")).To(Equal("changed"))
			},
		},
		{
			name: "a lower file ends a directory",
			run: func(g *WithT, t *testing.T) {
				m, fss := testMount(t, Options{}, branch.ReadWrite, branch.ReadOnly)
				put(t, fss[0], "d/a", "x")
				put(t, fss[1], "d", "not a directory")

				a, err := m.Stat(ctx, "/d")
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(a.IsDir()).To(BeTrue())
				g.Expect(names(m, "/d")).To(Equal([]string{"a"}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(NewWithT(t), t)
		})
	}
}
