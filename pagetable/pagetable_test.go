package pagetable

import (
	"testing"

	"github.com/w0x7c00/zinix/mem"
)

func newTestTree(t *testing.T, frames uint64) (*mem.PagesManager, *mem.BuddyAllocator, *PageTable) {
	t.Helper()
	pm := mem.NewPagesManager()
	end := mem.PAddr(frames * mem.PageSize)
	if err := pm.Init(0, end); err != nil {
		t.Fatalf("PagesManager.Init: %v", err)
	}
	b := mem.NewBuddyAllocator(pm)
	if err := b.Init(0, end); err != nil {
		t.Fatalf("BuddyAllocator.Init: %v", err)
	}
	pt, errno := New(pm, b)
	if errno != mem.OK {
		t.Fatalf("New: %v", errno)
	}
	return pm, b, pt
}

func TestMapAndWalk(t *testing.T) {
	_, b, pt := newTestTree(t, 16)

	data, errno := b.Alloc(0)
	if errno != mem.OK {
		t.Fatalf("Alloc: %v", errno)
	}
	va := mem.VAddr(0x1000)
	if errno := pt.MapOne(va, data.PFN(), mem.PteR|mem.PteW|mem.PteU); errno != mem.OK {
		t.Fatalf("MapOne: %v", errno)
	}

	pfn, flags, errno := pt.Walk(va)
	if errno != mem.OK {
		t.Fatalf("Walk: %v", errno)
	}
	if pfn != data.PFN() {
		t.Fatalf("Walk returned pfn %s, want %s", pfn, data.PFN())
	}
	if flags&mem.PteW == 0 || flags&mem.PteU == 0 {
		t.Fatalf("Walk flags %#x missing expected bits", flags)
	}
}

func TestMapOneRejectsDoubleMap(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	a, _ := b.Alloc(0)
	c, _ := b.Alloc(0)
	va := mem.VAddr(0x2000)
	if errno := pt.MapOne(va, a.PFN(), mem.PteR); errno != mem.OK {
		t.Fatalf("first MapOne: %v", errno)
	}
	if errno := pt.MapOne(va, c.PFN(), mem.PteR); errno != mem.ErrAlreadyMapped {
		t.Fatalf("second MapOne over the same va should fail, got %v", errno)
	}
}

func TestWalkUnmappedFails(t *testing.T) {
	_, _, pt := newTestTree(t, 16)
	if _, _, errno := pt.Walk(mem.VAddr(0x9000)); errno != mem.ErrNotMapped {
		t.Fatalf("Walk over unmapped va = %v, want ErrNotMapped", errno)
	}
}

func TestUnmapOneReturnsFrameAndClearsEntry(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	data, _ := b.Alloc(0)
	va := mem.VAddr(0x3000)
	pt.MapOne(va, data.PFN(), mem.PteR|mem.PteW)

	pfn, errno := pt.UnmapOne(va)
	if errno != mem.OK || pfn != data.PFN() {
		t.Fatalf("UnmapOne = (%s, %v), want (%s, OK)", pfn, errno, data.PFN())
	}
	if _, _, errno := pt.Walk(va); errno != mem.ErrNotMapped {
		t.Fatalf("va should be unmapped after UnmapOne, Walk returned %v", errno)
	}
}

func TestMapRangeAndUnmapRange(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	base, errno := b.Alloc(2) // 4 contiguous frames
	if errno != mem.OK {
		t.Fatalf("Alloc(2): %v", errno)
	}
	va := mem.VAddr(0x400000)
	if errno := pt.MapRange(va, base.PFN(), 2, mem.PteR|mem.PteW); errno != mem.OK {
		t.Fatalf("MapRange: %v", errno)
	}
	for i := uint64(0); i < 4; i++ {
		if _, _, errno := pt.Walk(va.Add(i * mem.PageSize)); errno != mem.OK {
			t.Fatalf("page %d not mapped: %v", i, errno)
		}
	}
	frames := pt.UnmapRange(va, 2)
	if len(frames) != 4 {
		t.Fatalf("UnmapRange returned %d frames, want 4", len(frames))
	}
}

func TestMapRangeRejectsMisalignedBase(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	base, _ := b.Alloc(2)
	// order 2 requires a 4-page-aligned va; 0x1000 is only 1-page-aligned.
	if errno := pt.MapRange(mem.VAddr(0x1000), base.PFN(), 2, mem.PteR); errno != mem.ErrOutOfRange {
		t.Fatalf("MapRange over misaligned va = %v, want ErrOutOfRange", errno)
	}
}

func TestMapRangeRollsBackOnConflict(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	base, _ := b.Alloc(2) // 4 contiguous frames
	va := mem.VAddr(0x400000)

	// Pre-map the third page in the range so MapRange hits AlreadyMapped
	// partway through.
	blocker, _ := b.Alloc(0)
	if errno := pt.MapOne(va.Add(2*mem.PageSize), blocker.PFN(), mem.PteR); errno != mem.OK {
		t.Fatalf("pre-map: %v", errno)
	}

	if errno := pt.MapRange(va, base.PFN(), 2, mem.PteR|mem.PteW); errno != mem.ErrAlreadyMapped {
		t.Fatalf("MapRange over a conflicting page = %v, want ErrAlreadyMapped", errno)
	}
	// The two pages mapped before the conflict must have been undone.
	if _, _, errno := pt.Walk(va); errno != mem.ErrNotMapped {
		t.Fatalf("page 0 should have been rolled back, Walk = %v", errno)
	}
	if _, _, errno := pt.Walk(va.Add(mem.PageSize)); errno != mem.ErrNotMapped {
		t.Fatalf("page 1 should have been rolled back, Walk = %v", errno)
	}
	// The pre-existing mapping at page 2 must be left untouched.
	if pfn, _, errno := pt.Walk(va.Add(2 * mem.PageSize)); errno != mem.OK || pfn != blocker.PFN() {
		t.Fatalf("pre-existing mapping should survive the rollback, got (%s, %v)", pfn, errno)
	}
}

func TestMapOneRejectsReservedFlags(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	data, _ := b.Alloc(0)
	if errno := pt.MapOne(mem.VAddr(0x1000), data.PFN(), mem.PteU); errno != mem.ErrProtFault {
		t.Fatalf("MapOne with R=W=X=0 = %v, want ErrProtFault", errno)
	}
}

func TestUnmapOneFreesEmptyIntermediateTable(t *testing.T) {
	_, b, pt := newTestTree(t, 16)
	data, _ := b.Alloc(0)
	va := mem.VAddr(0x1000)
	if errno := pt.MapOne(va, data.PFN(), mem.PteR); errno != mem.OK {
		t.Fatalf("MapOne: %v", errno)
	}
	before := b.FreeFrames()

	if _, errno := pt.UnmapOne(va); errno != mem.OK {
		t.Fatalf("UnmapOne: %v", errno)
	}
	// Clearing the sole leaf empties both its level-0 table and the
	// level-1 table above it; UnmapOne must reclaim both. It does not
	// touch the data frame itself, which stays owned by the caller.
	if got, want := b.FreeFrames(), before+2; got != want {
		t.Fatalf("FreeFrames after unmap = %d, want %d (2 emptied intermediate tables reclaimed)", got, want)
	}
}

func TestSatpEncodesModeAndRoot(t *testing.T) {
	_, _, pt := newTestTree(t, 16)
	satp := pt.Satp(7)
	if satp>>60 != mem.SatpModeSv39 {
		t.Fatalf("satp mode field = %d, want %d", satp>>60, mem.SatpModeSv39)
	}
	if mem.PFN(satp&0xFFFFFFFFFFF) != pt.Root() {
		t.Fatalf("satp root field does not match pt.Root()")
	}
}

func TestCrossingMultipleLeafTables(t *testing.T) {
	// Addresses that differ only in VPN[1] share the root entry and the
	// middle-level table below it, but exercise distinct level-0 tables.
	_, b, pt := newTestTree(t, 16)
	va1 := mem.VAddr(0)
	va2 := mem.VAddr(1) << 21 // next VPN[1] slot

	d1, _ := b.Alloc(0)
	d2, _ := b.Alloc(0)
	if errno := pt.MapOne(va1, d1.PFN(), mem.PteR); errno != mem.OK {
		t.Fatalf("map va1: %v", errno)
	}
	if errno := pt.MapOne(va2, d2.PFN(), mem.PteR); errno != mem.OK {
		t.Fatalf("map va2: %v", errno)
	}
	if pfn, _, errno := pt.Walk(va1); errno != mem.OK || pfn != d1.PFN() {
		t.Fatalf("walk va1 = (%s, %v)", pfn, errno)
	}
	if pfn, _, errno := pt.Walk(va2); errno != mem.OK || pfn != d2.PFN() {
		t.Fatalf("walk va2 = (%s, %v)", pfn, errno)
	}
}
