package zinix

import (
	"testing"

	"github.com/w0x7c00/zinix/mem"
)

func TestInitBringsUpHartsAndAllocator(t *testing.T) {
	harts, err := Init(mem.PAddr(0), mem.PAddr(64*mem.PageSize), 4)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(harts) != 4 {
		t.Fatalf("got %d hart records, want 4", len(harts))
	}
	for i, h := range harts {
		if !h.Ready || h.ID != i {
			t.Fatalf("hart %d record wrong: %+v", i, h)
		}
	}
	if Pages().NumFrames() != 64 {
		t.Fatalf("NumFrames = %d, want 64", Pages().NumFrames())
	}
}

func TestAllocPagesZeroesAndFreePagesReturnsFrame(t *testing.T) {
	if _, err := Init(mem.PAddr(0), mem.PAddr(8*mem.PageSize), 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	blk, errno := AllocOnePage()
	if errno != mem.OK {
		t.Fatalf("AllocOnePage: %v", errno)
	}
	for _, b := range blk.Bytes() {
		if b != 0 {
			t.Fatalf("AllocPages must zero its block")
		}
	}
	before := Buddy().FreeFrames()
	FreePages(blk)
	if Buddy().FreeFrames() != before+1 {
		t.Fatalf("FreePages should return exactly one frame to the allocator")
	}
}
