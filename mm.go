// Package zinix wires the memory-management core's leaf components
// (mem.PagesManager, mem.BuddyAllocator) into the process-wide singletons
// the rest of the kernel reaches for, the way biscuit's mem.Phys_init /
// dmap.Dmap_init wire up its Physmem_t global.
package zinix

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/w0x7c00/zinix/internal/klog"
	"github.com/w0x7c00/zinix/mem"
)

var (
	pages *mem.PagesManager
	buddy *mem.BuddyAllocator
)

// PerHart is the bootstrap record produced for each hart brought up by
// Init, standing in for the per-CPU state biscuit tracks in
// Physmem_t.percpu; this kernel's buddy free-lists stay global under one
// lock, so a hart's record carries only what it needs to
// begin scheduling, not a private free-list.
type PerHart struct {
	ID    int
	Ready bool
}

// Init brings up the memory-management core over the physical range
// [start, end) and fans out numHarts bootstrap records concurrently via
// errgroup, mirroring biscuit's sequential percpu_init loop generalized to
// run off the boot hart.
func Init(start, end mem.PAddr, numHarts int) ([]PerHart, error) {
	log := klog.For("mm")

	pages = mem.NewPagesManager()
	if err := pages.Init(start, end); err != nil {
		return nil, fmt.Errorf("mm: page manager init: %w", err)
	}
	buddy = mem.NewBuddyAllocator(pages)
	if err := buddy.Init(start, end); err != nil {
		return nil, fmt.Errorf("mm: buddy init: %w", err)
	}

	harts := make([]PerHart, numHarts)
	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < numHarts; i++ {
		i := i
		g.Go(func() error {
			harts[i] = PerHart{ID: i, Ready: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("mm: hart bootstrap: %w", err)
	}

	log.WithField("frames", pages.NumFrames()).WithField("harts", numHarts).Info("memory management core initialized")
	return harts, nil
}

// Pages returns the process-wide page descriptor table. Init must have run
// first.
func Pages() *mem.PagesManager { return pages }

// Buddy returns the process-wide buddy allocator. Init must have run
// first.
func Buddy() *mem.BuddyAllocator { return buddy }

// AllocPages allocates a block of 1<<order frames, zeroing its backing
// memory before returning it.
func AllocPages(order uint) (*mem.Block, mem.Errno) {
	blk, errno := buddy.Alloc(order)
	if errno != mem.OK {
		return nil, errno
	}
	blk.Zero()
	return blk, mem.OK
}

// AllocOnePage is shorthand for AllocPages(0).
func AllocOnePage() (*mem.Block, mem.Errno) {
	return AllocPages(0)
}

// FreePages is a synonym for blk.Release(): the buddy allocator reclaims a
// block as soon as its last reference drops, so there is no separate
// "free" step to perform here. It exists so call sites written against a
// free_pages(block) vocabulary compile unchanged.
func FreePages(blk *mem.Block) {
	blk.Release()
}
