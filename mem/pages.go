package mem

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/w0x7c00/zinix/internal/klog"
)

// PageState is the lifecycle state of one physical frame.
type PageState uint8

const (
	// PageFree means the frame is on a buddy free-list (or part of one
	// that has not yet been carved down to frame granularity).
	PageFree PageState = iota
	// PageAllocated means the frame is the head or a non-head member of
	// a live buddy block.
	PageAllocated
	// PageReserved marks a frame PagesManager will never hand to the
	// buddy allocator (e.g. carved out for the kernel image).
	PageReserved
)

func (s PageState) String() string {
	switch s {
	case PageFree:
		return "free"
	case PageAllocated:
		return "allocated"
	case PageReserved:
		return "reserved"
	default:
		return "invalid"
	}
}

// PageDescriptor is the per-frame metadata row. order and refcnt are only
// meaningful on the head frame of an allocated block; the other frames in
// the block carry PageAllocated but are never handed out on their own.
type PageDescriptor struct {
	state  PageState
	order  uint8
	refcnt int32
}

// State returns the frame's current lifecycle state. Callers racing with
// allocation/free must synchronize externally (the buddy allocator's lock
// is the authority for state transitions).
func (d *PageDescriptor) State() PageState { return d.state }

// Order returns the block order stamped on a head frame.
func (d *PageDescriptor) Order() uint { return uint(d.order) }

// Refcnt returns the current reference count of the frame's block.
func (d *PageDescriptor) Refcnt() int32 { return atomic.LoadInt32(&d.refcnt) }

// PagesManager is the dense page-frame descriptor table: one PageDescriptor
// per frame in the managed range, indexed by PFN - base. It owns the
// simulated physical RAM backing store that the direct map addresses,
// since this module runs hosted rather than against a real MMU.
type PagesManager struct {
	base  PFN
	descs []PageDescriptor
	ram   []byte
	buddy *BuddyAllocator
	log   *logrus.Entry
}

// NewPagesManager returns an uninitialized table; call Init before use.
func NewPagesManager() *PagesManager {
	return &PagesManager{log: klog.For("pages")}
}

// Init carves the descriptor table and backing RAM for [start, end). start
// and end are rounded to page boundaries the same way the buddy allocator
// rounds its own range, so the two must be initialized over identical
// arguments.
func (pm *PagesManager) Init(start, end PAddr) error {
	start = start.Ceil()
	end = end.Floor()
	if end <= start {
		return fmt.Errorf("mem: empty or invalid page range [%s, %s)", start, end)
	}
	n := uint64(end-start) / PageSize
	pm.base = start.PFN()
	pm.descs = make([]PageDescriptor, n)
	pm.ram = make([]byte, n*PageSize)
	pm.log.WithField("frames", n).Info("page descriptor table initialized")
	return nil
}

func (pm *PagesManager) bindBuddy(b *BuddyAllocator) { pm.buddy = b }

// NumFrames returns the number of frames under management.
func (pm *PagesManager) NumFrames() uint64 { return uint64(len(pm.descs)) }

// Base returns the first managed frame number.
func (pm *PagesManager) Base() PFN { return pm.base }

// Contains reports whether pfn falls inside the managed range.
func (pm *PagesManager) Contains(pfn PFN) bool {
	if pfn < pm.base {
		return false
	}
	i := pfn.Sub(pm.base)
	return i < uint64(len(pm.descs))
}

func (pm *PagesManager) index(pfn PFN) int {
	i := pfn.Sub(pm.base)
	if i >= uint64(len(pm.descs)) {
		panic(fmt.Sprintf("mem: %s outside managed range", pfn))
	}
	return int(i)
}

// Descriptor returns the descriptor for pfn. It panics if pfn is outside
// the managed range — an out-of-range descriptor lookup is a programming
// error in every caller in this module, never an expected runtime outcome.
func (pm *PagesManager) Descriptor(pfn PFN) *PageDescriptor {
	return &pm.descs[pm.index(pfn)]
}

// Reserve marks [pfn, pfn+n) PageReserved so the buddy allocator never
// carves free runs across them (e.g. a kernel image loaded into the
// managed range before Buddy.Init walks it).
func (pm *PagesManager) Reserve(pfn PFN, n uint64) {
	for i := uint64(0); i < n; i++ {
		pm.Descriptor(pfn.Add(i)).state = PageReserved
	}
}

// WrapBlock stamps a freshly allocated head frame with its order and an
// initial refcount of one, and returns the handle that owns it. Called by
// the buddy allocator immediately after a successful Alloc.
func (pm *PagesManager) WrapBlock(pfn PFN, order uint) *Block {
	d := pm.Descriptor(pfn)
	d.order = uint8(order)
	atomic.StoreInt32(&d.refcnt, 1)
	return &Block{head: pfn, order: uint8(order), pm: pm}
}

// onLastDrop runs when a block's refcount reaches zero; it hands the run
// back to the buddy allocator for coalescing.
func (pm *PagesManager) onLastDrop(pfn PFN, order uint) {
	if pm.buddy == nil {
		panic("mem: PagesManager.onLastDrop called with no bound buddy allocator")
	}
	if err := pm.buddy.Free(pfn, order); err != OK {
		pm.log.WithField("pfn", pfn).WithField("err", err).Error("block release failed")
	}
}

// Bytes returns a slice over the n bytes of simulated physical RAM starting
// at pfn's base address, mirroring biscuit's Dmap8/Dmaplen direct-map
// byte views. The returned slice aliases the backing store directly.
func (pm *PagesManager) Bytes(pfn PFN, n uint64) []byte {
	off := pfn.Sub(pm.base) * PageSize
	if off+n > uint64(len(pm.ram)) {
		panic(fmt.Sprintf("mem: byte range [%d,%d) outside backing RAM", off, off+n))
	}
	return pm.ram[off : off+n]
}

// Page returns the single PageSize-byte slice backing pfn.
func (pm *PagesManager) Page(pfn PFN) []byte {
	return pm.Bytes(pfn, PageSize)
}
