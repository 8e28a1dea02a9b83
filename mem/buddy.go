package mem

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/w0x7c00/zinix/internal/klog"
)

// BuddyAllocator hands out power-of-two runs of physical frames. Free runs
// are tracked per order in a set of doubly-linked lists (container/list,
// the same structure biscuit's fs package reaches for — see fs/blk.go),
// kept sorted by ascending frame number so that Alloc's lowest-addressed
// tie-break is a plain pop-from-front. The whole table is protected by a
// single mutex, matching biscuit's one-spinlock-per-structure style.
type BuddyAllocator struct {
	mu sync.Mutex

	pm      *PagesManager
	base    PFN
	nframes uint64

	free [MaxOrder]*list.List
	elem [MaxOrder][]*list.Element // elem[order][rel] != nil iff rel heads a free run at order

	log *logrus.Entry
}

// NewBuddyAllocator returns an allocator bound to pm. pm must already have
// Init called on the same physical range this allocator will be Init'd
// with.
func NewBuddyAllocator(pm *PagesManager) *BuddyAllocator {
	b := &BuddyAllocator{pm: pm, log: klog.For("buddy")}
	pm.bindBuddy(b)
	return b
}

// Init carves [start, end) into the largest power-of-two-aligned runs that
// fit, pushing each onto its order's free-list. The range must match the
// one pm.Init was called with.
func (b *BuddyAllocator) Init(start, end PAddr) error {
	start = start.Ceil()
	end = end.Floor()
	if end <= start {
		return fmt.Errorf("mem: empty or invalid buddy range [%s, %s)", start, end)
	}
	b.base = start.PFN()
	b.nframes = uint64(end-start) / PageSize
	if b.nframes != b.pm.NumFrames() || b.base != b.pm.Base() {
		return fmt.Errorf("mem: buddy range does not match page manager range")
	}

	for k := range b.free {
		b.free[k] = list.New()
		b.elem[k] = make([]*list.Element, b.nframes)
	}

	var rel uint64
	for rel < b.nframes {
		if b.pm.descs[rel].state == PageReserved {
			rel++
			continue
		}
		order := b.maxOrderAt(rel)
		b.pushFree(order, rel)
		rel += uint64(1) << order
	}
	b.log.WithFields(logrus.Fields{"base": b.base, "frames": b.nframes}).Info("buddy allocator initialized")
	return nil
}

// maxOrderAt returns the largest order such that the run starting at rel is
// both address-aligned to its own size and entirely free and in-range.
func (b *BuddyAllocator) maxOrderAt(rel uint64) uint {
	abs := uint64(b.base) + rel
	for order := uint(MaxOrder - 1); order > 0; order-- {
		size := uint64(1) << order
		if abs%size != 0 || rel+size > b.nframes {
			continue
		}
		if b.runReserved(rel, size) {
			continue
		}
		return order
	}
	return 0
}

func (b *BuddyAllocator) runReserved(rel, size uint64) bool {
	for i := uint64(0); i < size; i++ {
		if b.pm.descs[rel+i].state == PageReserved {
			return true
		}
	}
	return false
}

func (b *BuddyAllocator) pushFree(order uint, rel uint64) {
	l := b.free[order]
	var mark *list.Element
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(uint64) > rel {
			mark = e
			break
		}
	}
	var el *list.Element
	if mark != nil {
		el = l.InsertBefore(rel, mark)
	} else {
		el = l.PushBack(rel)
	}
	b.elem[order][rel] = el
}

func (b *BuddyAllocator) popFrontFree(order uint) (uint64, bool) {
	e := b.free[order].Front()
	if e == nil {
		return 0, false
	}
	rel := e.Value.(uint64)
	b.free[order].Remove(e)
	b.elem[order][rel] = nil
	return rel, true
}

func (b *BuddyAllocator) removeIfFree(order uint, rel uint64) bool {
	el := b.elem[order][rel]
	if el == nil {
		return false
	}
	b.free[order].Remove(el)
	b.elem[order][rel] = nil
	return true
}

func (b *BuddyAllocator) markRange(rel, size uint64, state PageState) {
	for i := uint64(0); i < size; i++ {
		b.pm.descs[rel+i].state = state
	}
}

// Alloc finds the smallest free block at order >= the requested order,
// splitting it down (pushing the unused upper halves back onto their own
// free-lists) until exactly order is satisfied, and returns the wrapped
// handle over the resulting frames. It returns ErrOOM if no block of any
// order >= order is free.
func (b *BuddyAllocator) Alloc(order uint) (*Block, Errno) {
	if order >= MaxOrder {
		return nil, ErrOOM
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	k := order
	for k < MaxOrder {
		if _, ok := b.peekFront(k); ok {
			break
		}
		k++
	}
	if k == MaxOrder {
		return nil, ErrOOM
	}
	rel, _ := b.popFrontFree(k)

	for k > order {
		k--
		upper := rel + (uint64(1) << k)
		b.pushFree(k, upper)
	}

	size := uint64(1) << order
	b.markRange(rel, size, PageAllocated)
	pfn := b.base.Add(rel)
	return b.pm.WrapBlock(pfn, order), OK
}

func (b *BuddyAllocator) peekFront(order uint) (uint64, bool) {
	e := b.free[order].Front()
	if e == nil {
		return 0, false
	}
	return e.Value.(uint64), true
}

// Free returns a block's frames to the free-lists, coalescing with its
// buddy at each order as long as the buddy is itself fully free. pfn and
// order must describe a block currently allocated at that exact order —
// violating this is a buddy invariant break and panics rather than
// silently corrupting the free-lists.
func (b *BuddyAllocator) Free(pfn PFN, order uint) Errno {
	if order >= MaxOrder || !b.pm.Contains(pfn) {
		return ErrOutOfRange
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rel := pfn.Sub(b.base)
	d := &b.pm.descs[rel]
	if d.state != PageAllocated || uint(d.order) != order {
		panic(fmt.Sprintf("mem: Free(%s, order %d): frame is %s at order %d", pfn, order, d.state, d.order))
	}

	size := uint64(1) << order
	b.markRange(rel, size, PageFree)

	for order < MaxOrder-1 {
		buddyRel := rel ^ (uint64(1) << order)
		if buddyRel+(uint64(1)<<order) > b.nframes {
			break
		}
		if b.runReserved(buddyRel, uint64(1)<<order) {
			break
		}
		if !b.removeIfFree(order, buddyRel) {
			break
		}
		if buddyRel < rel {
			rel = buddyRel
		}
		order++
	}
	b.pushFree(order, rel)
	return OK
}

// FreeFrames returns the total number of frames currently on any free-list.
func (b *BuddyAllocator) FreeFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n uint64
	for order := 0; order < MaxOrder; order++ {
		n += uint64(b.free[order].Len()) * (uint64(1) << uint(order))
	}
	return n
}
