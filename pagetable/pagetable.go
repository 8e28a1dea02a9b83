// Package pagetable implements the Sv39 three-level page-table engine:
// mapping, unmapping, and lookup over a tree of frames borrowed from a
// mem.BuddyAllocator, addressed the way the RISC-V MMU itself addresses
// them (VPN[2]/VPN[1]/VPN[0], each a 9-bit index into a 512-entry table).
package pagetable

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/w0x7c00/zinix/internal/klog"
	"github.com/w0x7c00/zinix/mem"
)

const entriesPerTable = mem.PageSize / 8

// PageTable is one Sv39 three-level tree plus the lock that serializes
// mutation against lookup: Walk takes a read lock, MapOne/UnmapRange take
// a write lock.
type PageTable struct {
	mu    sync.RWMutex
	root  mem.PFN
	pm    *mem.PagesManager
	buddy *mem.BuddyAllocator
	log   *logrus.Entry
}

// New allocates a fresh, zeroed root table.
func New(pm *mem.PagesManager, buddy *mem.BuddyAllocator) (*PageTable, mem.Errno) {
	blk, errno := buddy.Alloc(0)
	if errno != mem.OK {
		return nil, errno
	}
	blk.Zero()
	// The root table frame is owned by the tree structure from here on,
	// tracked only as a bare PFN (like every other table frame) rather
	// than through this handle — Destroy frees it directly via the
	// buddy allocator, so the handle is simply dropped, not released.
	pt := &PageTable{root: blk.PFN(), pm: pm, buddy: buddy, log: klog.For("pagetable")}
	return pt, mem.OK
}

// Root returns the physical frame holding the root table.
func (pt *PageTable) Root() mem.PFN { return pt.root }

// Satp computes the value the supervisor address translation and
// protection register would hold to activate this table under the given
// address-space id. There being no real CPU to issue the CSR write to in a
// hosted build, this is the table's externally observable "activation"
// surface.
func (pt *PageTable) Satp(asid uint64) uint64 {
	return (mem.SatpModeSv39 << 60) | ((asid & 0xFFFF) << 44) | uint64(pt.root)
}

// vpn extracts the 9-bit virtual page number field for the given tree
// level (2 = root, 1 = middle, 0 = leaf).
func vpn(va mem.VAddr, level int) uint64 {
	shift := uint(mem.PageShift + 9*level)
	return (uint64(va) >> shift) & 0x1FF
}

func readEntry(page []byte, idx uint64) uint64 {
	return binary.LittleEndian.Uint64(page[idx*8:])
}

func writeEntry(page []byte, idx uint64, v uint64) {
	binary.LittleEndian.PutUint64(page[idx*8:], v)
}

func mkpte(ppn mem.PFN, flags uint64) uint64 { return (uint64(ppn) << 10) | (flags & 0x3FF) }

func ptePPN(pte uint64) mem.PFN { return mem.PFN(pte >> 10) }

// leaf reports whether pte, found above the final level, already terminates
// the walk as a huge page. This engine never constructs one; encountering
// one mid-walk means the tree was built by something else.
func leaf(pte uint64) bool { return pte&(mem.PteR|mem.PteW|mem.PteX) != 0 }

// step records one non-leaf table visited on the way down to a leaf: the
// frame holding that table, its byte view, and the index within it that
// was followed to reach the next level. UnmapOne walks this back to front
// to free any intermediate table left with no valid entries.
type step struct {
	pfn  mem.PFN
	page []byte
	idx  uint64
}

// walk descends from the root to the level-0 table covering va, allocating
// intermediate tables along the way when create is true. It returns the
// level-0 table's byte view, the index within it for va, that table's own
// frame, and the chain of steps taken through the root and middle tables
// (root first) to reach it. The caller must already hold pt.mu in the
// appropriate mode.
func (pt *PageTable) walk(va mem.VAddr, create bool) ([]byte, uint64, mem.PFN, []step, mem.Errno) {
	path := make([]step, 0, 2)
	pfn := pt.root
	page := pt.pm.Page(pfn)
	for level := 2; level >= 1; level-- {
		idx := vpn(va, level)
		path = append(path, step{pfn: pfn, page: page, idx: idx})
		pte := readEntry(page, idx)
		switch {
		case pte&mem.PteV == 0:
			if !create {
				return nil, 0, 0, nil, mem.ErrNotMapped
			}
			blk, errno := pt.buddy.Alloc(0)
			if errno != mem.OK {
				return nil, 0, 0, nil, errno
			}
			blk.Zero()
			writeEntry(page, idx, mkpte(blk.PFN(), mem.PteV))
			// Ownership passes to the tree (see New); the handle is
			// dropped without releasing so the frame stays allocated.
			pfn = blk.PFN()
			page = pt.pm.Page(pfn)
		case leaf(pte):
			return nil, 0, 0, nil, mem.ErrAlreadyMapped
		default:
			pfn = ptePPN(pte)
			page = pt.pm.Page(pfn)
		}
	}
	return page, vpn(va, 0), pfn, path, mem.OK
}

// tableEmpty reports whether every entry of page is invalid.
func tableEmpty(page []byte) bool {
	for idx := uint64(0); idx < entriesPerTable; idx++ {
		if readEntry(page, idx)&mem.PteV != 0 {
			return false
		}
	}
	return true
}

// MapOne installs a single leaf PTE for va, pointing at pfn with the given
// flags (which must include at least one of PteR/PteW/PteX; PteV is
// implied — a leaf with R=W=X all clear is a reserved encoding and is
// refused). It fails with ErrAlreadyMapped if va already has a valid leaf
// entry.
func (pt *PageTable) MapOne(va mem.VAddr, pfn mem.PFN, flags uint64) mem.Errno {
	if !va.Aligned() {
		return mem.ErrOutOfRange
	}
	if flags&(mem.PteR|mem.PteW|mem.PteX) == 0 {
		return mem.ErrProtFault
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	page, idx, _, _, errno := pt.walk(va, true)
	if errno != mem.OK {
		return errno
	}
	if readEntry(page, idx)&mem.PteV != 0 {
		return mem.ErrAlreadyMapped
	}
	writeEntry(page, idx, mkpte(pfn, flags|mem.PteV))
	return mem.OK
}

// MapRange maps 1<<order consecutive pages starting at va to 1<<order
// consecutive frames starting at pfn; both must be aligned to that many
// page-size units. It is atomic in the all-or-nothing sense: on the first
// conflict it unmaps every page it had already installed and returns the
// error, rather than leaving a partially mapped range behind.
func (pt *PageTable) MapRange(va mem.VAddr, pfn mem.PFN, order uint, flags uint64) mem.Errno {
	n := uint64(1) << order
	align := n * mem.PageSize
	if uint64(va)%align != 0 || uint64(pfn)%n != 0 {
		return mem.ErrOutOfRange
	}
	for i := uint64(0); i < n; i++ {
		if errno := pt.MapOne(va.Add(i*mem.PageSize), pfn.Add(i), flags); errno != mem.OK {
			for j := uint64(0); j < i; j++ {
				pt.UnmapOne(va.Add(j * mem.PageSize))
			}
			return errno
		}
	}
	return mem.OK
}

// UnmapOne clears va's leaf PTE, walks back up freeing any intermediate
// table left with no valid entries by that clear, and returns the frame
// the leaf pointed at. It fails with ErrNotMapped if va has no valid leaf
// entry.
func (pt *PageTable) UnmapOne(va mem.VAddr) (mem.PFN, mem.Errno) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	page, idx, leafPFN, path, errno := pt.walk(va, false)
	if errno != mem.OK {
		return 0, errno
	}
	pte := readEntry(page, idx)
	if pte&mem.PteV == 0 {
		return 0, mem.ErrNotMapped
	}
	writeEntry(page, idx, 0)
	frame := ptePPN(pte)

	childPFN, childPage := leafPFN, page
	for i := len(path) - 1; i >= 0; i-- {
		if !tableEmpty(childPage) {
			break
		}
		parent := path[i]
		writeEntry(parent.page, parent.idx, 0)
		if errno := pt.buddy.Free(childPFN, 0); errno != mem.OK {
			pt.log.WithField("pfn", childPFN).WithField("err", errno).Error("intermediate table release failed")
		}
		childPFN, childPage = parent.pfn, parent.page
	}
	return frame, mem.OK
}

// UnmapRange clears 1<<order consecutive leaf entries starting at va,
// walking up to free any intermediate table each unmap leaves fully empty.
// It skips (does not fail on) holes — VMAs may be sparsely populated by
// design (demand paging), so unmapping an unpopulated stretch is routine —
// and returns every frame it actually unmapped.
func (pt *PageTable) UnmapRange(va mem.VAddr, order uint) []mem.PFN {
	n := uint64(1) << order
	frames := make([]mem.PFN, 0, n)
	for i := uint64(0); i < n; i++ {
		pfn, errno := pt.UnmapOne(va.Add(i * mem.PageSize))
		if errno == mem.OK {
			frames = append(frames, pfn)
		}
	}
	return frames
}

// Walk looks up va without mutating the tree, returning the mapped frame
// and the PTE's flag bits.
func (pt *PageTable) Walk(va mem.VAddr) (mem.PFN, uint64, mem.Errno) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	page, idx, _, _, errno := pt.walk(va, false)
	if errno != mem.OK {
		return 0, 0, errno
	}
	pte := readEntry(page, idx)
	if pte&mem.PteV == 0 {
		return 0, 0, mem.ErrNotMapped
	}
	return ptePPN(pte), pte & 0x3FF, mem.OK
}

// SetDirty marks va's leaf entry dirty, used on the first write fault to a
// populated page.
func (pt *PageTable) SetDirty(va mem.VAddr) mem.Errno {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	page, idx, _, _, errno := pt.walk(va, false)
	if errno != mem.OK {
		return errno
	}
	pte := readEntry(page, idx)
	if pte&mem.PteV == 0 {
		return mem.ErrNotMapped
	}
	writeEntry(page, idx, pte|mem.PteA|mem.PteD)
	return mem.OK
}

// Destroy releases every intermediate and leaf table frame owned by this
// tree back to the buddy allocator. It does not touch the data frames leaf
// entries point at — those are owned by whatever resident map (vma.VMA)
// installed them, and must be released by the caller first.
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.destroyLevel(pt.root, 2)
}

func (pt *PageTable) destroyLevel(pfn mem.PFN, level int) {
	page := pt.pm.Page(pfn)
	if level > 0 {
		for idx := uint64(0); idx < entriesPerTable; idx++ {
			pte := readEntry(page, idx)
			if pte&mem.PteV == 0 || leaf(pte) {
				continue
			}
			pt.destroyLevel(ptePPN(pte), level-1)
		}
	}
	if errno := pt.buddy.Free(pfn, 0); errno != mem.OK {
		pt.log.WithField("pfn", pfn).WithField("err", errno).Error("table frame release failed")
	}
}
