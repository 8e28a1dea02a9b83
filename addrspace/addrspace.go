// Package addrspace implements MmStruct, the container that owns one
// page table and the ordered, disjoint set of VMAs mapped through it.
package addrspace

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/w0x7c00/zinix/internal/klog"
	"github.com/w0x7c00/zinix/mem"
	"github.com/w0x7c00/zinix/pagetable"
	"github.com/w0x7c00/zinix/vma"
)

// MmStruct is one address space: a page table shared by every VMA it owns.
// Lock ordering is MmStruct -> PageTable -> Buddy (outermost to innermost);
// no method here ever calls back into mu while holding a lock acquired
// further in, so the three locks can never deadlock against each other.
type MmStruct struct {
	mu sync.RWMutex

	vmas []*vma.VMA // sorted by Start(), pairwise disjoint

	pt    *pagetable.PageTable
	pm    *mem.PagesManager
	buddy *mem.BuddyAllocator
	log   *logrus.Entry
}

// New allocates a fresh address space with an empty VMA set and a new,
// empty page table.
func New(pm *mem.PagesManager, buddy *mem.BuddyAllocator) (*MmStruct, mem.Errno) {
	pt, errno := pagetable.New(pm, buddy)
	if errno != mem.OK {
		return nil, errno
	}
	return &MmStruct{pt: pt, pm: pm, buddy: buddy, log: klog.For("mmstruct")}, mem.OK
}

// PageTable returns the address space's page table, e.g. to compute its
// satp value for activation on a hart.
func (m *MmStruct) PageTable() *pagetable.PageTable { return m.pt }

// indexOf returns the position of the first VMA whose Start() is >= va.
func (m *MmStruct) indexOf(va mem.VAddr) int {
	return sort.Search(len(m.vmas), func(i int) bool { return m.vmas[i].Start() >= va })
}

// Find returns the VMA covering va, if any.
func (m *MmStruct) Find(va mem.VAddr) (*vma.VMA, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(va)
}

func (m *MmStruct) findLocked(va mem.VAddr) (*vma.VMA, bool) {
	i := m.indexOf(va)
	// va may fall inside the VMA starting before i.
	if i > 0 && m.vmas[i-1].Contains(va) {
		return m.vmas[i-1], true
	}
	if i < len(m.vmas) && m.vmas[i].Contains(va) {
		return m.vmas[i], true
	}
	return nil, false
}

// Insert adds v to the VMA set. It fails with ErrAlreadyMapped if v
// overlaps any existing VMA.
func (m *MmStruct) Insert(v *vma.VMA) mem.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(v.Start())
	if i > 0 && m.vmas[i-1].End() > v.Start() {
		return mem.ErrAlreadyMapped
	}
	if i < len(m.vmas) && v.End() > m.vmas[i].Start() {
		return mem.ErrAlreadyMapped
	}
	m.vmas = append(m.vmas, nil)
	copy(m.vmas[i+1:], m.vmas[i:])
	m.vmas[i] = v
	return mem.OK
}

// RemoveRange unmaps [start, end), splitting any VMA that only partially
// overlaps it and fully removing (and releasing) any VMA entirely inside
// it. It is munmap's underlying primitive.
func (m *MmStruct) RemoveRange(start, end mem.VAddr) mem.Errno {
	if !start.Aligned() || !end.Aligned() || end <= start {
		return mem.ErrOutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Split any VMA straddling either boundary so every affected VMA
	// ends up entirely inside or entirely outside [start, end).
	if v, ok := m.findLocked(start); ok && v.Start() < start {
		if errno := m.splitLocked(v, start); errno != mem.OK {
			return errno
		}
	}
	if v, ok := m.findLocked(end); ok && v.Start() < end {
		if errno := m.splitLocked(v, end); errno != mem.OK {
			return errno
		}
	}

	kept := m.vmas[:0]
	for _, v := range m.vmas {
		if v.Start() >= start && v.End() <= end {
			if errno := v.ReleaseAll(); errno != mem.OK {
				return errno
			}
			continue
		}
		kept = append(kept, v)
	}
	m.vmas = kept
	return mem.OK
}

// splitLocked replaces v in m.vmas with the two VMAs v.SplitAt(at) yields.
// v must currently be present in m.vmas.
func (m *MmStruct) splitLocked(v *vma.VMA, at mem.VAddr) mem.Errno {
	upper, errno := v.SplitAt(at)
	if errno != mem.OK {
		return errno
	}
	i := m.indexOf(v.Start())
	for i < len(m.vmas) && m.vmas[i] != v {
		i++
	}
	m.vmas = append(m.vmas, nil)
	copy(m.vmas[i+2:], m.vmas[i+1:])
	m.vmas[i+1] = upper
	return mem.OK
}

// HandleFault dispatches a page fault at va to the VMA that covers it. It
// returns ErrSegFault if no VMA covers va at all, or whatever Populate
// returns (notably ErrProtFault for an access kind the VMA disallows).
func (m *MmStruct) HandleFault(va mem.VAddr, kind vma.FaultKind) mem.Errno {
	m.mu.RLock()
	v, ok := m.findLocked(va)
	m.mu.RUnlock()
	if !ok {
		return mem.ErrSegFault
	}
	return v.Populate(va, kind)
}

// ForkInto copies the VMA set from m into dst, which must be empty. The
// child VMAs are mapped through dst's own page table, the fresh one New
// gave it; ForkInto allocates no page table itself. Anonymous VMAs are duplicated by full
// copy: every resident page gets its own frame and byte-for-byte content,
// with no copy-on-write sharing. File-backed VMAs instead share the
// backing inode handle and restart with an empty resident map, since their
// content is recoverable by re-faulting from the file rather than needing
// a frame-for-frame copy.
func (m *MmStruct) ForkInto(dst *MmStruct) mem.Errno {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	if len(dst.vmas) != 0 {
		return mem.ErrAlreadyMapped
	}

	for _, v := range m.vmas {
		var (
			child *vma.VMA
			errno mem.Errno
		)
		if v.IsAnon() {
			child, errno = vma.NewAnon(v.Start(), v.End(), v.Flags(), dst.pt, dst.pm, dst.buddy)
		} else {
			child, errno = vma.NewFile(v.Start(), v.End(), v.Flags(), v.InodeForFork(), v.FileOffsetForFork(), dst.pt, dst.pm, dst.buddy)
		}
		if errno != mem.OK {
			return errno
		}
		if errno := dst.insertLocked(child); errno != mem.OK {
			return errno
		}
		if v.IsAnon() {
			if errno := v.CopyResidentInto(child); errno != mem.OK {
				return errno
			}
		}
	}
	return mem.OK
}

func (m *MmStruct) insertLocked(v *vma.VMA) mem.Errno {
	i := m.indexOf(v.Start())
	m.vmas = append(m.vmas, nil)
	copy(m.vmas[i+1:], m.vmas[i:])
	m.vmas[i] = v
	return mem.OK
}

// Destroy releases every VMA's resident pages and frees the page table
// itself. The MmStruct must not be used afterward.
func (m *MmStruct) Destroy() mem.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.vmas {
		if errno := v.ReleaseAll(); errno != mem.OK {
			return errno
		}
	}
	m.vmas = nil
	m.pt.Destroy()
	return mem.OK
}

func (m *MmStruct) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("mmstruct{%d vmas}", len(m.vmas))
}
