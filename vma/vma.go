// Package vma implements the virtual memory area abstraction: a half-open
// [start, end) interval of an address space backed either by anonymous
// zero-fill memory or by a file, demand-populated one page at a time.
package vma

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/w0x7c00/zinix/internal/klog"
	"github.com/w0x7c00/zinix/mem"
	"github.com/w0x7c00/zinix/pagetable"
)

// Flags is the internal permission/sharing bitset a VMA is constructed
// with, distinct from the mmap(2)-facing MmapProt/MmapFlags in mmap.go
// that a syscall layer translates into this set.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagShared
)

func (f Flags) pteBits() uint64 {
	var b uint64
	if f&FlagRead != 0 {
		b |= mem.PteR
	}
	if f&FlagWrite != 0 {
		b |= mem.PteW
	}
	if f&FlagExec != 0 {
		b |= mem.PteX
	}
	if f&FlagUser != 0 {
		b |= mem.PteU
	}
	return b
}

// Writable reports whether the VMA permits writes.
func (f Flags) Writable() bool { return f&FlagWrite != 0 }

// Shared reports whether writes to a file-backed VMA are visible to other
// mappers of the same inode and must be written back.
func (f Flags) Shared() bool { return f&FlagShared != 0 }

// Inode is the minimal file-backing surface a VMA consumes. It is supplied
// by whatever filesystem layer owns the backing file; this package never
// constructs one.
type Inode interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
}

// FaultKind distinguishes the access that triggered a page fault.
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
)

// VMA is one mapped interval of an address space. start and end are always
// page-aligned; [start, end) is half-open. A VMA is either anonymous
// (inode == nil) or file-backed.
type VMA struct {
	mu sync.Mutex

	start, end mem.VAddr
	flags      Flags

	inode   Inode
	fileOff int64 // file offset corresponding to start, valid iff inode != nil

	resident map[mem.VAddr]*mem.Block
	dirty    map[mem.VAddr]bool

	pt    *pagetable.PageTable
	pm    *mem.PagesManager
	buddy *mem.BuddyAllocator
	log   *logrus.Entry
}

// NewAnon constructs a zero-fill anonymous VMA over [start, end).
func NewAnon(start, end mem.VAddr, flags Flags, pt *pagetable.PageTable, pm *mem.PagesManager, buddy *mem.BuddyAllocator) (*VMA, mem.Errno) {
	return newVMA(start, end, flags, nil, 0, pt, pm, buddy)
}

// NewFile constructs a file-backed VMA over [start, end), whose first byte
// corresponds to offset fileOff in inode.
func NewFile(start, end mem.VAddr, flags Flags, inode Inode, fileOff int64, pt *pagetable.PageTable, pm *mem.PagesManager, buddy *mem.BuddyAllocator) (*VMA, mem.Errno) {
	if inode == nil {
		return nil, mem.ErrOutOfRange
	}
	return newVMA(start, end, flags, inode, fileOff, pt, pm, buddy)
}

func newVMA(start, end mem.VAddr, flags Flags, inode Inode, fileOff int64, pt *pagetable.PageTable, pm *mem.PagesManager, buddy *mem.BuddyAllocator) (*VMA, mem.Errno) {
	if !start.Aligned() || !end.Aligned() || end <= start {
		return nil, mem.ErrOutOfRange
	}
	return &VMA{
		start: start, end: end, flags: flags,
		inode: inode, fileOff: fileOff,
		resident: make(map[mem.VAddr]*mem.Block),
		dirty:    make(map[mem.VAddr]bool),
		pt:       pt, pm: pm, buddy: buddy,
		log: klog.For("vma"),
	}, mem.OK
}

// Start returns the VMA's lower bound.
func (v *VMA) Start() mem.VAddr { return v.start }

// End returns the VMA's upper (exclusive) bound.
func (v *VMA) End() mem.VAddr { return v.end }

// Flags returns the VMA's permission/sharing bits.
func (v *VMA) Flags() Flags { return v.flags }

// IsAnon reports whether the VMA is zero-fill anonymous memory.
func (v *VMA) IsAnon() bool { return v.inode == nil }

// Contains reports whether va falls inside [start, end).
func (v *VMA) Contains(va mem.VAddr) bool { return va >= v.start && va < v.end }

// fileOffsetFor returns the backing file offset for va, valid only for
// file-backed VMAs.
func (v *VMA) fileOffsetFor(va mem.VAddr) int64 {
	return v.fileOff + int64(va-v.start)
}

// Populate services a fault at va: it allocates a frame (zeroing it for
// anonymous VMAs, reading it in for file-backed ones), maps it with the
// permission bits of the VMA's flags (kind does not change them), and
// records it in the resident map. A write fault against a read-only VMA, or an exec fault
// against a non-executable one, fails with ErrProtFault without allocating
// anything.
func (v *VMA) Populate(va mem.VAddr, kind FaultKind) mem.Errno {
	if !v.Contains(va) {
		return mem.ErrOutOfRange
	}
	if kind == FaultWrite && !v.flags.Writable() {
		return mem.ErrProtFault
	}
	if kind == FaultExec && v.flags&FlagExec == 0 {
		return mem.ErrProtFault
	}
	va = va.Floor()

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.resident[va]; ok {
		if kind == FaultWrite {
			v.markDirtyLocked(va)
		}
		return mem.OK
	}

	blk, errno := v.buddy.Alloc(0)
	if errno != mem.OK {
		return errno
	}
	if v.inode != nil {
		blk.Zero()
		n, err := v.inode.ReadAt(blk.Bytes(), v.fileOffsetFor(va))
		if err != nil && n == 0 {
			blk.Release()
			return mem.ErrOutOfRange
		}
	} else {
		blk.Zero()
	}

	pteFlags := v.flags.pteBits()
	if errno := v.pt.MapOne(va, blk.PFN(), pteFlags); errno != mem.OK {
		blk.Release()
		return errno
	}
	v.resident[va] = blk
	if kind == FaultWrite {
		v.markDirtyLocked(va)
	}
	v.log.WithField("va", va).WithField("anon", v.IsAnon()).Debug("page populated")
	return mem.OK
}

func (v *VMA) markDirtyLocked(va mem.VAddr) {
	v.dirty[va] = true
	if errno := v.pt.SetDirty(va); errno != mem.OK {
		v.log.WithField("va", va).WithField("err", errno).Warn("SetDirty on unmapped page")
	}
}

// WritebackOne flushes a dirty resident page back to its backing inode. It
// is a no-op for anonymous pages and for pages that were never written.
func (v *VMA) WritebackOne(va mem.VAddr) mem.Errno {
	va = va.Floor()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writebackOneLocked(va)
}

func (v *VMA) writebackOneLocked(va mem.VAddr) mem.Errno {
	if v.inode == nil || !v.dirty[va] {
		return mem.OK
	}
	blk, ok := v.resident[va]
	if !ok {
		return mem.ErrNotMapped
	}
	if _, err := v.inode.WriteAt(blk.Bytes(), v.fileOffsetFor(va)); err != nil {
		return mem.ErrOutOfRange
	}
	v.dirty[va] = false
	return mem.OK
}

// UnmapOne tears down residency for a single page: writes it back if dirty
// and file-backed, clears its PTE, and releases its frame. It is a no-op
// if va was never populated.
func (v *VMA) UnmapOne(va mem.VAddr) mem.Errno {
	va = va.Floor()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unmapOneLocked(va)
}

func (v *VMA) unmapOneLocked(va mem.VAddr) mem.Errno {
	blk, ok := v.resident[va]
	if !ok {
		return mem.OK
	}
	if errno := v.writebackOneLocked(va); errno != mem.OK {
		return errno
	}
	if _, errno := v.pt.UnmapOne(va); errno != mem.OK && errno != mem.ErrNotMapped {
		return errno
	}
	delete(v.resident, va)
	delete(v.dirty, va)
	blk.Release()
	return mem.OK
}

// ReleaseAll tears down every resident page in the VMA, writing back
// dirty file-backed pages first. Called when a VMA is removed from its
// address space (munmap, process exit).
func (v *VMA) ReleaseAll() mem.Errno {
	v.mu.Lock()
	defer v.mu.Unlock()
	for va := range v.resident {
		if errno := v.unmapOneLocked(va); errno != mem.OK {
			return errno
		}
	}
	return mem.OK
}

// SplitAt divides the VMA at va: the receiver shrinks to [start, va) and a
// new VMA [va, end) is returned, inheriting flags, backing inode and
// residents on the upper side. va must fall strictly inside (start, end)
// and be page-aligned.
func (v *VMA) SplitAt(va mem.VAddr) (*VMA, mem.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !va.Aligned() || va <= v.start || va >= v.end {
		return nil, mem.ErrOutOfRange
	}

	upper := &VMA{
		start: va, end: v.end, flags: v.flags,
		inode:    v.inode,
		fileOff:  v.fileOffsetFor(va),
		resident: make(map[mem.VAddr]*mem.Block),
		dirty:    make(map[mem.VAddr]bool),
		pt:       v.pt, pm: v.pm, buddy: v.buddy,
		log: klog.For("vma"),
	}
	for pageVA, blk := range v.resident {
		if pageVA >= va {
			upper.resident[pageVA] = blk
			upper.dirty[pageVA] = v.dirty[pageVA]
			delete(v.resident, pageVA)
			delete(v.dirty, pageVA)
		}
	}
	v.end = va
	return upper, mem.OK
}

// InodeForFork returns the VMA's backing inode (nil for anonymous VMAs),
// for use by addrspace.MmStruct.ForkInto when constructing the child's VMA.
func (v *VMA) InodeForFork() Inode { return v.inode }

// FileOffsetForFork returns the file offset corresponding to Start(), for
// use by addrspace.MmStruct.ForkInto.
func (v *VMA) FileOffsetForFork() int64 { return v.fileOff }

// CopyResidentInto deep-copies every currently resident page of v into
// dst, which must cover the same address range and have no residents of
// its own yet. This is the fork primitive: no frame is shared between
// parent and child — fork always deep-copies rather than sharing
// copy-on-write pages.
func (v *VMA) CopyResidentInto(dst *VMA) mem.Errno {
	v.mu.Lock()
	defer v.mu.Unlock()

	for va, blk := range v.resident {
		blk2, errno := v.buddy.Alloc(0)
		if errno != mem.OK {
			return errno
		}
		copy(blk2.Bytes(), blk.Bytes())
		if errno := dst.pt.MapOne(va, blk2.PFN(), dst.flags.pteBits()); errno != mem.OK {
			blk2.Release()
			return errno
		}
		dst.resident[va] = blk2
		dst.dirty[va] = v.dirty[va]
	}
	return mem.OK
}

func (v *VMA) String() string {
	return fmt.Sprintf("vma[%s,%s) flags=%#x anon=%v", v.start, v.end, v.flags, v.IsAnon())
}
