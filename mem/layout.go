// Package mem implements the leaf layer of the memory-management core:
// typed addresses, the per-frame page descriptor table, and the buddy
// allocator that hands out physical frames to everything above it.
package mem

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a single page in bytes.
const PageSize = 1 << PageShift

// PageOffsetMask masks the in-page offset of an address.
const PageOffsetMask = PageSize - 1

// MaxOrder bounds the buddy allocator's block orders to [0, MaxOrder). The
// largest run the allocator ever hands out is 1<<(MaxOrder-1) pages.
const MaxOrder = 11

// Sv39 virtual address layout. Ranges are half-open.
const (
	UserStart VAddr = 0x0000_0000_0000
	UserEnd   VAddr = 0x0040_0000_0000

	VmemmapStart VAddr = 0xFFFF_FFC7_0000_0000
	VmemmapEnd   VAddr = 0xFFFF_FFC8_0000_0000

	DirectMapStart VAddr = 0xFFFF_FFD8_0000_0000
	DirectMapEnd   VAddr = 0xFFFF_FFF7_0000_0000
)

// DirectMapLen is the size in bytes of the direct physical map window.
const DirectMapLen = uint64(DirectMapEnd - DirectMapStart)

// Sv39 PTE bit layout, shared by the pagetable package.
const (
	PteV = uint64(1) << 0 // Valid
	PteR = uint64(1) << 1 // Readable
	PteW = uint64(1) << 2 // Writable
	PteX = uint64(1) << 3 // Executable
	PteU = uint64(1) << 4 // User-accessible
	PteG = uint64(1) << 5 // Global
	PteA = uint64(1) << 6 // Accessed
	PteD = uint64(1) << 7 // Dirty

	// SatpModeSv39 is the MODE field value that selects Sv39 paging.
	SatpModeSv39 = uint64(8)
)
