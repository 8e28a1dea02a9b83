package mem

import "sync/atomic"

// Block is an owning handle over one allocated buddy run. Ownership is
// tracked by explicit manual refcounting rather than relying on the
// garbage collector to notice the last reference disappear — the same
// discipline biscuit uses for Physpg_t (Refup/Refdown). Releasing the last
// reference synchronously returns the frames to the buddy allocator; merely
// dropping a *Block without calling Release leaves its frames allocated.
type Block struct {
	head  PFN
	order uint8
	pm    *PagesManager
}

// PFN returns the frame number of the block's first frame.
func (b *Block) PFN() PFN { return b.head }

// Order returns the block's buddy order.
func (b *Block) Order() uint { return uint(b.order) }

// Len returns the number of frames in the block.
func (b *Block) Len() uint64 { return uint64(1) << b.order }

// Bytes returns a slice over the block's backing RAM.
func (b *Block) Bytes() []byte { return b.pm.Bytes(b.head, b.Len()*PageSize) }

// Zero clears the block's backing RAM, as required before handing an
// anonymous page to a fault handler.
func (b *Block) Zero() {
	buf := b.Bytes()
	for i := range buf {
		buf[i] = 0
	}
}

// Clone takes a new reference on the block, returning an independent handle
// that must itself be released. It panics if the block's refcount has
// already dropped to zero, which can only happen from a use-after-release
// bug in the caller.
func (b *Block) Clone() *Block {
	d := b.pm.Descriptor(b.head)
	if c := atomic.AddInt32(&d.refcnt, 1); c <= 1 {
		panic("mem: Clone of a block with no live references")
	}
	return &Block{head: b.head, order: b.order, pm: b.pm}
}

// Release drops this reference. When the last reference on the block is
// released, the run is returned to the buddy allocator for coalescing.
func (b *Block) Release() {
	d := b.pm.Descriptor(b.head)
	c := atomic.AddInt32(&d.refcnt, -1)
	if c < 0 {
		panic("mem: refcount underflow releasing block")
	}
	if c == 0 {
		b.pm.onLastDrop(b.head, uint(b.order))
	}
}
