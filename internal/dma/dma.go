// Package dma is the fixed DMA buffer pool: a bounded set of
// contiguous-frame buffers internal/nvme (and any other DMA-capable
// driver) acquires and releases rather than calling
// internal/mem.AllocateContiguous on every I/O.
//
// Grounded on biscuit/src/circbuf/circbuf.go's Circbuf_t: "lazily
// allocate the backing page, it is easier to handle the error at
// acquire time" (Cb_ensure) and the physical-page-plus-byte-slice pair
// (Cb_init_phys) a buffer is described by. This pool generalizes that
// from one page, allocated lazily per circular buffer, to
// kconfig.DmaPoolBuffers fixed slots allocated together on first use.
package dma

import (
	"sync"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
)

// Error enumerates the DMA pool's failure domain from spec.md §7.
type Error int

const (
	ErrPoolExhausted Error = iota + 1
	ErrAllocationFailed
)

func (e Error) Error() string {
	switch e {
	case ErrPoolExhausted:
		return "dma: pool exhausted"
	case ErrAllocationFailed:
		return "dma: buffer allocation failed"
	default:
		return "dma: unknown error"
	}
}

const bufferSize = kconfig.DmaPoolFramesPerBuffer * kconfig.PGSIZE

// Buffer is one acquired pool slot: Phys is its physical base (for
// programming into a PRP/SGL), Virt is the kernel-reachable direct-map
// alias, Size is its byte length.
type Buffer struct {
	Phys mem.Pa
	Virt uintptr
	Size int

	index int
}

// Pool is a fixed set of DmaPoolBuffers contiguous-frame buffers,
// allocated together the first time Acquire is called and handed out
// by index thereafter. Exhaustion is a caller-visible error: spec.md
// §4.L requires callers to fall back to internal/mem.AllocateContiguous
// on demand rather than blocking for a buffer to free up.
type Pool struct {
	mu     sync.Mutex
	frames *mem.Allocator
	inited bool
	base   [kconfig.DmaPoolBuffers]mem.Pa
	used   [kconfig.DmaPoolBuffers]bool
}

// NewPool returns a pool that draws its buffers from frames.
func NewPool(frames *mem.Allocator) *Pool {
	return &Pool{frames: frames}
}

func (p *Pool) ensureInit() error {
	if p.inited {
		return nil
	}
	for i := 0; i < kconfig.DmaPoolBuffers; i++ {
		base, err := p.frames.AllocateContiguous(kconfig.DmaPoolFramesPerBuffer)
		if err != nil {
			return ErrAllocationFailed
		}
		p.base[i] = base
	}
	p.inited = true
	return nil
}

// Acquire reserves the first free slot, zeroes it, and returns its
// descriptor. Buffers are zeroed on every acquire, not just at pool
// creation, so a buffer reused by a different I/O never leaks the
// previous occupant's data.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureInit(); err != nil {
		return nil, err
	}
	for i := 0; i < kconfig.DmaPoolBuffers; i++ {
		if p.used[i] {
			continue
		}
		p.used[i] = true
		clear(p.frames.DmapBytes(p.base[i], bufferSize))
		return &Buffer{
			Phys:  p.base[i],
			Virt:  uintptr(p.base[i]) + p.frames.HDDMOffset(),
			Size:  bufferSize,
			index: i,
		}, nil
	}
	return nil, ErrPoolExhausted
}

// Release returns b's slot to the pool.
func (p *Pool) Release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[b.index] = false
}

// Bytes returns a byte slice over b's contents through the direct map,
// for a caller that wants to read or write the buffer as Go memory
// rather than program its physical address into a device register.
func (p *Pool) Bytes(b *Buffer) []byte {
	return p.frames.DmapBytes(b.Phys, b.Size)
}

// Stats reports how many of the pool's buffers are currently acquired,
// for kstats.
func (p *Pool) Stats() (acquired, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.used {
		if u {
			acquired++
		}
	}
	return acquired, kconfig.DmaPoolBuffers
}
