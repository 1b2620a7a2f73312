// Package kheap implements the kernel heap of spec §4.E: a single
// contiguous virtual window expanded on demand, with size-classed free
// lists and a guarded per-block header whose magic/checksum pair is
// validated on every free. The header layout (magic, size, flags,
// checksum) and the checksum formula (XOR of magic/size/flags) follow the
// data model verbatim; the free-list search generalizes "scan the
// matching class and any larger" into a first-fit walk per class, since a
// split remainder's size is not guaranteed to fill its whole bucket.
package kheap

import (
	"errors"

	"github.com/fabbboy/slopos/internal/klog"
	"github.com/fabbboy/slopos/internal/pagealloc"
	"github.com/fabbboy/slopos/internal/paging"
)

// MaxAllocSize is kmalloc's largest permitted request (spec §4.E step 1).
const MaxAllocSize = 1 << 20

// largeBucketFloor is the top of the power-of-two class chain (spec §3
// "Size classes: powers of two from 16 up to 262144, plus a 'large'
// bucket"); requests above it share one unclassed first-fit list.
const largeBucketFloor = 262144

const (
	headerSize   = 16
	minBlockSize = 16
	chunkBytes   = 64 << 10 // minimum expansion granularity
)

const (
	magicAllocated uint32 = 0xA110C000
	magicFree      uint32 = 0xF4EE0000
)

var (
	ErrInvalidSize  = errors.New("kheap: invalid allocation size")
	ErrOutOfMemory  = errors.New("kheap: out of memory")
	ErrHeapExceeded = errors.New("kheap: window exhausted")
)

type block struct {
	addr     uint64
	size     uint64 // payload bytes, excluding header
	flags    uint32
	magic    uint32
	checksum uint32
	next     *block
}

func checksum(size uint64, flags, magic uint32) uint32 {
	return magic ^ uint32(size) ^ uint32(size>>32) ^ flags
}

func (b *block) stamp(magic uint32) {
	b.magic = magic
	b.checksum = checksum(b.size, b.flags, magic)
}

func (b *block) valid() bool {
	return b.checksum == checksum(b.size, b.flags, b.magic)
}

// classSizes are the power-of-two bucket ceilings up to largeBucketFloor;
// index len(classSizes) is the large bucket.
var classSizes = func() []uint64 {
	var s []uint64
	for c := uint64(16); c <= largeBucketFloor; c <<= 1 {
		s = append(s, c)
	}
	return s
}()

const largeBucketIndex = -1 // sentinel meaning "use len(freeHeads)-1"

// classFor returns the smallest bucket whose ceiling covers size, or the
// large-bucket index when size exceeds every power-of-two class.
func classFor(size uint64) int {
	for i, c := range classSizes {
		if size <= c {
			return i
		}
	}
	return len(classSizes)
}

// Heap is the kernel heap allocator.
type Heap struct {
	start, cur, limit uint64
	dir               *paging.Directory
	alloc             *pagealloc.Allocator
	freeHeads         []*block // len(classSizes)+1; last slot is the large bucket
	live              map[uint64]*block
	allocatedBytes    uint64
	freeBytes         uint64
	log               *klog.Component
}

// New reserves the virtual window [start, limit) for the heap. Nothing is
// mapped until the first expansion.
func New(dir *paging.Directory, alloc *pagealloc.Allocator, start, limit uint64) *Heap {
	return &Heap{
		start:     start,
		cur:       start,
		limit:     limit,
		dir:       dir,
		alloc:     alloc,
		freeHeads: make([]*block, len(classSizes)+1),
		live:      make(map[uint64]*block),
		log:       klog.New("kheap"),
	}
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// expand grows the mapped window by at least minBytes, mapping freshly
// allocated physical frames with supervisor RW flags and appending a
// single large free block (spec §4.E "Expansion").
func (h *Heap) expand(minBytes uint64) error {
	grow := alignUp(minBytes, pagealloc.PageSize)
	if grow < chunkBytes {
		grow = chunkBytes
	}
	if h.cur+grow > h.limit {
		grow = h.limit - h.cur
	}
	if grow == 0 || grow < minBytes {
		return ErrHeapExceeded
	}

	base := h.cur
	pages := grow / pagealloc.PageSize
	mapped := make([]pagealloc.Frame, 0, pages)
	for i := uint64(0); i < pages; i++ {
		f := h.alloc.Alloc(1, pagealloc.AllocFlagKernel)
		if f == pagealloc.InvalidFrame {
			h.rollback(base, mapped)
			return ErrOutOfMemory
		}
		if err := h.dir.Map(base+i*pagealloc.PageSize, f, paging.Present|paging.Writable); err != nil {
			h.alloc.Free(f)
			h.rollback(base, mapped)
			return err
		}
		mapped = append(mapped, f)
	}

	h.cur += grow
	b := &block{addr: base, size: grow - headerSize}
	h.push(b)
	h.log.Debugf("expanded heap by %d bytes at 0x%x", grow, base)
	return nil
}

// rollback unmaps and frees every frame mapped so far during a failed
// expansion (spec §4.E "Rollback on partial failure").
func (h *Heap) rollback(base uint64, mapped []pagealloc.Frame) {
	for i, f := range mapped {
		h.dir.Unmap(base + uint64(i)*pagealloc.PageSize)
		h.alloc.Free(f)
	}
}

func (h *Heap) push(b *block) {
	b.stamp(magicFree)
	cls := classFor(b.size)
	b.next = h.freeHeads[cls]
	h.freeHeads[cls] = b
	h.freeBytes += b.size + headerSize
}

// popFirstFit scans buckets minClass and larger, first-fit within each
// bucket, since a bucket's ceiling is only an upper bound on the blocks it
// holds, not a guarantee every entry satisfies a given request.
func (h *Heap) popFirstFit(minClass int, need uint64) *block {
	for c := minClass; c < len(h.freeHeads); c++ {
		var prev *block
		cur := h.freeHeads[c]
		for cur != nil {
			if cur.size >= need {
				if prev == nil {
					h.freeHeads[c] = cur.next
				} else {
					prev.next = cur.next
				}
				cur.next = nil
				h.freeBytes -= cur.size + headerSize
				return cur
			}
			prev = cur
			cur = cur.next
		}
	}
	return nil
}

// Kmalloc implements spec §4.E's kmalloc steps 1-4.
func (h *Heap) Kmalloc(size uint64) (uint64, error) {
	if size == 0 || size > MaxAllocSize {
		return 0, ErrInvalidSize
	}
	cls := classFor(size)

	b := h.popFirstFit(cls, size)
	if b == nil {
		target := size
		if cls < len(classSizes) {
			target = classSizes[cls]
		}
		if err := h.expand(target + headerSize); err != nil {
			return 0, err
		}
		b = h.popFirstFit(cls, size)
		if b == nil {
			return 0, ErrOutOfMemory
		}
	}

	if remainder := b.size - size; remainder >= headerSize+minBlockSize {
		rem := &block{addr: b.addr + headerSize + size, size: remainder - headerSize}
		h.push(rem)
		b.size = size
	}

	b.stamp(magicAllocated)
	h.allocatedBytes += b.size + headerSize
	ptr := b.addr + headerSize
	h.live[ptr] = b
	return ptr, nil
}

// Kfree implements spec §4.E's kfree steps: validate, reject double-free,
// push onto the matching free list.
func (h *Heap) Kfree(ptr uint64) {
	b, ok := h.live[ptr]
	if !ok {
		h.log.Warnf("kfree: unknown pointer 0x%x", ptr)
		return
	}
	if !b.valid() {
		h.log.Warnf("kfree: corrupt header at 0x%x", ptr)
		return
	}
	if b.magic == magicFree {
		h.log.Warnf("kfree: double free at 0x%x", ptr)
		return
	}
	delete(h.live, ptr)
	h.allocatedBytes -= b.size + headerSize
	h.push(b)
}

// AllocatedBytes and FreeBytes expose the monotonically tracked stats
// spec §4.E requires: AllocatedBytes()+FreeBytes() always equals the
// total mapped window.
func (h *Heap) AllocatedBytes() uint64 { return h.allocatedBytes }
func (h *Heap) FreeBytes() uint64      { return h.freeBytes }
func (h *Heap) MappedBytes() uint64    { return h.cur - h.start }
