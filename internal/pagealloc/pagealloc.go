// Package pagealloc implements the buddy page-frame allocator of spec
// §4.C: a power-of-two order buddy system seeded from memmap's canonical
// usable regions, DMA-aware, and region-scoped so blocks never coalesce
// across the firmware region that seeded them.
//
// The free-list design follows spec §9's design note: frames are tracked
// in a flat arena (Descriptors) addressed by index, and free lists are
// singly-linked through each descriptor's NextFree field terminated by the
// InvalidFrame sentinel — never by sharing Go pointers across the list, so
// the whole allocator is trivially relocatable and easy to reason about
// under the "interrupts-off while mutating" concurrency model of §5.
package pagealloc

import (
	"fmt"
	"math/bits"

	"github.com/fabbboy/slopos/internal/klog"
	"github.com/fabbboy/slopos/internal/memmap"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Frame is a physical frame number (physical address / PageSize).
type Frame uint64

// InvalidFrame terminates every free list and marks "no block found".
const InvalidFrame Frame = ^Frame(0)

const PageSize = memmap.PageSize

// State is the frame descriptor's lifecycle state (spec §3).
type State uint8

const (
	StateFree State = iota
	StateAllocated
	StateReserved
	StateKernel
	StateDMA
)

// AllocFlags control Alloc's block selection and post-allocation state.
type AllocFlags uint32

const (
	AllocFlagZero AllocFlags = 1 << iota
	AllocFlagDMA
	AllocFlagKernel
	// orderOverrideShift packs an explicit minimum order into the high
	// bits of the flags word (spec §4.C step 2, "optional order override
	// encoded in the request flags").
	orderOverrideShift = 24
	orderOverrideMask  = 0xff << orderOverrideShift
)

// WithOrderOverride encodes a minimum order into flags.
func WithOrderOverride(flags AllocFlags, order uint8) AllocFlags {
	return (flags &^ orderOverrideMask) | AllocFlags(order)<<orderOverrideShift
}

func orderOverride(flags AllocFlags) uint8 {
	return uint8((flags & orderOverrideMask) >> orderOverrideShift)
}

// Descriptor is the per-frame tracking record (spec §3 "Page frame
// descriptor"). Order is only meaningful while the frame heads a free
// block.
type Descriptor struct {
	RefCount atomicbitops.Uint32
	State    State
	Flags    AllocFlags
	Order    uint8
	RegionID uint16
	NextFree Frame
}

// Allocator is the buddy page-frame allocator.
type Allocator struct {
	descriptors []Descriptor
	freeHeads   []Frame // index: order
	maxOrder    uint8
	dmaLimit    uint64 // bytes; blocks entirely below this satisfy ALLOC_FLAG_DMA
	freeFrames  atomicbitops.Uint64
	log         *klog.Component
	arena       *physArena
}

// defaultMaxOrderCap bounds buddy coverage to at most 2^20 frames (4GiB of
// 4KiB pages) per order-0 run, matching "buddy coverage ≤ 2^MAX_ORDER
// frames" without letting a huge machine produce an unreasonably large
// single free-list entry.
const defaultMaxOrderCap = 20

// New seeds a buddy allocator by walking m's usable regions, matching
// spec §4.C's "seeded by walking the canonical map's usable regions".
// dmaLimit is the byte address below which ALLOC_FLAG_DMA requests must
// land (0 disables DMA-limited allocation entirely, as if every block
// qualifies).
func New(m *memmap.Map, dmaLimit uint64) *Allocator {
	total := m.HighestUsableFrame()
	maxOrder := uint8(0)
	if total > 0 {
		maxOrder = uint8(bits.Len64(total - 1))
	}
	if maxOrder > defaultMaxOrderCap {
		maxOrder = defaultMaxOrderCap
	}

	arena, err := newPhysArena(total)
	if err != nil {
		// The default (non-mmap) arena is backed by make([]byte, ...) and
		// cannot fail; only the slopos_mmap build's real unix.Mmap call
		// can land here, and a dead physical-memory mapping at boot is
		// unrecoverable the same way the teacher's kvm.go treats a failed
		// guest-memory mmap as fatal to VM creation.
		klog.New("pagealloc").Fatalf("new: %v", err)
	}

	a := &Allocator{
		descriptors: make([]Descriptor, total),
		freeHeads:   make([]Frame, maxOrder+1),
		maxOrder:    maxOrder,
		dmaLimit:    dmaLimit,
		log:         klog.New("pagealloc"),
		arena:       arena,
	}
	for i := range a.descriptors {
		a.descriptors[i].State = StateReserved
		a.descriptors[i].NextFree = InvalidFrame
	}
	for o := range a.freeHeads {
		a.freeHeads[o] = InvalidFrame
	}

	for regionID, region := range m.UsableRegions() {
		a.seedRegion(uint16(regionID), region)
	}
	a.log.Infof("seeded %d frames across %d regions, max_order=%d", total, len(m.UsableRegions()), maxOrder)
	return a
}

func (a *Allocator) seedRegion(regionID uint16, r memmap.Region) {
	start := Frame(r.PhysBase / PageSize)
	count := Frame(r.Length / PageSize)
	for count > 0 {
		// Largest order whose 2^order block both fits in the remaining
		// run and is aligned to 2^order within the region.
		order := a.maxOrder
		for order > 0 {
			blockLen := Frame(1) << order
			if blockLen <= count && start%blockLen == 0 {
				break
			}
			order--
		}
		blockLen := Frame(1) << order
		for i := Frame(0); i < blockLen; i++ {
			d := &a.descriptors[start+i]
			d.State = StateFree
			d.RegionID = regionID
		}
		a.pushFree(order, start)
		a.freeFrames.Add(uint64(blockLen))
		start += blockLen
		count -= blockLen
	}
}

func (a *Allocator) pushFree(order uint8, f Frame) {
	d := &a.descriptors[f]
	d.Order = order
	d.State = StateFree
	d.NextFree = a.freeHeads[order]
	a.freeHeads[order] = f
}

// removeFree detaches f from order's free list. f must currently head
// that order's free chain somewhere; it is a bug to call this otherwise.
func (a *Allocator) removeFree(order uint8, f Frame) {
	if a.freeHeads[order] == f {
		a.freeHeads[order] = a.descriptors[f].NextFree
		a.descriptors[f].NextFree = InvalidFrame
		return
	}
	prev := a.freeHeads[order]
	for prev != InvalidFrame {
		next := a.descriptors[prev].NextFree
		if next == f {
			a.descriptors[prev].NextFree = a.descriptors[f].NextFree
			a.descriptors[f].NextFree = InvalidFrame
			return
		}
		prev = next
	}
	a.log.Fatalf("removeFree: frame %d not found on order %d free list", f, order)
}

func orderFor(count uint64) uint8 {
	if count <= 1 {
		return 0
	}
	return uint8(bits.Len64(count - 1))
}

// Alloc reserves 2^order (order = smallest power of two >= count, clamped
// to MaxOrder) contiguous frames and returns the base frame, or
// InvalidFrame on exhaustion (spec §4.C "no suitable block -> return 0").
func (a *Allocator) Alloc(count uint64, flags AllocFlags) Frame {
	if count == 0 {
		return InvalidFrame
	}
	order := orderFor(count)
	if override := orderOverride(flags); override > order {
		order = override
	}
	if order > a.maxOrder {
		order = a.maxOrder
	}

	base := a.findAndSplit(order, flags&AllocFlagDMA != 0)
	if base == InvalidFrame {
		return InvalidFrame
	}

	if flags&AllocFlagZero != 0 && !a.arena.zero(base, uint64(1)<<order) {
		a.log.Warnf("alloc: zero-via-hhdm-alias failed for frame %d order %d, reporting out-of-memory", base, order)
		a.pushFree(order, base)
		return InvalidFrame
	}

	d := &a.descriptors[base]
	switch {
	case flags&AllocFlagDMA != 0:
		d.State = StateDMA
	case flags&AllocFlagKernel != 0:
		d.State = StateKernel
	default:
		d.State = StateAllocated
	}
	d.Flags = flags
	d.RefCount.Store(1)
	a.freeFrames.Add(^uint64(uint64(1)<<order - 1)) // subtract 2^order, wrapping decrement

	return base
}

func (a *Allocator) blockFitsDMA(f Frame, order uint8) bool {
	if a.dmaLimit == 0 {
		return true
	}
	highest := (uint64(f) + uint64(1)<<order) * PageSize
	return highest <= a.dmaLimit
}

func (a *Allocator) findAndSplit(order uint8, dma bool) Frame {
	for o := order; o <= a.maxOrder; o++ {
		f := a.freeHeads[o]
		for f != InvalidFrame {
			if !dma || a.blockFitsDMA(f, order) {
				a.removeFree(o, f)
				return a.splitDown(f, o, order)
			}
			f = a.descriptors[f].NextFree
		}
	}
	return InvalidFrame
}

// splitDown repeatedly halves a block of order cur down to order want,
// pushing the freed buddy half onto its own free list each time (spec
// §4.C step 4).
func (a *Allocator) splitDown(f Frame, cur, want uint8) Frame {
	for cur > want {
		cur--
		buddy := f + Frame(1)<<cur
		a.pushFree(cur, buddy)
	}
	a.descriptors[f].Order = cur
	return f
}

// Free releases the block headed at base, of the order recorded when it
// was allocated (spec §4.C "Free"). Freeing
// an unallocated or already-free frame is a silent no-op, matching "double-
// frees are tolerated silently at this layer."
func (a *Allocator) Free(base Frame) {
	if base >= Frame(len(a.descriptors)) {
		a.log.Warnf("free: frame %d out of tracked range", base)
		return
	}
	d := &a.descriptors[base]
	if d.State == StateFree || d.State == StateReserved {
		return
	}
	if d.RefCount.Load() > 1 {
		d.RefCount.Add(^uint32(0)) // -1
		return
	}

	order := d.Order
	regionID := d.RegionID
	d.State = StateFree
	d.RefCount.Store(0)
	a.freeFrames.Add(uint64(1) << order)

	frame := base
	for order < a.maxOrder {
		buddy := frame ^ (Frame(1) << order)
		if buddy >= Frame(len(a.descriptors)) {
			break
		}
		bd := &a.descriptors[buddy]
		if bd.State != StateFree || bd.Order != order || bd.RegionID != regionID {
			break
		}
		a.removeFree(order, buddy)
		if buddy < frame {
			frame = buddy
		}
		order++
	}
	a.pushFree(order, frame)
}

// FreeListLength returns the number of blocks currently queued at order,
// for tests asserting the round-trip/idempotence laws of spec §8.
func (a *Allocator) FreeListLength(order uint8) int {
	n := 0
	for f := a.freeHeads[order]; f != InvalidFrame; f = a.descriptors[f].NextFree {
		n++
	}
	return n
}

// FreeFrames returns the current count of free (order-0-equivalent) frames.
func (a *Allocator) FreeFrames() uint64 { return a.freeFrames.Load() }

// MaxOrder reports the allocator's clamp ceiling.
func (a *Allocator) MaxOrder() uint8 { return a.maxOrder }

// TotalFrames reports the number of frames this allocator tracks, for the
// sys_info syscall's memory summary.
func (a *Allocator) TotalFrames() uint64 { return uint64(len(a.descriptors)) }

// Close releases the allocator's backing physical arena. Only meaningful
// for the slopos_mmap build, where it munmaps the region; the default
// build's plain-slice arena needs no explicit release, but callers should
// still call Close when tearing an allocator down so either build works
// unchanged.
func (a *Allocator) Close() error { return a.arena.close() }

// Descriptor returns a copy of frame f's descriptor, for inspection by
// tests and the heap/paging layers above.
func (a *Allocator) Descriptor(f Frame) (Descriptor, error) {
	if f >= Frame(len(a.descriptors)) {
		return Descriptor{}, fmt.Errorf("pagealloc: frame %d out of range", f)
	}
	return a.descriptors[f], nil
}
