// Package paging implements the four-level x86_64 address-translation
// model of spec §4.D. Physical frames that back page tables are simulated
// the way the teacher's RV64 MMU (_examples/tinyrange-cc/internal/hv/
// riscv/rv64/mmu.go) simulates guest memory: a table is identified by the
// pagealloc.Frame that owns it and its contents live in a frame->table
// registry rather than behind a raw byte-addressable physical bus, since
// this engine has no host process mapping real RAM underneath it.
package paging

import (
	"fmt"

	"github.com/fabbboy/slopos/internal/klog"
	"github.com/fabbboy/slopos/internal/pagealloc"
)

// Flags are the low-order PTE attribute bits (spec §3's per-mapping
// flags), laid out the way real x86_64 PTEs pack them below bit 12.
type Flags uint64

const (
	Present Flags = 1 << iota
	Writable
	User
	WriteThrough
	CacheDisable
	Accessed
	Dirty
	Huge
	Global
)

const entriesPerTable = 512

// entry is one 64-bit page-table slot: frame number in the high bits,
// flags in the low 12.
type entry uint64

func makeEntry(f pagealloc.Frame, flags Flags) entry {
	return entry(uint64(f)<<12 | uint64(flags&0xfff))
}
func (e entry) present() bool      { return Flags(e)&Present != 0 }
func (e entry) flags() Flags       { return Flags(e) & 0xfff }
func (e entry) frame() pagealloc.Frame { return pagealloc.Frame(uint64(e) >> 12) }

type table struct {
	entries [entriesPerTable]entry
}

func indices(virt uint64) (pml4i, pdpti, pdi, pti int) {
	pml4i = int((virt >> 39) & 0x1ff)
	pdpti = int((virt >> 30) & 0x1ff)
	pdi = int((virt >> 21) & 0x1ff)
	pti = int((virt >> 12) & 0x1ff)
}

// Directory is one PML4 and every table reachable from it. Per-process
// directories share the upper half (kernel) table pointers with the
// kernel directory by copying PML4 entries 256-511 verbatim; they never
// copy the tables those entries point to.
type Directory struct {
	pml4   pagealloc.Frame
	tables map[pagealloc.Frame]*table
	alloc  *pagealloc.Allocator
	log    *klog.Component
}

// NewKernel builds the kernel's PML4, built once and never destroyed
// (spec §4.D "is never destroyed").
func NewKernel(alloc *pagealloc.Allocator) (*Directory, error) {
	d := &Directory{tables: make(map[pagealloc.Frame]*table), alloc: alloc, log: klog.New("paging")}
	f, err := d.newTable()
	if err != nil {
		return nil, err
	}
	d.pml4 = f
	return d, nil
}

// NewProcess builds a process directory that aliases kernel's upper-half
// PML4 entries and owns an independent lower half.
func NewProcess(kernel *Directory) (*Directory, error) {
	// Aliased entries reference the kernel's own child tables, not a copy;
	// the process shares the kernel's frame-to-table registry so walks
	// started from this directory resolve them at every level.
	d := &Directory{tables: kernel.tables, alloc: kernel.alloc, log: kernel.log}
	f, err := d.newTable()
	if err != nil {
		return nil, err
	}
	d.pml4 = f

	kroot := kernel.tables[kernel.pml4]
	proot := d.tables[f]
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		proot.entries[i] = kroot.entries[i]
	}
	return d, nil
}

func (d *Directory) newTable() (pagealloc.Frame, error) {
	f := d.alloc.Alloc(1, pagealloc.AllocFlagKernel|pagealloc.AllocFlagZero)
	if f == pagealloc.InvalidFrame {
		return pagealloc.InvalidFrame, fmt.Errorf("paging: out of frames for page table")
	}
	d.tables[f] = &table{}
	return f, nil
}

// PML4Phys returns the physical frame of the directory's top-level table,
// the value CR3 is loaded with when a task whose address space is d runs
// (spec §4.G "CR3 to the target directory's PML4 physical address").
func (d *Directory) PML4Phys() pagealloc.Frame { return d.pml4 }

// childUserFlag returns the flag an intermediate table must carry when it
// is being created to reach a page mapped with User set — spec §4.D:
// "intermediate tables destined to cover user-accessible pages must
// themselves have the user bit set."
func childUserFlag(pageFlags Flags) Flags {
	if pageFlags&User != 0 {
		return Present | Writable | User
	}
	return Present | Writable
}

// walkOrCreate returns the table at the next level down from cur at
// index idx, allocating and linking a fresh one if absent.
func (d *Directory) walkOrCreate(cur *table, idx int, pageFlags Flags) (*table, error) {
	e := cur.entries[idx]
	if e.present() {
		return d.tables[e.frame()], nil
	}
	f, err := d.newTable()
	if err != nil {
		return nil, err
	}
	cur.entries[idx] = makeEntry(f, childUserFlag(pageFlags))
	return d.tables[f], nil
}

// Map installs a single 4 KiB mapping, allocating any missing intermediate
// tables on demand (spec §4.D).
func (d *Directory) Map(virt uint64, phys pagealloc.Frame, flags Flags) error {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := d.tables[d.pml4]
	pdpt, err := d.walkOrCreate(pml4, pml4i, flags)
	if err != nil {
		return err
	}
	pd, err := d.walkOrCreate(pdpt, pdpti, flags)
	if err != nil {
		return err
	}
	pt, err := d.walkOrCreate(pd, pdi, flags)
	if err != nil {
		return err
	}
	pt.entries[pti] = makeEntry(phys, flags|Present)
	return nil
}

// Unmap clears a single 4 KiB mapping without reclaiming any now-empty
// intermediate table (callers that need the space back use DestroyProcess
// for the process-wide reclaim spec §4.D describes).
func (d *Directory) Unmap(virt uint64) {
	pml4i, pdpti, pdi, pti := indices(virt)
	pml4 := d.tables[d.pml4]
	e := pml4.entries[pml4i]
	if !e.present() {
		return
	}
	pdpt := d.tables[e.frame()]
	e = pdpt.entries[pdpti]
	if !e.present() {
		return
	}
	pd := d.tables[e.frame()]
	e = pd.entries[pdi]
	if !e.present() {
		return
	}
	pt := d.tables[e.frame()]
	pt.entries[pti] = 0
}

// VirtToPhys walks the directory and returns the physical frame and byte
// offset backing virt, or ok=false if any level is not present.
func (d *Directory) VirtToPhys(virt uint64) (frame pagealloc.Frame, offset uint64, ok bool) {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4, exists := d.tables[d.pml4]
	if !exists {
		return 0, 0, false
	}
	e := pml4.entries[pml4i]
	if !e.present() {
		return 0, 0, false
	}
	pdpt := d.tables[e.frame()]
	e = pdpt.entries[pdpti]
	if !e.present() {
		return 0, 0, false
	}
	pd := d.tables[e.frame()]
	e = pd.entries[pdi]
	if !e.present() {
		return 0, 0, false
	}
	pt := d.tables[e.frame()]
	e = pt.entries[pti]
	if !e.present() {
		return 0, 0, false
	}
	return e.frame(), virt & 0xfff, true
}

// IsUserAccessible walks the directory and verifies every level has
// Present and User set (spec §4.D "verifies every level has P and U/S"),
// the check copy_from_user/copy_to_user run per spanned page.
func (d *Directory) IsUserAccessible(virt uint64) bool {
	pml4i, pdpti, pdi, pti := indices(virt)
	req := Present | User

	pml4, exists := d.tables[d.pml4]
	if !exists {
		return false
	}
	e := pml4.entries[pml4i]
	if Flags(e)&req != req {
		return false
	}
	pdpt, ok := d.tables[e.frame()]
	if !ok {
		return false
	}
	e = pdpt.entries[pdpti]
	if Flags(e)&req != req {
		return false
	}
	pd, ok := d.tables[e.frame()]
	if !ok {
		return false
	}
	e = pd.entries[pdi]
	if Flags(e)&req != req {
		return false
	}
	pt, ok := d.tables[e.frame()]
	if !ok {
		return false
	}
	e = pt.entries[pti]
	return Flags(e)&req == req
}

// DestroyProcess frees only the user-owned lower-half tables and the PML4
// itself; aliased upper-half (kernel) entries are left untouched (spec
// §4.D).
func (d *Directory) DestroyProcess() {
	pml4 := d.tables[d.pml4]
	for i := 0; i < entriesPerTable/2; i++ {
		e := pml4.entries[i]
		if !e.present() {
			continue
		}
		d.freeSubtree(e.frame(), 2)
	}
	d.alloc.Free(d.pml4)
	delete(d.tables, d.pml4)
}

// freeSubtree recursively frees a table and its children down to depth
// levelsRemaining (PDPT=2, PD=1, PT=0 meaning leaf page tables own no
// further children to walk, only their own frame).
func (d *Directory) freeSubtree(f pagealloc.Frame, levelsRemaining int) {
	t, ok := d.tables[f]
	if ok && levelsRemaining > 0 {
		for _, e := range t.entries {
			if e.present() {
				d.freeSubtree(e.frame(), levelsRemaining-1)
			}
		}
	}
	d.alloc.Free(f)
	delete(d.tables, f)
}
