// Package memmap builds the canonical physical memory map (spec §4.B): the
// sorted, disjoint union of firmware-reported usable regions and kernel/
// device reservations. It is grounded on two sibling kernels in the
// example pack: gopher-os's bootmem allocator walks a raw firmware map the
// same way AddUsable/Reserve do here, and the teacher's internal/acpi
// config shape supplies the Local APIC / IOAPIC windows Reserve needs at
// boot.
package memmap

import (
	"fmt"
	"io"
	"sort"

	"github.com/fabbboy/slopos/internal/klog"
)

// PageSize is the kernel's native page granularity; all regions normalize
// to this alignment.
const PageSize = 4096

// maxRegions bounds the canonical map's backing array. Overflow is fatal
// (spec §4.B "Overflow is fatal") rather than silently dropping regions.
const maxRegions = 1024

// Kind classifies a canonical map entry.
type Kind uint8

const (
	KindUsable Kind = iota
	KindReserved
)

func (k Kind) String() string {
	if k == KindUsable {
		return "usable"
	}
	return "reserved"
}

// Flags are the per-region attribute bits from spec §3.
type Flags uint32

const (
	// FlagExcludeAllocators marks a region that must never be handed to
	// the page-frame allocator, even if it overlaps a usable range.
	FlagExcludeAllocators Flags = 1 << iota
	// FlagAllowPhysToVirt marks a region where an HHDM lookup is valid.
	FlagAllowPhysToVirt
	// FlagMMIO marks a device window.
	FlagMMIO
)

// Region is one canonical map entry.
type Region struct {
	PhysBase uint64
	Length   uint64
	Kind     Kind
	Flags    Flags
	TypeTag  string // e.g. "acpi-reclaim", "acpi-nvs", "framebuffer", "lapic"
	Label    string
}

func (r Region) end() uint64 { return r.PhysBase + r.Length }

func (r Region) contains(addr uint64) bool {
	return addr >= r.PhysBase && addr < r.end()
}

// Map is the canonical, sorted, non-overlapping physical memory map.
type Map struct {
	hhdmBase uint64
	regions  []Region
	log      *klog.Component
}

// New returns an empty canonical map. hhdmBase is the higher-half direct
// mapping offset reported by firmware; any add/reserve call whose base
// lands at or above it is rejected as a virtual address (spec §4.B).
func New(hhdmBase uint64) *Map {
	return &Map{hhdmBase: hhdmBase, log: klog.New("memmap")}
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return alignDown(v+align-1, align) }

func (m *Map) normalize(base, length uint64) (uint64, uint64, error) {
	if m.hhdmBase != 0 && base >= m.hhdmBase {
		return 0, 0, fmt.Errorf("memmap: refusing virtual address 0x%x (hhdm base 0x%x)", base, m.hhdmBase)
	}
	end := alignUp(base+length, PageSize)
	base = alignDown(base, PageSize)
	if end <= base {
		return 0, 0, fmt.Errorf("memmap: zero-length region at 0x%x", base)
	}
	return base, end - base, nil
}

// AddUsable enrolls a firmware-reported usable range.
func (m *Map) AddUsable(base, length uint64, label string) error {
	b, l, err := m.normalize(base, length)
	if err != nil {
		return err
	}
	return m.overlay(Region{PhysBase: b, Length: l, Kind: KindUsable, Label: label})
}

// Reserve overlays a reserved range, splitting/overwriting whatever usable
// or reserved regions it touches (spec §4.B "overlay").
func (m *Map) Reserve(base, length uint64, flags Flags, typeTag, label string) error {
	b, l, err := m.normalize(base, length)
	if err != nil {
		return err
	}
	return m.overlay(Region{PhysBase: b, Length: l, Kind: KindReserved, Flags: flags, TypeTag: typeTag, Label: label})
}

// overlay splits any existing region at the new region's boundaries,
// drops the overlapped slice, inserts the new region, then re-merges
// adjacent equivalent entries.
func (m *Map) overlay(nr Region) error {
	end := nr.end()
	result := make([]Region, 0, len(m.regions)+2)
	for _, r := range m.regions {
		if r.end() <= nr.PhysBase || r.PhysBase >= end {
			result = append(result, r)
			continue
		}
		if r.PhysBase < nr.PhysBase {
			left := r
			left.Length = nr.PhysBase - r.PhysBase
			result = append(result, left)
		}
		if r.end() > end {
			right := r
			right.PhysBase = end
			right.Length = r.end() - end
			result = append(result, right)
		}
	}
	result = append(result, nr)
	sort.Slice(result, func(i, j int) bool { return result[i].PhysBase < result[j].PhysBase })

	merged := mergeAdjacent(result)
	if len(merged) > maxRegions {
		m.log.Fatalf("canonical map overflow: %d regions exceeds capacity %d", len(merged), maxRegions)
	}
	m.regions = merged
	return nil
}

func mergeAdjacent(in []Region) []Region {
	if len(in) == 0 {
		return in
	}
	out := make([]Region, 0, len(in))
	cur := in[0]
	for _, r := range in[1:] {
		if cur.end() == r.PhysBase && cur.Kind == r.Kind && cur.Flags == r.Flags &&
			cur.TypeTag == r.TypeTag && cur.Label == r.Label {
			cur.Length += r.Length
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}

// Count returns the number of canonical map entries.
func (m *Map) Count() int { return len(m.regions) }

// Get returns the i'th entry.
func (m *Map) Get(i int) (Region, bool) {
	if i < 0 || i >= len(m.regions) {
		return Region{}, false
	}
	return m.regions[i], true
}

// Find returns the entry containing addr, if any.
func (m *Map) Find(addr uint64) (Region, bool) {
	for _, r := range m.regions {
		if r.contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// RangeOverlapsReserved reports whether [base, base+length) intersects any
// reserved region.
func (m *Map) RangeOverlapsReserved(base, length uint64) bool {
	end := base + length
	for _, r := range m.regions {
		if r.Kind != KindReserved {
			continue
		}
		if base < r.end() && r.PhysBase < end {
			return true
		}
	}
	return false
}

// ReservedBytes sums the length of reserved regions whose flags contain
// every bit in requiredFlags (pass 0 to total all reserved bytes).
func (m *Map) ReservedBytes(requiredFlags Flags) uint64 {
	var total uint64
	for _, r := range m.regions {
		if r.Kind != KindReserved {
			continue
		}
		if r.Flags&requiredFlags != requiredFlags {
			continue
		}
		total += r.Length
	}
	return total
}

// UsableRegions returns the usable entries in ascending address order, for
// the page-frame allocator to seed from.
func (m *Map) UsableRegions() []Region {
	var out []Region
	for _, r := range m.regions {
		if r.Kind == KindUsable {
			out = append(out, r)
		}
	}
	return out
}

// HighestUsableFrame returns the frame number one past the highest usable
// byte, i.e. the number of frames the allocator must be able to track.
func (m *Map) HighestUsableFrame() uint64 {
	var highest uint64
	for _, r := range m.regions {
		if r.Kind == KindUsable && r.end() > highest {
			highest = r.end()
		}
	}
	return highest / PageSize
}

// DumpTo writes a human-readable rendering of the canonical map, used both
// for boot diagnostics and folded into a panic's crash report (SPEC_FULL
// §4 "region-map dump on panic").
func (m *Map) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "canonical memory map (%d regions):\n", len(m.regions))
	for _, r := range m.regions {
		fmt.Fprintf(w, "  [0x%012x-0x%012x) %-8s flags=%03b tag=%-14s %s\n",
			r.PhysBase, r.end(), r.Kind, r.Flags, r.TypeTag, r.Label)
	}
}
