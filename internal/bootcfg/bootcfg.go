// Package bootcfg loads a declarative YAML fixture describing a firmware
// memory map, ACPI topology, and boot command line, for the test harness
// and the cmd/slopos demo to boot against without real firmware. The
// struct shapes mirror internal/acpi.Topology and internal/memmap.Region
// directly, the way the teacher builds internal/acpi and internal/chipset
// from declarative config structs.
package bootcfg

import (
	"fmt"
	"os"

	"github.com/fabbboy/slopos/internal/acpi"
	"github.com/fabbboy/slopos/internal/memmap"
	"gopkg.in/yaml.v3"
)

// UsableRegion is one firmware-reported usable range (see memmap.AddUsable).
type UsableRegion struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Label  string `yaml:"label"`
}

// ReservedRegion is one firmware/platform reservation (see memmap.Reserve).
type ReservedRegion struct {
	Base    uint64 `yaml:"base"`
	Length  uint64 `yaml:"length"`
	TypeTag string `yaml:"type"`
	Label   string `yaml:"label"`
	MMIO    bool   `yaml:"mmio"`
	NoAlloc bool   `yaml:"no_alloc"`
}

// InterruptOverride mirrors acpi.InterruptOverride for YAML decoding.
type InterruptOverride struct {
	Bus   uint8  `yaml:"bus"`
	IRQ   uint8  `yaml:"irq"`
	GSI   uint32 `yaml:"gsi"`
	Flags uint16 `yaml:"flags"`
}

// Topology mirrors acpi.Topology for YAML decoding.
type Topology struct {
	NumCPUs      int                 `yaml:"num_cpus"`
	LAPICBase    uint32              `yaml:"lapic_base"`
	IOAPICID     uint8               `yaml:"ioapic_id"`
	IOAPICBase   uint32              `yaml:"ioapic_base"`
	IOAPICGSI    uint32              `yaml:"ioapic_gsi_base"`
	ISAOverrides []InterruptOverride `yaml:"isa_overrides"`
}

// Fixture is the full top-level YAML document: a firmware memory map, an
// ACPI topology, and the boot command line to parse them with.
type Fixture struct {
	HHDMBase uint64           `yaml:"hhdm_base"`
	Usable   []UsableRegion   `yaml:"usable"`
	Reserved []ReservedRegion `yaml:"reserved"`
	Topology Topology         `yaml:"topology"`
	Cmdline  string           `yaml:"cmdline"`
}

// Load reads and decodes a Fixture from path.
func Load(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a Fixture from raw YAML bytes.
func Parse(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("bootcfg: decode: %w", err)
	}
	return f, nil
}

// BuildMap materializes f's usable/reserved regions into a fresh
// memmap.Map, in declaration order (usable first, then reservations
// overlaid on top), matching spec §4.B's overlay semantics.
func (f Fixture) BuildMap() (*memmap.Map, error) {
	m := memmap.New(f.HHDMBase)
	for _, u := range f.Usable {
		if err := m.AddUsable(u.Base, u.Length, u.Label); err != nil {
			return nil, fmt.Errorf("bootcfg: usable region %q: %w", u.Label, err)
		}
	}
	for _, r := range f.Reserved {
		var flags memmap.Flags
		if r.MMIO {
			flags |= memmap.FlagMMIO
		}
		if r.NoAlloc {
			flags |= memmap.FlagExcludeAllocators
		}
		if err := m.Reserve(r.Base, r.Length, flags, r.TypeTag, r.Label); err != nil {
			return nil, fmt.Errorf("bootcfg: reserved region %q: %w", r.Label, err)
		}
	}
	return m, nil
}

// BuildTopology converts f's decoded Topology into an acpi.Topology,
// filling architectural defaults via Normalize the same way a real MADT
// walk would leave zeroed fields for Normalize to backfill.
func (f Fixture) BuildTopology() acpi.Topology {
	overrides := make([]acpi.InterruptOverride, len(f.Topology.ISAOverrides))
	for i, o := range f.Topology.ISAOverrides {
		overrides[i] = acpi.InterruptOverride{Bus: o.Bus, IRQ: o.IRQ, GSI: o.GSI, Flags: o.Flags}
	}
	t := acpi.Topology{
		NumCPUs:   f.Topology.NumCPUs,
		LAPICBase: f.Topology.LAPICBase,
		IOAPIC: acpi.IOAPICConfig{
			ID:      f.Topology.IOAPICID,
			Address: f.Topology.IOAPICBase,
			GSIBase: f.Topology.IOAPICGSI,
		},
		ISAOverrides: overrides,
	}
	t.Normalize()
	return t
}
