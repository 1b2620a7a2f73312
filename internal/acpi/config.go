// Package acpi describes the firmware-provided APIC/IOAPIC topology that
// SlopOS reads during the memory phase of boot. Unlike a hypervisor's ACPI
// table writer, SlopOS is the guest: it only ever consumes these values
// (by reading the APIC-base MSR and the MADT at boot) to know where to
// reserve the Local APIC MMIO window and how many IOAPIC GSIs are wired.
package acpi

// Topology carries the subset of platform discovery data the reservation
// map and interrupt core need. All addresses are physical.
type Topology struct {
	NumCPUs   int
	LAPICBase uint32

	IOAPIC IOAPICConfig

	// ISAOverrides mirrors MADT INT_SRC_OVR entries: legacy ISA IRQs that
	// are rerouted to a different GSI with non-default polarity/trigger.
	ISAOverrides []InterruptOverride
}

// IOAPICConfig describes the IO-APIC entry read out of the MADT.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptOverride describes a single MADT INT_SRC_OVR entry.
type InterruptOverride struct {
	Bus   uint8  // typically 0 (ISA)
	IRQ   uint8  // source IRQ
	GSI   uint32 // destination GSI
	Flags uint16 // polarity/trigger encoding per ACPI spec
}

// x86_64 default MMIO bases, used when firmware doesn't override them.
const (
	DefaultLAPICBase  uint32 = 0xFEE00000
	DefaultIOAPICBase uint32 = 0xFEC00000
)

// Normalize fills in architectural defaults for fields the firmware left
// zeroed. NumCPUs defaults to 1 when unset; a positive firmware count is
// kept as given.
func (t *Topology) Normalize() {
	if t.NumCPUs <= 0 {
		t.NumCPUs = 1
	}
	if t.LAPICBase == 0 {
		t.LAPICBase = DefaultLAPICBase
	}
	if t.IOAPIC.Address == 0 {
		t.IOAPIC.Address = DefaultIOAPICBase
	}
}
