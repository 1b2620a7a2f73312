//go:build slopos_mmap

package pagealloc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// guardPageSize is appended past the tracked frames and mprotect'd
// PROT_NONE, so an access that runs past the end of the arena hits a
// genuinely unmapped page and faults. Grounded on the teacher's internal/hv/kvm
// package, which mmaps guest memory the same way before handing it to
// the VM (kvm.go's createVM).
const guardPageSize = PageSize

// physArena backs Alloc's ALLOC_FLAG_ZERO path with a real unix.Mmap'd
// anonymous region when built with the slopos_mmap tag.
type physArena struct {
	full  []byte // the whole mapping, including the trailing guard page
	bytes []byte // the usable frames, full minus the guard page
}

func newPhysArena(totalFrames uint64) (*physArena, error) {
	size := int(totalFrames*PageSize) + guardPageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pagealloc: mmap phys arena: %w", err)
	}
	guard := mem[len(mem)-guardPageSize:]
	if err := unix.Mprotect(guard, unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("pagealloc: mprotect guard page: %w", err)
	}
	return &physArena{full: mem, bytes: mem[:len(mem)-guardPageSize]}, nil
}

// zero clears count frames starting at base and verifies every byte
// actually reads back zero, matching spec §4.C step 6's "zero ... on
// failure, free the block and report out-of-memory."
func (a *physArena) zero(base Frame, count uint64) bool {
	off := uint64(base) * PageSize
	n := count * PageSize
	if off+n > uint64(len(a.bytes)) {
		return false
	}
	region := a.bytes[off : off+n]
	for i := range region {
		region[i] = 0
	}
	for _, b := range region {
		if b != 0 {
			return false
		}
	}
	return true
}

func (a *physArena) close() error { return unix.Munmap(a.full) }
