// Package simdma provides a heap-backed [dma.Backend] for tests and for
// running the engine against a software-modeled controller. Physical
// addresses are identity-mapped virtual addresses, so a register image is
// just a byte slice and "DMA" memory is ordinary Go memory.
package simdma

import (
	"sync"
	"unsafe"

	"github.com/hwstack/xhci/dma"
)

// Backend is a software dma.Backend. Allocations come from the Go heap,
// padded so the returned base satisfies the requested alignment. The
// backend retains every live allocation so the collector cannot move or
// reclaim memory the simulated hardware still references.
type Backend struct {
	mu     sync.Mutex
	allocs map[uintptr][]byte
	pages  int
}

// New returns an empty software backend with a 4 KiB page size.
func New() *Backend {
	return &Backend{allocs: make(map[uintptr][]byte), pages: 4096}
}

// Allocate returns zeroed heap memory with the requested alignment.
func (b *Backend) Allocate(size, align int) (uintptr, uint64, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return 0, 0, dma.ErrNoMemory
	}
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	virt := (base + uintptr(align-1)) &^ uintptr(align-1)

	b.mu.Lock()
	b.allocs[virt] = buf
	b.mu.Unlock()
	return virt, uint64(virt), nil
}

// Free drops the backend's reference to an allocation.
func (b *Backend) Free(virt uintptr, size, align int) {
	b.mu.Lock()
	delete(b.allocs, virt)
	b.mu.Unlock()
}

// MapDeviceRegisters returns the identity mapping of a register image
// previously published with [Backend.RegisterImage].
func (b *Backend) MapDeviceRegisters(phys uint64, size int) (uintptr, error) {
	return uintptr(phys), nil
}

// UnmapDeviceRegisters is a no-op for identity mappings.
func (b *Backend) UnmapDeviceRegisters(virt uintptr, size int) {}

// TranslateToPhysical returns the identity physical address.
func (b *Backend) TranslateToPhysical(virt uintptr) uint64 {
	return uint64(virt)
}

// PageSize returns the simulated native page size.
func (b *Backend) PageSize() int { return b.pages }

// RegisterImage pins a byte slice as a device register file and returns
// the physical address to hand to the controller as its MMIO base.
func (b *Backend) RegisterImage(image []byte) uint64 {
	virt := uintptr(unsafe.Pointer(&image[0]))
	b.mu.Lock()
	b.allocs[virt] = image
	b.mu.Unlock()
	return uint64(virt)
}
