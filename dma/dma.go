package dma

import (
	"errors"
	"fmt"
	"unsafe"
)

// Alignment requirements fixed by the xHCI specification, by structure kind.
const (
	// AlignRing is the alignment for TRB rings (command, event, transfer).
	AlignRing = 16

	// AlignContext is the alignment for individual slot/endpoint contexts.
	AlignContext = 32

	// AlignContextBlock is the alignment for device contexts, input
	// contexts, the DCBAA, and the scratchpad buffer array.
	AlignContextBlock = 64

	// AlignBuffer is the alignment used for transfer bounce buffers.
	// Cache-line alignment avoids partial-line DMA on every platform
	// the stack has been run on.
	AlignBuffer = 64
)

// Allocation errors.
var (
	// ErrNoMemory indicates the backend could not satisfy an allocation.
	ErrNoMemory = errors.New("dma: out of contiguous memory")

	// ErrMapFailed indicates a device register region could not be mapped.
	ErrMapFailed = errors.New("dma: register mapping failed")
)

// Backend supplies physically contiguous memory and device register access.
//
// Implementations are provided by the integrating environment (kernel page
// allocator, bootloader identity map, or a software model for testing).
// All methods must be safe for concurrent use.
type Backend interface {
	// Allocate returns a physically contiguous region of at least size
	// bytes with the requested power-of-two alignment. The memory is
	// zeroed. Returns the virtual and physical base addresses.
	Allocate(size, align int) (virt uintptr, phys uint64, err error)

	// Free releases a region previously returned by Allocate. The size
	// and alignment must match the original request.
	Free(virt uintptr, size, align int)

	// MapDeviceRegisters maps a physical MMIO range into the virtual
	// address space with device-memory attributes (uncached).
	MapDeviceRegisters(phys uint64, size int) (uintptr, error)

	// UnmapDeviceRegisters releases a mapping created by
	// MapDeviceRegisters.
	UnmapDeviceRegisters(virt uintptr, size int)

	// TranslateToPhysical returns the physical address backing a virtual
	// address inside a region returned by Allocate.
	TranslateToPhysical(virt uintptr) uint64

	// PageSize returns the native page size in bytes.
	PageSize() int
}

// Region is an owned, physically contiguous allocation. It is created by
// whichever ring or context structure needs it and freed when that owner
// is torn down.
type Region struct {
	backend Backend
	virt    uintptr
	phys    uint64
	size    int
	align   int
}

// NewRegion allocates a zeroed region from the backend. It panics if the
// backend returns memory that violates the requested alignment, since a
// misaligned hardware structure corrupts controller state in ways no
// caller can recover from.
func NewRegion(b Backend, size, align int) (*Region, error) {
	virt, phys, err := b.Allocate(size, align)
	if err != nil {
		return nil, fmt.Errorf("dma: allocate %d bytes align %d: %w", size, align, err)
	}
	if virt%uintptr(align) != 0 || phys%uint64(align) != 0 {
		panic(fmt.Sprintf("dma: backend returned misaligned region (virt %#x phys %#x align %d)",
			virt, phys, align))
	}
	return &Region{backend: b, virt: virt, phys: phys, size: size, align: align}, nil
}

// Virt returns the virtual base address of the region.
func (r *Region) Virt() uintptr { return r.virt }

// Phys returns the physical base address of the region.
func (r *Region) Phys() uint64 { return r.phys }

// Size returns the region size in bytes.
func (r *Region) Size() int { return r.size }

// Bytes returns the region contents as a byte slice. The slice aliases
// device-visible memory; hardware may read it while it is installed.
func (r *Region) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.virt)), r.size)
}

// Words64 returns the region as a slice of 64-bit words, used for pointer
// arrays such as the DCBAA and the scratchpad buffer array.
func (r *Region) Words64() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(r.virt)), r.size/8)
}

// PhysAt returns the physical address of the byte at the given offset.
func (r *Region) PhysAt(offset int) uint64 {
	if offset < 0 || offset >= r.size {
		panic(fmt.Sprintf("dma: offset %d outside region of %d bytes", offset, r.size))
	}
	return r.phys + uint64(offset)
}

// Free returns the region to the backend. The caller must guarantee the
// hardware can no longer reference it.
func (r *Region) Free() {
	if r.virt == 0 {
		return
	}
	r.backend.Free(r.virt, r.size, r.align)
	r.virt = 0
}
