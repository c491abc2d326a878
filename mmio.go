package xhci

import (
	"sync/atomic"
	"unsafe"
)

// Register access uses atomic loads and stores on the mapped MMIO region.
// Go has no volatile qualifier; atomics give the required ordering and keep
// the compiler from caching or eliding device accesses.

// mmio is a mapped register window.
type mmio struct {
	base uintptr
	size int
}

func (m mmio) read32(offset int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(m.base + uintptr(offset))))
}

func (m mmio) write32(offset int, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(m.base+uintptr(offset))), val)
}

func (m mmio) read64(offset int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(m.base + uintptr(offset))))
}

// write64 stores a 64-bit register low word first, as required for
// controllers with 32-bit register interfaces.
func (m mmio) write64(offset int, val uint64) {
	m.write32(offset, uint32(val))
	m.write32(offset+4, uint32(val>>32))
}

func (m mmio) read8(offset int) uint8 {
	// 8-bit fields live inside 32-bit registers; read the containing
	// word and extract, so access width stays register-sized.
	word := m.read32(offset &^ 3)
	return uint8(word >> uint((offset&3)*8))
}
