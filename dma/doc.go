// Package dma defines the memory capability an integrator must supply to
// run the xHCI engine: physically contiguous allocation, device register
// mapping, and virtual-to-physical translation.
//
// The engine never allocates DMA memory itself. Every ring, context block,
// and bounce buffer is obtained through a [Backend], and the integrating
// kernel or bootloader decides where that memory lives and how registers
// are mapped. This mirrors how platform vendors plug hardware access into
// the stack without changing the core.
//
// # Alignment Contract
//
// Hardware fixes the alignment of each structure kind:
//
//   - Transfer/command/event rings: 16 bytes ([AlignRing])
//   - Slot and endpoint contexts: 32 bytes ([AlignContext])
//   - Device/input contexts and the DCBAA: 64 bytes ([AlignContextBlock])
//   - Scratchpad buffers: one native page
//
// Alignment violations are caller contract violations, not recoverable
// errors; [NewRegion] panics rather than returning a misaligned region.
package dma
