package xhci

import (
	"sync/atomic"
	"unsafe"

	"github.com/hwstack/xhci/dma"
)

// ring is a producer ring: software enqueues TRBs, hardware consumes them.
// The last slot permanently holds a Link TRB back to slot 0 with Toggle
// Cycle set, so the producer cycle state flips on every wrap.
//
// Hardware never rewrites producer cycle bits, so occupancy cannot be read
// back from the ring memory. The dequeue cursor is instead advanced by the
// completion path (retire) as events report TRBs consumed; the ring is full
// when every data slot between the two cursors is unretired.
//
// A ring is never shared writable between two producers; the owner
// serializes enqueue with its own lock.
type ring struct {
	region *dma.Region
	trbs   []Trb
	slots  int // total slot count, including the link slot
	enq    int
	deq    int
	cycle  bool // producer cycle state
	used   int  // unretired TRBs
}

// newRing allocates a ring with the given total slot count. One slot is
// reserved for the Link TRB, so usable capacity is slots-1.
func newRing(b dma.Backend, slots int) (*ring, error) {
	if slots < 2 {
		panic("xhci: ring needs at least two slots")
	}
	region, err := dma.NewRegion(b, slots*TRBSize, dma.AlignRing)
	if err != nil {
		return nil, err
	}
	r := &ring{
		region: region,
		trbs:   unsafe.Slice((*Trb)(unsafe.Pointer(region.Virt())), slots),
		slots:  slots,
		cycle:  true,
	}
	// The link is written without a cycle bit; it is published with the
	// producer cycle each time the enqueue cursor reaches it.
	r.writeTrb(slots-1, linkTrb(region.Phys(), true), false)
	return r, nil
}

// phys returns the physical base address of the ring.
func (r *ring) phys() uint64 {
	return r.region.Phys()
}

// cycleState reports the current producer cycle state.
func (r *ring) cycleState() bool {
	return r.cycle
}

// capacity returns the number of usable data slots.
func (r *ring) capacity() int {
	return r.slots - 1
}

// full reports whether the next enqueue would overwrite an unconsumed TRB.
func (r *ring) full() bool {
	return r.used == r.capacity()
}

// enqueue writes a TRB at the producer cursor with the current cycle bit
// and returns the physical address of the slot it landed in. Callers must
// back off on ErrRingFull rather than overwrite unconsumed entries.
func (r *ring) enqueue(t Trb) (uint64, error) {
	if r.full() {
		return 0, ErrRingFull
	}
	idx := r.enq
	r.writeTrb(idx, t, r.cycle)
	r.used++

	r.enq++
	if r.enq == r.slots-1 {
		// Publish the Link TRB with the producer cycle so hardware
		// follows it, then wrap and flip.
		r.publishLink()
		r.enq = 0
		r.cycle = !r.cycle
	}
	return r.region.PhysAt(idx * TRBSize), nil
}

// retire marks every TRB up to and including the one at phys as consumed,
// advancing the dequeue cursor past it. Completion events identify TRBs by
// physical address.
func (r *ring) retire(phys uint64) bool {
	idx, ok := r.indexOf(phys)
	if !ok || idx == r.slots-1 {
		return false
	}
	// Completions can arrive out of order. A TRB already behind the
	// dequeue cursor was retired by a later one; moving the cursor back
	// to it would re-inflate the occupancy count.
	if r.distance(r.deq, idx) >= r.used {
		return false
	}
	next := idx + 1
	if next == r.slots-1 {
		next = 0
	}
	r.deq = next
	r.used = r.distance(r.deq, r.enq)
	return true
}

// reset restores the ring to its initial empty state. Used when recovering
// command ring ownership after an abort; the caller must have stopped the
// hardware consumer first.
func (r *ring) reset() {
	for i := 0; i < r.slots-1; i++ {
		r.writeTrb(i, Trb{}, false)
	}
	r.writeTrb(r.slots-1, linkTrb(r.region.Phys(), true), false)
	r.enq, r.deq, r.used = 0, 0, 0
	r.cycle = true
}

// dequeuePtr returns the physical address of the dequeue cursor slot and
// the cycle state a consumer should expect there. Used to build Set TR
// Dequeue Pointer commands after endpoint recovery.
func (r *ring) dequeuePtr() (uint64, bool) {
	cs := r.cycle
	if r.deq > r.enq || r.used == r.capacity() {
		// Entries at and after deq were written before the last wrap.
		// The same applies when the ring is exactly full: deq equals
		// enq but the oldest entry carries the pre-flip cycle.
		cs = !r.cycle
	}
	return r.region.PhysAt(r.deq * TRBSize), cs
}

// indexOf maps a slot physical address back to its index.
func (r *ring) indexOf(phys uint64) (int, bool) {
	base := r.region.Phys()
	if phys < base || phys >= base+uint64(r.slots*TRBSize) {
		return 0, false
	}
	off := phys - base
	if off%TRBSize != 0 {
		return 0, false
	}
	return int(off / TRBSize), true
}

// distance counts data slots from index a forward to index b.
func (r *ring) distance(a, b int) int {
	if b >= a {
		return b - a
	}
	return r.capacity() - a + b
}

// writeTrb stores a TRB into ring memory. The Control word is stored last
// and atomically: the cycle bit it carries is what hands the TRB to the
// hardware consumer, so Parameter and Status must be visible first.
func (r *ring) writeTrb(idx int, t Trb, cycle bool) {
	slot := &r.trbs[idx]
	slot.Parameter = t.Parameter
	slot.Status = t.Status
	control := t.Control &^ uint32(trbCycle)
	if cycle {
		control |= trbCycle
	}
	atomic.StoreUint32(&slot.Control, control)
}

// publishLink sets the link slot's cycle bit to the current producer cycle.
func (r *ring) publishLink() {
	link := &r.trbs[r.slots-1]
	control := link.Control &^ uint32(trbCycle)
	if r.cycle {
		control |= trbCycle
	}
	atomic.StoreUint32(&link.Control, control)
}

// free releases the ring memory. The hardware consumer must be stopped.
func (r *ring) free() {
	r.region.Free()
}

// erstEntrySize is the size of one Event Ring Segment Table entry.
const erstEntrySize = 16

// eventRing is the consumer ring: hardware produces event TRBs, software
// drains them. A single contiguous segment is described by a one-entry
// Event Ring Segment Table; the segment is sized so that overflow is an
// exceptional condition, not a routine one.
type eventRing struct {
	segment *dma.Region
	erst    *dma.Region
	trbs    []Trb
	slots   int
	deq     int
	ccs     bool // consumer cycle state
}

// newEventRing allocates the event segment and its segment table.
func newEventRing(b dma.Backend, slots int) (*eventRing, error) {
	segment, err := dma.NewRegion(b, slots*TRBSize, dma.AlignRing)
	if err != nil {
		return nil, err
	}
	erst, err := dma.NewRegion(b, erstEntrySize, dma.AlignContextBlock)
	if err != nil {
		segment.Free()
		return nil, err
	}

	// ERST entry: segment base (8 bytes), segment size in TRBs (2 bytes).
	words := erst.Words64()
	words[0] = segment.Phys()
	words[1] = uint64(slots) & 0xFFFF

	return &eventRing{
		segment: segment,
		erst:    erst,
		trbs:    unsafe.Slice((*Trb)(unsafe.Pointer(segment.Virt())), slots),
		slots:   slots,
		ccs:     true,
	}, nil
}

// next consumes the next hardware-produced event, if one is available. A
// cycle-bit mismatch at the dequeue cursor means hardware has not produced
// a new entry there yet.
func (e *eventRing) next() (Trb, bool) {
	slot := &e.trbs[e.deq]
	control := atomic.LoadUint32(&slot.Control)
	if (control&trbCycle != 0) != e.ccs {
		return Trb{}, false
	}
	trb := Trb{
		Parameter: slot.Parameter,
		Status:    slot.Status,
		Control:   control,
	}
	e.deq++
	if e.deq == e.slots {
		e.deq = 0
		e.ccs = !e.ccs
	}
	return trb, true
}

// dequeuePhys returns the physical address of the consumer cursor, written
// to ERDP to acknowledge processed events.
func (e *eventRing) dequeuePhys() uint64 {
	return e.segment.PhysAt(e.deq * TRBSize)
}

// erstPhys returns the physical address of the segment table.
func (e *eventRing) erstPhys() uint64 {
	return e.erst.Phys()
}

// ringPhys returns the physical address of the event segment.
func (e *eventRing) ringPhys() uint64 {
	return e.segment.Phys()
}

// free releases the segment and table. The controller must be halted.
func (e *eventRing) free() {
	e.erst.Free()
	e.segment.Free()
}
