package xhci

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hwstack/xhci/dma"
)

// tdEntry records one TRB of a transfer descriptor: where it sits in the
// ring and which byte range of the payload it carries.
type tdEntry struct {
	phys   uint64
	offset int
	length int
}

// transferWaiter correlates an in-flight transfer descriptor with the
// caller expecting its completion. It resolves exactly once; a late event
// for an already-resolved waiter is discarded by the endpoint ring.
type transferWaiter struct {
	entries []tdEntry

	// hasStatusStage marks control TDs: a short packet on the data stage
	// still executes the status stage, so resolution waits for the final
	// event. Bulk/interrupt TDs resolve at the short packet, since the
	// controller skips the remainder of the descriptor.
	hasStatusStage bool

	done        chan struct{}
	once        sync.Once
	retired     bool // guarded by the endpoint mutex
	short       bool
	transferred int
	code        CompletionCode
	err         error
}

func newTransferWaiter(entries []tdEntry, hasStatusStage bool) *transferWaiter {
	return &transferWaiter{
		entries:        entries,
		hasStatusStage: hasStatusStage,
		done:           make(chan struct{}),
	}
}

// lastPhys returns the physical address of the TD's final TRB.
func (w *transferWaiter) lastPhys() uint64 {
	return w.entries[len(w.entries)-1].phys
}

func (w *transferWaiter) resolve(transferred int, code CompletionCode, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.transferred = transferred
		w.code = code
		w.err = err
		close(w.done)
		resolved = true
	})
	return resolved
}

// observe applies one transfer event to the waiter. Returns true when the
// waiter resolved, so the endpoint can drop its correlation entries.
func (w *transferWaiter) observe(entryIdx int, transferred int, code CompletionCode) bool {
	last := entryIdx == len(w.entries)-1
	switch code {
	case CompletionSuccess:
		if !last {
			return false
		}
		if w.short {
			// A data-stage short packet already fixed the byte count;
			// this is the status stage completing.
			transferred = w.transferred
		}
		return w.resolve(transferred, code, nil)
	case CompletionShortPacket:
		// A short packet is a success condition: the device simply had
		// less to say than the caller asked for.
		if w.hasStatusStage && !last {
			w.short = true
			w.transferred = transferred
			return false
		}
		return w.resolve(transferred, code, nil)
	default:
		return w.resolve(transferred, code, errForCompletion(code))
	}
}

// errForCompletion wraps a failure code; the endpoint fills in slot and
// endpoint identity before surfacing it.
func errForCompletion(code CompletionCode) error {
	return &CompletionError{Code: code}
}

// endpointRing schedules transfers on one endpoint: a dedicated producer
// ring plus a correlation table mapping TRB physical addresses to waiters.
// Each endpoint is independently exclusive, so transfers to different
// endpoints never contend.
type endpointRing struct {
	c    *Controller
	slot uint8
	dci  uint8

	mu      sync.Mutex
	ring    *ring
	pending map[uint64]*transferWaiter
	closed  error // set when the device is gone; fails new submissions
}

func newEndpointRing(c *Controller, slot, dci uint8) (*endpointRing, error) {
	r, err := newRing(c.backend, transferRingSlots)
	if err != nil {
		return nil, err
	}
	return &endpointRing{
		c:       c,
		slot:    slot,
		dci:     dci,
		ring:    r,
		pending: make(map[uint64]*transferWaiter),
	}, nil
}

// ringPhys returns the transfer ring base, installed in the endpoint
// context.
func (ep *endpointRing) ringPhys() uint64 {
	return ep.ring.phys()
}

// submit enqueues a TD as one producer burst and registers its waiter,
// then rings the endpoint doorbell. Hardware processes the burst as a
// unit, so nothing is published piecemeal.
func (ep *endpointRing) submit(trbs []Trb, hasStatusStage bool, payload []int) (*transferWaiter, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed != nil {
		return nil, ep.closed
	}
	if len(trbs) > ep.ring.capacity()-ep.ring.used {
		ep.c.metrics.ringFull.Inc(1)
		return nil, ErrRingFull
	}

	entries := make([]tdEntry, len(trbs))
	offset := 0
	for i, trb := range trbs {
		phys, err := ep.ring.enqueue(trb)
		if err != nil {
			// Capacity was checked above; enqueue cannot fail here.
			return nil, err
		}
		entries[i] = tdEntry{phys: phys, offset: offset, length: payload[i]}
		offset += payload[i]
	}

	w := newTransferWaiter(entries, hasStatusStage)
	for _, e := range entries {
		ep.pending[e.phys] = w
	}
	ep.c.ringDoorbell(ep.slot, ep.dci)
	return w, nil
}

// complete applies a transfer event to the waiter registered for the TRB
// at phys. Runs on the event-processing path; never blocks.
func (ep *endpointRing) complete(phys uint64, code CompletionCode, residual int) {
	ep.mu.Lock()
	w := ep.pending[phys]
	var entryIdx, transferred int
	if w != nil {
		for i, e := range w.entries {
			if e.phys == phys {
				entryIdx = i
				transferred = e.offset + e.length - residual
				if transferred < 0 {
					transferred = 0
				}
				break
			}
		}
	}
	ep.mu.Unlock()

	if w == nil {
		ep.c.metrics.lateEvents.Inc(1)
		ep.c.log.WithFields(logrus.Fields{
			"slot":     ep.slot,
			"endpoint": ep.dci,
			"trb":      phys,
			"code":     code,
		}).Debug("transfer event with no waiter")
		return
	}
	if w.observe(entryIdx, transferred, code) {
		ep.retire(w)
	}
}

// retire drops a resolved waiter's correlation entries and returns its
// ring slots for reuse. Retiring twice is harmless; later TDs may already
// have moved the dequeue cursor past this one.
func (ep *endpointRing) retire(w *transferWaiter) {
	ep.mu.Lock()
	if !w.retired {
		w.retired = true
		for _, e := range w.entries {
			delete(ep.pending, e.phys)
		}
		ep.ring.retire(w.lastPhys())
	}
	ep.mu.Unlock()
}

// wait blocks until the waiter resolves or the context is cancelled. On
// cancellation the endpoint is stopped first, so hardware is no longer
// touching the caller's buffers when this returns.
func (ep *endpointRing) wait(ctx context.Context, w *transferWaiter) (int, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := ep.c.commands.stopEndpoint(stopCtx, ep.slot, ep.dci); err != nil {
			ep.c.log.WithError(err).WithField("endpoint", ep.dci).
				Warn("stop endpoint during cancellation")
		}
		cancel()
		if w.resolve(0, CompletionStopped, ctx.Err()) {
			ep.retire(w)
		}
		<-w.done
	}

	if w.err != nil {
		if ce, ok := w.err.(*CompletionError); ok {
			ce.SlotID, ce.Endpoint, ce.Op = ep.slot, ep.dci, "transfer"
		}
		if w.code == CompletionStall {
			ep.recoverStall(w)
		}
		return 0, w.err
	}
	return w.transferred, nil
}

// recoverStall re-arms a halted endpoint: Reset Endpoint clears the halt,
// then Set TR Dequeue Pointer skips the failed TD so the ring resumes past
// it. Runs once per stall, before the error is surfaced to the caller.
func (ep *endpointRing) recoverStall(w *transferWaiter) {
	ep.retire(w)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := ep.c.commands.resetEndpoint(ctx, ep.slot, ep.dci); err != nil {
		ep.c.log.WithError(err).WithField("endpoint", ep.dci).Warn("reset endpoint")
		return
	}

	ep.mu.Lock()
	dequeue, cycle := ep.ring.dequeuePtr()
	ep.mu.Unlock()

	if err := ep.c.commands.setTRDequeue(ctx, dequeue, cycle, ep.slot, ep.dci); err != nil {
		ep.c.log.WithError(err).WithField("endpoint", ep.dci).Warn("set tr dequeue pointer")
		return
	}
	ep.c.metrics.stallsRecovered.Inc(1)
}

// cancelAll fails every pending waiter and further submissions with err.
// Used on disconnect; a late event for a cancelled waiter is discarded.
func (ep *endpointRing) cancelAll(err error) {
	ep.mu.Lock()
	ep.closed = err
	waiters := make(map[*transferWaiter]struct{}, len(ep.pending))
	for phys, w := range ep.pending {
		waiters[w] = struct{}{}
		delete(ep.pending, phys)
	}
	ep.mu.Unlock()

	for w := range waiters {
		w.resolve(0, CompletionStopped, err)
	}
}

// free releases the transfer ring. The endpoint must no longer be live in
// the device context.
func (ep *endpointRing) free() {
	ep.ring.free()
}

// control performs a three-stage control transfer. The setup, optional
// data, and status stages enqueue atomically as one burst; hardware
// processes them as a unit.
func (ep *endpointRing) control(ctx context.Context, setup SetupPacket, data []byte) (int, error) {
	dirIn := setup.IsIn()
	var (
		buf *dma.Region
		err error
	)
	if len(data) > 0 {
		buf, err = dma.NewRegion(ep.c.backend, len(data), dma.AlignBuffer)
		if err != nil {
			return 0, err
		}
		defer buf.Free()
		if !dirIn {
			copy(buf.Bytes(), data)
		}
	}

	trbs := []Trb{setupStageTrb(setup, len(data), dirIn)}
	payload := []int{0}
	if buf != nil {
		trbs = append(trbs, dataStageTrb(buf.Phys(), len(data), dirIn))
		payload = append(payload, len(data))
	}
	// Status stage runs opposite the data direction; IN when there is no
	// data stage.
	statusIn := !(len(data) > 0 && dirIn)
	trbs = append(trbs, statusStageTrb(statusIn))
	payload = append(payload, 0)

	w, err := ep.submit(trbs, true, payload)
	if err != nil {
		return 0, err
	}
	n, err := ep.wait(ctx, w)
	if err != nil {
		return 0, err
	}
	if dirIn && buf != nil {
		if n > len(data) {
			n = len(data)
		}
		copy(data[:n], buf.Bytes()[:n])
	}
	return n, nil
}

// normal performs a bulk or interrupt transfer: one or more Normal TRBs,
// chained when the payload exceeds what a single TRB expresses.
func (ep *endpointRing) normal(ctx context.Context, data []byte, dirIn bool) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	buf, err := dma.NewRegion(ep.c.backend, len(data), dma.AlignBuffer)
	if err != nil {
		return 0, err
	}
	defer buf.Free()
	if !dirIn {
		copy(buf.Bytes(), data)
	}

	var (
		trbs    []Trb
		payload []int
	)
	for off := 0; off < len(data); off += trbMaxTransfer {
		length := len(data) - off
		if length > trbMaxTransfer {
			length = trbMaxTransfer
		}
		chain := off+length < len(data)
		trb := normalTrb(buf.PhysAt(off), length, chain)
		if chain {
			// A short packet mid-chain skips the rest of the TD; the
			// event must still surface so the byte count is right.
			trb.Control |= trbISP
		}
		trbs = append(trbs, trb)
		payload = append(payload, length)
	}

	w, err := ep.submit(trbs, false, payload)
	if err != nil {
		return 0, err
	}
	n, err := ep.wait(ctx, w)
	if err != nil {
		return 0, err
	}
	if dirIn {
		if n > len(data) {
			n = len(data)
		}
		copy(data[:n], buf.Bytes()[:n])
	}
	return n, nil
}
