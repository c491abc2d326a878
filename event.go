package xhci

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// eventProcessor drains the event ring and demultiplexes completions back
// to their waiters. It is the single consumer of the event ring; the
// processing path never blocks, so it may run from an interrupt handler.
type eventProcessor struct {
	c            *Controller
	ring         *eventRing
	pollInterval time.Duration

	mu sync.Mutex // serializes consumers
}

func newEventProcessor(c *Controller, ring *eventRing, pollInterval time.Duration) *eventProcessor {
	return &eventProcessor{c: c, ring: ring, pollInterval: pollInterval}
}

// process drains all available events, then acknowledges the new consumer
// position to hardware through ERDP. Returns the number of events handled
// and ErrEventOverflow if the controller reported dropped events.
func (p *eventProcessor) process() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var overflow error
	n := 0
	for {
		trb, ok := p.ring.next()
		if !ok {
			break
		}
		n++
		p.c.metrics.eventsProcessed.Inc(1)

		switch trb.Type() {
		case TRBCommandComplete:
			// Parameter is the physical address of the command TRB;
			// the low four bits are reserved.
			p.c.commands.complete(trb.Parameter&^0xF, trb.CompletionCode(), trb.SlotID())

		case TRBTransferEvent:
			p.c.metrics.transferEvents.Inc(1)
			p.dispatchTransfer(trb)

		case TRBPortStatusChange:
			p.c.metrics.portChanges.Inc(1)
			p.c.ports.portChanged(trb.PortID())

		case TRBHostController:
			if trb.CompletionCode() == CompletionEventRingFull {
				// The controller dropped events; completions may be lost.
				p.c.metrics.eventOverflows.Inc(1)
				overflow = ErrEventOverflow
				p.c.log.Error("event ring overflow, events dropped")
			} else {
				p.c.log.WithField("code", trb.CompletionCode()).
					Warn("host controller event")
			}

		default:
			p.c.log.WithField("type", trb.Type()).Debug("unhandled event")
		}
	}

	if n > 0 {
		// Acknowledge processed events and clear the busy flag.
		p.c.mmio.write64(interrupterBase(p.c.rtsOff, 0)+regERDP,
			p.ring.dequeuePhys()|erdpEHB)
		p.c.writeOp(regUSBSts, usbStsEInt)
	}
	return n, overflow
}

// dispatchTransfer routes a Transfer Event to the endpoint waiter it
// completes. Late events for cancelled or unknown waiters are counted and
// discarded.
func (p *eventProcessor) dispatchTransfer(trb Trb) {
	dev := p.c.deviceBySlot(trb.SlotID())
	if dev == nil {
		p.c.metrics.lateEvents.Inc(1)
		p.c.log.WithFields(logrus.Fields{
			"slot": trb.SlotID(),
			"code": trb.CompletionCode(),
		}).Debug("transfer event for unknown slot")
		return
	}
	dev.completeTransfer(trb.EndpointID(), trb.Parameter, trb.CompletionCode(), trb.TransferLength())
}

// ProcessEvents drains and demultiplexes all pending controller events.
// It never blocks and is safe to invoke from the integrator's interrupt
// path. Returns the number of events processed; ErrEventOverflow reports
// that the controller dropped events (a ring sizing defect), after the
// available events have still been drained.
func (c *Controller) ProcessEvents() (int, error) {
	return c.events.process()
}

// Serve runs the controller in polled mode: it scans ports once, then
// invokes event processing every poll interval until the context is
// cancelled. Integrators using interrupts call ProcessEvents from their
// handler instead and do not use Serve.
func (c *Controller) Serve(ctx context.Context) error {
	c.ports.scan()

	ticker := time.NewTicker(c.events.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.ProcessEvents(); err != nil {
				c.log.WithError(err).Error("event processing")
			}
		}
	}
}
