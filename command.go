package xhci

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CommandResult is the completion of one controller command.
type CommandResult struct {
	Code   CompletionCode
	SlotID uint8
}

// CommandHandle correlates a submitted command with its asynchronous
// completion. Exactly one resolution is delivered per handle: the matching
// Command Completion Event, or a timeout/abort substitute.
type CommandHandle struct {
	trbPhys uint64
	done    chan struct{}
	once    sync.Once
	result  CommandResult
	err     error
}

func newCommandHandle(trbPhys uint64) *CommandHandle {
	return &CommandHandle{trbPhys: trbPhys, done: make(chan struct{})}
}

// resolve delivers the completion. Later resolutions are discarded, so a
// late hardware event for a timed-out command is harmless.
func (h *CommandHandle) resolve(result CommandResult, err error) bool {
	resolved := false
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel closed when the command has completed.
func (h *CommandHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the command completes or the context is cancelled.
func (h *CommandHandle) Wait(ctx context.Context) (CommandResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// commandProcessor issues administrative commands on the command ring and
// matches their asynchronous completions by TRB physical address.
//
// Submission is serialized by mu (single producer), but commands pipeline
// freely: the ring holds several outstanding commands before anyone waits.
type commandProcessor struct {
	c       *Controller
	timeout time.Duration

	mu      sync.Mutex
	ring    *ring
	pending map[uint64]*CommandHandle
}

func newCommandProcessor(c *Controller, r *ring, timeout time.Duration) *commandProcessor {
	return &commandProcessor{
		c:       c,
		timeout: timeout,
		ring:    r,
		pending: make(map[uint64]*CommandHandle),
	}
}

// submit enqueues a command TRB and rings the command doorbell. It never
// blocks; a full ring surfaces ErrRingFull for the caller to back off on.
func (p *commandProcessor) submit(trb Trb) (*CommandHandle, error) {
	p.mu.Lock()
	phys, err := p.ring.enqueue(trb)
	if err != nil {
		p.mu.Unlock()
		p.c.metrics.ringFull.Inc(1)
		return nil, err
	}
	h := newCommandHandle(phys)
	p.pending[phys] = h
	p.mu.Unlock()

	p.c.metrics.commandsSubmitted.Inc(1)
	p.c.ringDoorbell(0, 0)
	return h, nil
}

// complete resolves the waiter for the command TRB at phys. Called from
// the event-processing path; must not block.
func (p *commandProcessor) complete(phys uint64, code CompletionCode, slot uint8) {
	p.mu.Lock()
	h := p.pending[phys]
	delete(p.pending, phys)
	p.ring.retire(phys)
	p.mu.Unlock()

	if h == nil {
		p.c.metrics.lateEvents.Inc(1)
		p.c.log.WithFields(logrus.Fields{"trb": phys, "code": code}).
			Debug("completion for unknown command")
		return
	}
	h.resolve(CommandResult{Code: code, SlotID: slot}, nil)
}

// run submits a command and waits for its completion, bounded by the
// command timeout. A timeout triggers ring recovery; the stuck command
// fails with ErrCommandTimeout and everything pipelined behind it with the
// retryable ErrCommandAborted.
func (p *commandProcessor) run(ctx context.Context, op string, trb Trb) (CommandResult, error) {
	h, err := p.submit(trb)
	if err != nil {
		return CommandResult{}, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		if h.err != nil {
			return CommandResult{}, h.err
		}
		if h.result.Code != CompletionSuccess {
			return h.result, newCompletionError(op, h.result.Code, h.result.SlotID, 0)
		}
		return h.result, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	case <-timer.C:
		p.c.metrics.commandTimeouts.Inc(1)
		p.c.log.WithField("command", op).Warn("command timeout, recovering command ring")
		p.recoverRing(h)
		return CommandResult{}, ErrCommandTimeout
	}
}

// recoverRing regains command ring ownership after a stuck command: abort
// the ring, wait for the controller to release it, re-program CRCR with a
// clean ring, and fail every pending waiter. The stuck handle fails with
// ErrCommandTimeout; the rest are retryable.
func (p *commandProcessor) recoverRing(stuck *CommandHandle) {
	// The CRR poll can take up to the command timeout; it runs unlocked
	// so the completion path is not stalled behind it. The ring base is
	// immutable and completions arriving during the poll drain waiters
	// through complete() as usual.
	p.c.op().write64(regCRCR, p.ring.phys()|crcrCA)
	if !p.c.waitOpClear(regCRCR, crcrCRR, p.timeout) {
		p.c.log.Error("command ring did not stop after abort")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ring.reset()
	p.c.op().write64(regCRCR, p.ring.phys()|crcrRCS)

	for phys, h := range p.pending {
		delete(p.pending, phys)
		if h == stuck {
			h.resolve(CommandResult{}, ErrCommandTimeout)
			continue
		}
		p.c.metrics.commandsAborted.Inc(1)
		h.resolve(CommandResult{}, ErrCommandAborted)
	}
}

// failAll resolves every pending command with err. Used at teardown.
func (p *commandProcessor) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for phys, h := range p.pending {
		delete(p.pending, phys)
		h.resolve(CommandResult{}, err)
	}
}

// enableSlot asks the controller to assign a device slot.
func (p *commandProcessor) enableSlot(ctx context.Context) (uint8, error) {
	res, err := p.run(ctx, "enable slot", enableSlotTrb())
	if err != nil {
		return 0, err
	}
	if res.SlotID == 0 {
		return 0, ErrNoSlot
	}
	return res.SlotID, nil
}

// disableSlot releases a device slot.
func (p *commandProcessor) disableSlot(ctx context.Context, slot uint8) error {
	_, err := p.run(ctx, "disable slot", disableSlotTrb(slot))
	return err
}

// addressDevice assigns a bus address using the given input context.
func (p *commandProcessor) addressDevice(ctx context.Context, inputCtx uint64, slot uint8) error {
	_, err := p.run(ctx, "address device", addressDeviceTrb(inputCtx, slot))
	return err
}

// configureEndpoint applies endpoint contexts from the input context.
func (p *commandProcessor) configureEndpoint(ctx context.Context, inputCtx uint64, slot uint8) error {
	_, err := p.run(ctx, "configure endpoint", configureEndpointTrb(inputCtx, slot))
	return err
}

// evaluateContext re-evaluates fields of the slot/control endpoint
// context, such as max packet size after the first descriptor read.
func (p *commandProcessor) evaluateContext(ctx context.Context, inputCtx uint64, slot uint8) error {
	_, err := p.run(ctx, "evaluate context", evaluateContextTrb(inputCtx, slot))
	return err
}

// resetEndpoint recovers an endpoint from the Halted state.
func (p *commandProcessor) resetEndpoint(ctx context.Context, slot, endpoint uint8) error {
	_, err := p.run(ctx, "reset endpoint", resetEndpointTrb(slot, endpoint))
	return err
}

// stopEndpoint stops an endpoint's transfer ring processing.
func (p *commandProcessor) stopEndpoint(ctx context.Context, slot, endpoint uint8) error {
	_, err := p.run(ctx, "stop endpoint", stopEndpointTrb(slot, endpoint))
	return err
}

// setTRDequeue repositions an endpoint's transfer ring dequeue pointer.
func (p *commandProcessor) setTRDequeue(ctx context.Context, dequeue uint64, cycleState bool, slot, endpoint uint8) error {
	_, err := p.run(ctx, "set tr dequeue pointer", setTRDequeueTrb(dequeue, cycleState, slot, endpoint))
	return err
}

// noOp issues a No Op command, used as a command ring liveness check.
func (p *commandProcessor) noOp(ctx context.Context) error {
	_, err := p.run(ctx, "no op", noOpCommandTrb())
	return err
}
