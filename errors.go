package xhci

import (
	"errors"
	"fmt"
)

// Driver errors.
var (
	// ErrInitializationFailed indicates the controller did not halt or
	// reset cleanly, or reports a capability set the driver cannot use.
	// Fatal to controller construction.
	ErrInitializationFailed = errors.New("controller initialization failed")

	// ErrRingFull indicates a command or transfer ring has no free slot.
	// Transient; the caller should back off and retry.
	ErrRingFull = errors.New("ring full")

	// ErrCommandTimeout indicates a command exceeded its completion
	// deadline. The command ring has been recovered via stop/abort.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrCommandAborted indicates a command was flushed while recovering
	// the ring from another command's timeout. Retryable.
	ErrCommandAborted = errors.New("command aborted during ring recovery")

	// ErrTransferStalled indicates the endpoint stalled. The endpoint has
	// been recovered (Reset Endpoint + Set TR Dequeue Pointer) and will
	// accept further transfers.
	ErrTransferStalled = errors.New("endpoint stalled")

	// ErrTransfer indicates a transaction error or babble. The call
	// failed but the endpoint remains usable.
	ErrTransfer = errors.New("transfer failed")

	// ErrDeviceDisconnected indicates the device left the bus; all
	// operations pending against it fail with this error.
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrEventOverflow indicates the controller reported an event ring
	// full condition. Events were dropped; the event ring is undersized
	// for the offered command/transfer concurrency.
	ErrEventOverflow = errors.New("event ring overflow")

	// ErrInvalidEndpoint indicates a transfer named an endpoint that is
	// not configured on the device.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNoSlot indicates the controller could not assign a device slot.
	ErrNoSlot = errors.New("no device slot available")

	// ErrClosed indicates the controller has been shut down.
	ErrClosed = errors.New("controller closed")
)

// CompletionError carries the hardware completion code and the slot and
// endpoint it was reported against, so callers can decide on retry.
type CompletionError struct {
	Code     CompletionCode
	SlotID   uint8
	Endpoint uint8 // device context index; 0 when not endpoint-scoped
	Op       string
}

// newCompletionError wraps the sentinel matching the completion code so
// errors.Is works against the error kinds above.
func newCompletionError(op string, code CompletionCode, slot, endpoint uint8) *CompletionError {
	return &CompletionError{Code: code, SlotID: slot, Endpoint: endpoint, Op: op}
}

func (e *CompletionError) Error() string {
	if e.Endpoint != 0 {
		return fmt.Sprintf("%s: %s (slot %d, endpoint %d)", e.Op, e.Code, e.SlotID, e.Endpoint)
	}
	if e.SlotID != 0 {
		return fmt.Sprintf("%s: %s (slot %d)", e.Op, e.Code, e.SlotID)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap maps hardware completion codes onto the driver's sentinel errors.
func (e *CompletionError) Unwrap() error {
	switch e.Code {
	case CompletionStall:
		return ErrTransferStalled
	case CompletionTransactionError, CompletionBabble:
		return ErrTransfer
	case CompletionRingOverrun, CompletionEventRingFull:
		return ErrEventOverflow
	case CompletionNoSlots:
		return ErrNoSlot
	case CompletionCommandAborted, CompletionCommandRingStopped, CompletionStopped:
		return ErrCommandAborted
	default:
		return nil
	}
}
