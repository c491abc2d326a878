package xhci

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bulkIn  = 0x81
	bulkOut = 0x02
	intrIn  = 0x83
)

func testPattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func TestControlTransferShortRead(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)
	dev := connectAndWait(t, s, c, 1, SpeedHigh, fullSpeedDevice())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Ask for more than the 18-byte descriptor: the device answers short
	// and the transfer still succeeds with the real byte count.
	buf := make([]byte, 64)
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, DeviceDescriptorSize, n)

	var d DeviceDescriptor
	require.True(t, ParseDeviceDescriptor(buf[:n], &d))
	assert.Equal(t, uint16(0x1234), d.VendorID)
}

func TestBulkTransferRoundTrip(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	model := fullSpeedDevice()
	var received []byte
	payload := testPattern(256)
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		if in {
			copy(data, payload)
			return len(data), CompletionSuccess
		}
		received = append([]byte(nil), data...)
		return len(data), CompletionSuccess
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := dev.BulkTransfer(ctx, bulkOut, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.True(t, bytes.Equal(payload, received))

	in := make([]byte, 256)
	n, err = dev.BulkTransfer(ctx, bulkIn, in)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.True(t, bytes.Equal(payload, in))
}

func TestBulkShortPacketIsSuccess(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	model := fullSpeedDevice()
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		copy(data, testPattern(64))
		return 64, CompletionSuccess
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf := make([]byte, 512)
	n, err := dev.BulkTransfer(ctx, bulkIn, buf)
	require.NoError(t, err, "a short packet is not an error")
	assert.Equal(t, 64, n)
	assert.True(t, bytes.Equal(testPattern(64), buf[:64]))
}

func TestBulkTransferChained(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	// 100 KiB needs two chained TRBs.
	const size = 100 * 1024
	payload := testPattern(size)
	model := fullSpeedDevice()
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		require.Equal(t, size, len(data), "the whole TD arrives as one payload")
		copy(data, payload)
		return size, CompletionSuccess
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf := make([]byte, size)
	n, err := dev.BulkTransfer(ctx, bulkIn, buf)
	require.NoError(t, err)
	assert.Equal(t, size, n)
	assert.True(t, bytes.Equal(payload, buf))
}

func TestBulkStallRecovery(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	model := fullSpeedDevice()
	var stalled atomic.Bool
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		if stalled.CompareAndSwap(false, true) {
			return 0, CompletionStall
		}
		return len(data), CompletionSuccess
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf := make([]byte, 64)
	_, err := dev.BulkTransfer(ctx, bulkIn, buf)
	assert.ErrorIs(t, err, ErrTransferStalled)

	// Recovery issues exactly one Reset Endpoint and one Set TR Dequeue
	// Pointer, and the endpoint works again afterwards.
	assert.Equal(t, 1, s.commandCount(TRBResetEndpoint))
	assert.Equal(t, 1, s.commandCount(TRBSetTRDequeue))

	n, err := dev.BulkTransfer(ctx, bulkIn, buf)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
}

func TestInterruptTransfer(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	model := fullSpeedDevice()
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		assert.Equal(t, uint8(7), dci)
		copy(data, []byte{0xDE, 0xAD})
		return 2, CompletionSuccess
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf := make([]byte, 8)
	n, err := dev.InterruptTransfer(ctx, intrIn, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xDE, 0xAD}, buf[:2])
}

func TestTransferEndpointValidation(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)
	dev := connectAndWait(t, s, c, 1, SpeedHigh, fullSpeedDevice())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := dev.BulkTransfer(ctx, intrIn, make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidEndpoint, "bulk call on an interrupt endpoint")

	_, err = dev.InterruptTransfer(ctx, bulkIn, make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = dev.BulkTransfer(ctx, 0x05, make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidEndpoint, "endpoint not in the configuration")
}

func TestTransferCancellationStopsEndpoint(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	model := fullSpeedDevice()
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		return 0, CompletionInvalid // never completes
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := dev.BulkTransfer(ctx, bulkIn, make([]byte, 64))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.commandCount(TRBStopEndpoint))
}

func TestDisconnectFailsPendingTransfers(t *testing.T) {
	s := newSim(t)
	c := openController(t, s)

	model := fullSpeedDevice()
	model.onNormal = func(dci uint8, data []byte, in bool) (int, CompletionCode) {
		return 0, CompletionInvalid // hold the transfer open
	}
	dev := connectAndWait(t, s, c, 1, SpeedHigh, model)

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := dev.BulkTransfer(ctx, bulkIn, make([]byte, 64))
		errs <- err
	}()

	// Let the transfer reach the ring before pulling the device.
	time.Sleep(20 * time.Millisecond)
	s.disconnect(1)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDeviceDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending transfer did not fail on disconnect")
	}
}
