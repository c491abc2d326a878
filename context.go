package xhci

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/hwstack/xhci/dma"
)

// Hardware context geometry. Each slot or endpoint context is 32 bytes
// (8 dwords); a device context is a slot context followed by 31 endpoint
// contexts; an input context prepends an input control context.
const (
	contextSize       = 32
	contextWords      = contextSize / 4
	deviceContextSize = contextSize * (1 + maxEndpointContexts)
	inputContextSize  = contextSize * (2 + maxEndpointContexts)
)

// xHCI endpoint type field values (endpoint context dword 1, bits 5:3).
const (
	epTypeIsochOut     = 1
	epTypeBulkOut      = 2
	epTypeInterruptOut = 3
	epTypeControl      = 4
	epTypeIsochIn      = 5
	epTypeBulkIn       = 6
	epTypeInterruptIn  = 7
)

// xhciEndpointType maps a descriptor transfer type and direction to the
// endpoint context encoding.
func xhciEndpointType(transferType uint8, in bool) uint32 {
	switch transferType {
	case EndpointTypeIsochronous:
		if in {
			return epTypeIsochIn
		}
		return epTypeIsochOut
	case EndpointTypeBulk:
		if in {
			return epTypeBulkIn
		}
		return epTypeBulkOut
	case EndpointTypeInterrupt:
		if in {
			return epTypeInterruptIn
		}
		return epTypeInterruptOut
	default:
		return epTypeControl
	}
}

// endpointInterval converts a descriptor bInterval to the endpoint context
// interval field, which is an exponent of 125 microsecond frames. High
// speed and faster report the exponent directly (off by one); full/low
// speed report milliseconds, rounded up to a power of two.
func endpointInterval(speed Speed, bInterval uint8) uint32 {
	if speed >= SpeedHigh {
		if bInterval == 0 {
			return 0
		}
		return uint32(bInterval - 1)
	}
	ms := uint32(bInterval)
	if ms == 0 {
		ms = 1
	}
	log2 := uint32(bits.Len32(ms)) - 1
	if ms&(ms-1) != 0 {
		log2++
	}
	return log2 + 3
}

// contextWords32 views a DMA region as dwords.
func contextWords32(r *dma.Region) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(r.Virt())), r.Size()/4)
}

// writeSlotContext fills a slot context at the given dword offset.
func writeSlotContext(words []uint32, offset int, route uint32, speed Speed, contextEntries uint8, rootPort int) {
	words[offset+0] = (route & 0xFFFFF) | uint32(speed)<<20 | uint32(contextEntries)<<27
	words[offset+1] = uint32(rootPort) << 16
	words[offset+2] = 0
	words[offset+3] = 0
}

// writeEndpointContext fills an endpoint context at the given dword offset.
// The TR dequeue pointer carries the ring's cycle state in bit 0 (DCS).
func writeEndpointContext(words []uint32, offset int, epType uint32, maxPacket uint16, maxBurst uint8, interval uint32, trDequeue uint64, dcs bool) {
	deq := trDequeue
	if dcs {
		deq |= 1
	}
	words[offset+0] = interval << 16
	// CErr=3: allow the controller three retries before failing a TD.
	words[offset+1] = 3<<1 | epType<<3 | uint32(maxBurst)<<8 | uint32(maxPacket)<<16
	words[offset+2] = uint32(deq)
	words[offset+3] = uint32(deq >> 32)
	words[offset+4] = 8 // average TRB length
}

// inputContext is the transient structure handed to Address Device,
// Configure Endpoint, and Evaluate Context commands. Created per command
// and freed after the completion event.
type inputContext struct {
	region *dma.Region
	words  []uint32
}

func newInputContext(b dma.Backend) (*inputContext, error) {
	region, err := dma.NewRegion(b, inputContextSize, dma.AlignContextBlock)
	if err != nil {
		return nil, err
	}
	return &inputContext{region: region, words: contextWords32(region)}, nil
}

func (ic *inputContext) phys() uint64 {
	return ic.region.Phys()
}

// setFlags writes the input control context: which contexts the command
// drops and which it adds. Bit 0 is the slot context; bit N is DCI N.
func (ic *inputContext) setFlags(drop, add uint32) {
	ic.words[0] = drop
	ic.words[1] = add
}

// setSlot fills the input slot context (dword offset 8, after the input
// control context).
func (ic *inputContext) setSlot(route uint32, speed Speed, contextEntries uint8, rootPort int) {
	writeSlotContext(ic.words, contextWords, route, speed, contextEntries, rootPort)
}

// setEndpoint fills the input endpoint context for the given DCI.
func (ic *inputContext) setEndpoint(dci uint8, epType uint32, maxPacket uint16, maxBurst uint8, interval uint32, trDequeue uint64, dcs bool) {
	offset := contextWords * (1 + int(dci))
	writeEndpointContext(ic.words, offset, epType, maxPacket, maxBurst, interval, trDequeue, dcs)
}

func (ic *inputContext) free() {
	ic.region.Free()
}

// contextManager owns the per-device slot and endpoint context memory the
// hardware reads: the DCBAA, the scratchpad buffers the controller demands,
// and one device context block per enabled slot.
//
// Hardware may read installed contexts at any time and writes only the
// fields the xHCI specification designates as controller-owned; software
// mutates a context only through Input Context commands while the slot is
// in a state where the controller is not actively consuming it.
type contextManager struct {
	backend dma.Backend

	dcbaa *dma.Region

	// Scratchpad array plus its page buffers, allocated once at
	// controller initialization when the capability registers demand it.
	scratchArray *dma.Region
	scratchBufs  *dma.Region

	mu    sync.Mutex
	slots map[uint8]*dma.Region // installed device contexts by slot ID
}

// newContextManager allocates the DCBAA for maxSlots+1 entries.
func newContextManager(b dma.Backend, maxSlots int) (*contextManager, error) {
	dcbaa, err := dma.NewRegion(b, (maxSlots+1)*8, dma.AlignContextBlock)
	if err != nil {
		return nil, err
	}
	return &contextManager{
		backend: b,
		dcbaa:   dcbaa,
		slots:   make(map[uint8]*dma.Region),
	}, nil
}

// dcbaaPhys returns the physical address programmed into DCBAAP.
func (m *contextManager) dcbaaPhys() uint64 {
	return m.dcbaa.Phys()
}

// initScratchpad allocates the scratchpad buffer array and its page
// buffers, and installs the array at DCBAA[0]. Entry 0 is reserved for
// this purpose; it never names a device slot.
func (m *contextManager) initScratchpad(count int) error {
	if count == 0 {
		return nil
	}
	page := m.backend.PageSize()

	array, err := dma.NewRegion(m.backend, count*8, dma.AlignContextBlock)
	if err != nil {
		return err
	}
	bufs, err := dma.NewRegion(m.backend, count*page, page)
	if err != nil {
		array.Free()
		return err
	}

	words := array.Words64()
	for i := 0; i < count; i++ {
		words[i] = bufs.PhysAt(i * page)
	}
	m.dcbaa.Words64()[0] = array.Phys()

	m.scratchArray = array
	m.scratchBufs = bufs
	return nil
}

// installSlot allocates a zeroed device context for the slot and installs
// its physical address at DCBAA[slot].
func (m *contextManager) installSlot(slot uint8) error {
	ctx, err := dma.NewRegion(m.backend, deviceContextSize, dma.AlignContextBlock)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.slots[slot] = ctx
	m.mu.Unlock()
	m.dcbaa.Words64()[slot] = ctx.Phys()
	return nil
}

// releaseSlot clears DCBAA[slot] and frees the device context. Call only
// after the Disable Slot command has completed: hardware must no longer be
// able to read the memory.
func (m *contextManager) releaseSlot(slot uint8) {
	m.dcbaa.Words64()[slot] = 0
	m.mu.Lock()
	ctx := m.slots[slot]
	delete(m.slots, slot)
	m.mu.Unlock()
	if ctx != nil {
		ctx.Free()
	}
}

// slotContextState reads the slot state field hardware maintains in the
// device context (dword 3, bits 31:27).
func (m *contextManager) slotContextState(slot uint8) (uint8, bool) {
	m.mu.Lock()
	ctx := m.slots[slot]
	m.mu.Unlock()
	if ctx == nil {
		return 0, false
	}
	return uint8(contextWords32(ctx)[3] >> 27), true
}

// free releases all context memory. The controller must be halted.
func (m *contextManager) free() {
	m.mu.Lock()
	for slot, ctx := range m.slots {
		ctx.Free()
		delete(m.slots, slot)
	}
	m.mu.Unlock()
	if m.scratchBufs != nil {
		m.scratchBufs.Free()
	}
	if m.scratchArray != nil {
		m.scratchArray.Free()
	}
	m.dcbaa.Free()
}
