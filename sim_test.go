package xhci

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/hwstack/xhci/dma/simdma"
)

// Simulated controller geometry.
const (
	simCapLen = 0x80
	simRTSOff = 0x2000
	simDBOff  = 0x3000
	simPorts  = 4
	simSlots  = 8
)

// sim is a software model of an xHCI controller, just faithful enough to
// exercise the driver end to end: it services the halt/reset handshake,
// consumes the command ring and every transfer ring the driver installs
// through input contexts, models port resets, and produces event TRBs with
// correct producer cycle bits.
type sim struct {
	t       *testing.T
	backend *simdma.Backend
	image   []byte
	base    uint64

	stop chan struct{}
	wg   sync.WaitGroup

	mu sync.Mutex

	lastCRCR uint64
	pendCRCR uint64
	cmdCur   simCursor
	cmdLive  bool

	evtBase  uint64
	evtSlots int
	evtEnq   int
	evtPCS   bool

	nextSlot uint8
	slots    map[uint8]*simSlot
	portDev  map[int]*simDevice

	cmdCount map[TRBType]int

	// frozen stops lifecycle servicing, so bring-up handshakes time out.
	frozen bool

	// holdCRR keeps the Command Ring Running bit asserted through an
	// abort, modeling a controller slow to stop the ring.
	holdCRR bool

	// onCommand intercepts command TRBs before the default model. It
	// returns the completion to post; post=false swallows the command.
	onCommand func(trb Trb, phys uint64) (code CompletionCode, slot uint8, post, handled bool)
}

type simCursor struct {
	phys uint64
	ccs  bool
}

type simSlot struct {
	dev *simDevice
	eps map[uint8]*simEndpoint
}

type simEndpoint struct {
	cur    simCursor
	halted bool
	setup  SetupPacket
}

// simDevice models the USB device behind a port: its descriptors plus
// optional hooks for scripting transfer outcomes.
type simDevice struct {
	device  []byte
	config  []byte
	strings map[uint8][]byte

	mu     sync.Mutex
	setups []SetupPacket

	// onControl overrides the completion code of a control data/status
	// stage. Returning handled=false falls through to descriptor serving.
	onControl func(setup SetupPacket) (CompletionCode, bool)

	// onNormal services bulk/interrupt TDs. For IN transfers the handler
	// fills data and returns the byte count produced.
	onNormal func(dci uint8, data []byte, in bool) (int, CompletionCode)
}

func (d *simDevice) recordSetup(s SetupPacket) {
	d.mu.Lock()
	d.setups = append(d.setups, s)
	d.mu.Unlock()
}

func (d *simDevice) setupCount(request uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.setups {
		if s.Request == request {
			n++
		}
	}
	return n
}

func newSim(t *testing.T) *sim {
	t.Helper()
	backend := simdma.New()
	image := make([]byte, 0x10000)

	s := &sim{
		t:        t,
		backend:  backend,
		image:    image,
		stop:     make(chan struct{}),
		nextSlot: 1,
		slots:    make(map[uint8]*simSlot),
		portDev:  make(map[int]*simDevice),
		cmdCount: make(map[TRBType]int),
	}
	s.base = backend.RegisterImage(image)

	s.w32(regCapLength, simCapLen|0x0110<<16)
	s.w32(regHCSParams1, simSlots|simPorts<<24)
	s.w32(regHCSParams2, 4<<27) // four scratchpad buffers
	s.w32(regDBOff, simDBOff)
	s.w32(regRTSOff, simRTSOff)
	s.w32(simCapLen+regUSBSts, usbStsHCH)
	for port := 1; port <= simPorts; port++ {
		s.w32(portRegBase(simCapLen, port), portscPP)
	}

	s.wg.Add(1)
	go s.run()
	t.Cleanup(s.shutdown)
	return s
}

func (s *sim) shutdown() {
	close(s.stop)
	s.wg.Wait()
}

func (s *sim) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.step()
		time.Sleep(20 * time.Microsecond)
	}
}

func (s *sim) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepLifecycle()
	if s.r32(simCapLen+regUSBCmd)&usbCmdRun == 0 {
		return
	}
	s.stepCommands()
	s.stepEndpoints()
	s.stepPorts()
}

// stepLifecycle services reset and run/halt state.
func (s *sim) stepLifecycle() {
	if s.frozen {
		return
	}
	cmd := s.r32(simCapLen + regUSBCmd)
	if cmd&usbCmdHCRst != 0 {
		s.w32(simCapLen+regUSBCmd, cmd&^uint32(usbCmdHCRst))
		s.w32(simCapLen+regUSBSts, usbStsHCH)
		s.cmdLive = false
		s.lastCRCR, s.pendCRCR = 0, 0
		s.evtBase = 0
		return
	}
	sts := s.r32(simCapLen + regUSBSts)
	if cmd&usbCmdRun != 0 {
		sts &^= uint32(usbStsHCH)
	} else {
		sts |= usbStsHCH
	}
	s.w32(simCapLen+regUSBSts, sts)
}

// stepCommands adopts CRCR reprogramming and drains the command ring. A
// CRCR value is adopted only after it reads back identically twice, since
// the two 32-bit halves are written separately. CRR mirrors whether the
// ring is live; it is masked out of the adoption comparison because the
// model itself asserts it in the register image.
func (s *sim) stepCommands() {
	crcr := uint64(s.r32(simCapLen+regCRCR)) | uint64(s.r32(simCapLen+regCRCR+4))<<32
	crcr &^= uint64(crcrCRR)
	if crcr != s.lastCRCR {
		if crcr == s.pendCRCR {
			s.lastCRCR = crcr
			if crcr&crcrCA != 0 {
				s.cmdLive = false
			} else if crcr&^uint64(0x3F) != 0 {
				s.cmdCur = simCursor{phys: crcr &^ 0x3F, ccs: crcr&crcrRCS != 0}
				s.cmdLive = true
			}
		}
		s.pendCRCR = crcr
		s.updateCRR()
		return
	}
	s.updateCRR()
	if !s.cmdLive {
		return
	}

	for {
		trb, phys, ok := s.consume(&s.cmdCur)
		if !ok {
			return
		}
		s.execCommand(trb, phys)
	}
}

// updateCRR reflects ring-running state into the CRCR readback. holdCRR
// pins the bit to model a controller slow to honor an abort.
func (s *sim) updateCRR() {
	reg := s.r32(simCapLen + regCRCR)
	if s.cmdLive || s.holdCRR {
		s.w32(simCapLen+regCRCR, reg|crcrCRR)
	} else if reg&crcrCRR != 0 {
		s.w32(simCapLen+regCRCR, reg&^uint32(crcrCRR))
	}
}

func (s *sim) execCommand(trb Trb, phys uint64) {
	s.cmdCount[trb.Type()]++
	if s.onCommand != nil {
		if code, slot, post, handled := s.onCommand(trb, phys); handled {
			if post {
				s.postCommandCompletion(phys, code, slot)
			}
			return
		}
	}

	code := CompletionSuccess
	slot := trb.SlotID()
	switch trb.Type() {
	case TRBEnableSlot:
		slot = s.nextSlot
		s.nextSlot++
		s.slots[slot] = &simSlot{eps: make(map[uint8]*simEndpoint)}
	case TRBDisableSlot:
		delete(s.slots, slot)
	case TRBAddressDevice:
		s.adoptInputContext(slot, trb.Parameter, true)
	case TRBConfigureEndpoint:
		s.adoptInputContext(slot, trb.Parameter, false)
	case TRBResetEndpoint:
		if ep := s.endpoint(slot, trb.EndpointID()); ep != nil {
			ep.halted = false
		}
	case TRBSetTRDequeue:
		if ep := s.endpoint(slot, trb.EndpointID()); ep != nil {
			ep.cur = simCursor{phys: trb.Parameter &^ 0xF, ccs: trb.Parameter&1 != 0}
			ep.halted = false
		}
	case TRBEvaluateContext, TRBStopEndpoint, TRBNoOpCommand:
	default:
		code = CompletionTRBError
	}
	s.postCommandCompletion(phys, code, slot)
}

// adoptInputContext registers the transfer rings named by an input
// context's add flags. For Address Device the slot context's root port
// binds the slot to the device model connected there.
func (s *sim) adoptInputContext(slot uint8, icPhys uint64, address bool) {
	sl := s.slots[slot]
	if sl == nil {
		return
	}
	words := memWords(icPhys, (2+maxEndpointContexts)*contextWords)
	add := words[1]
	if address {
		port := int(words[contextWords+1]>>16) & 0xFF
		sl.dev = s.portDev[port]
	}
	for dci := uint8(1); dci <= maxEndpointContexts; dci++ {
		if add&(1<<dci) == 0 {
			continue
		}
		off := contextWords * (1 + int(dci))
		deq := uint64(words[off+2]) | uint64(words[off+3])<<32
		sl.eps[dci] = &simEndpoint{
			cur: simCursor{phys: deq &^ 0xF, ccs: deq&1 != 0},
		}
	}
}

func (s *sim) endpoint(slot, dci uint8) *simEndpoint {
	if sl := s.slots[slot]; sl != nil {
		return sl.eps[dci]
	}
	return nil
}

// stepEndpoints drains every live transfer ring, executing TDs against the
// slot's device model.
func (s *sim) stepEndpoints() {
	for slotID, sl := range s.slots {
		if sl.dev == nil {
			continue
		}
		for dci, ep := range sl.eps {
			for !ep.halted {
				entries, next, ok := s.gatherTD(ep.cur)
				if !ok {
					break
				}
				ep.cur = next
				s.execTD(slotID, dci, sl.dev, ep, entries)
			}
		}
	}
}

type simTRB struct {
	trb  Trb
	phys uint64
}

// gatherTD collects one TD starting at the cursor: a single TRB, or a
// Normal chain. The cursor is not advanced unless the whole TD is visible,
// since producers publish bursts TRB by TRB.
func (s *sim) gatherTD(cur simCursor) ([]simTRB, simCursor, bool) {
	var out []simTRB
	c := cur
	for {
		trb, phys, ok := s.consume(&c)
		if !ok {
			return nil, cur, false
		}
		out = append(out, simTRB{trb: trb, phys: phys})
		if trb.Control&trbChain == 0 {
			return out, c, true
		}
	}
}

func (s *sim) execTD(slot, dci uint8, dev *simDevice, ep *simEndpoint, entries []simTRB) {
	first := entries[0]
	switch first.trb.Type() {
	case TRBSetupStage:
		ep.setup = decodeSetup(first.trb.Parameter)
		dev.recordSetup(ep.setup)

	case TRBDataStage:
		length := int(first.trb.Status & 0x1FFFF)
		n, code := s.execControlData(dev, ep.setup, first.trb.Parameter, length)
		switch {
		case code == CompletionStall:
			ep.halted = true
			s.postTransferEvent(slot, dci, first.phys, code, length-n)
		case n < length:
			s.postTransferEvent(slot, dci, first.phys, CompletionShortPacket, length-n)
		}

	case TRBStatusStage:
		if dev.onControl != nil {
			if code, handled := dev.onControl(ep.setup); handled && code != CompletionSuccess {
				ep.halted = code == CompletionStall
				s.postTransferEvent(slot, dci, first.phys, code, 0)
				return
			}
		}
		s.postTransferEvent(slot, dci, first.phys, CompletionSuccess, 0)

	case TRBNormal:
		s.execNormal(slot, dci, dev, ep, entries)
	}
}

// execControlData serves a control data stage against the device model.
func (s *sim) execControlData(dev *simDevice, setup SetupPacket, dataPhys uint64, length int) (int, CompletionCode) {
	if dev.onControl != nil {
		if code, handled := dev.onControl(setup); handled {
			if code != CompletionSuccess {
				return 0, code
			}
		}
	}
	if setup.IsIn() && setup.Request == RequestGetDescriptor {
		blob := dev.descriptorBytes(uint8(setup.Value>>8), uint8(setup.Value))
		if blob == nil {
			return 0, CompletionStall
		}
		n := len(blob)
		if n > length {
			n = length
		}
		copy(memBytes(dataPhys, length), blob[:n])
		return n, CompletionSuccess
	}
	// Other requests consume or produce their full data stage.
	if setup.IsIn() {
		clear(memBytes(dataPhys, length))
	}
	return length, CompletionSuccess
}

func (d *simDevice) descriptorBytes(descType, index uint8) []byte {
	switch descType {
	case DescriptorTypeDevice:
		return d.device
	case DescriptorTypeConfiguration:
		return d.config
	case DescriptorTypeString:
		if index == 0 {
			return []byte{4, DescriptorTypeString, 0x09, 0x04}
		}
		return d.strings[index]
	}
	return nil
}

// execNormal executes a bulk/interrupt TD, scattering or gathering the
// payload across the chain.
func (s *sim) execNormal(slot, dci uint8, dev *simDevice, ep *simEndpoint, entries []simTRB) {
	total := 0
	for _, e := range entries {
		total += int(e.trb.Status & 0x1FFFF)
	}
	in := dci&1 == 1

	buf := make([]byte, total)
	if !in {
		off := 0
		for _, e := range entries {
			l := int(e.trb.Status & 0x1FFFF)
			copy(buf[off:off+l], memBytes(e.trb.Parameter, l))
			off += l
		}
	}

	n, code := total, CompletionSuccess
	if dev.onNormal != nil {
		n, code = dev.onNormal(dci, buf, in)
		if code == CompletionInvalid {
			// The model swallows the TD: no event, endpoint appears hung.
			return
		}
	}

	if in {
		off := 0
		for _, e := range entries {
			l := int(e.trb.Status & 0x1FFFF)
			if off < n {
				c := n - off
				if c > l {
					c = l
				}
				copy(memBytes(e.trb.Parameter, l), buf[off:off+c])
			}
			off += l
		}
	}

	switch {
	case code == CompletionSuccess && n == total:
		last := entries[len(entries)-1]
		s.postTransferEvent(slot, dci, last.phys, CompletionSuccess, 0)
	case code == CompletionSuccess || code == CompletionShortPacket:
		// Short packet: the event points at the TRB the transfer stopped
		// in, with that TRB's residual.
		off := 0
		for _, e := range entries {
			l := int(e.trb.Status & 0x1FFFF)
			if n <= off+l {
				s.postTransferEvent(slot, dci, e.phys, CompletionShortPacket, off+l-n)
				return
			}
			off += l
		}
	default:
		if code == CompletionStall {
			ep.halted = true
		}
		last := entries[len(entries)-1]
		s.postTransferEvent(slot, dci, last.phys, code, total-n)
	}
}

// stepPorts services reset requests the driver writes into PORTSC.
func (s *sim) stepPorts() {
	for port := 1; port <= simPorts; port++ {
		base := portRegBase(simCapLen, port)
		v := s.r32(base)
		switch {
		case v&portscPR != 0:
			s.w32(base, v&^uint32(portscPR)|portscPED|portscPRC)
			s.postPortEvent(port)
		case v&portscWPR != 0:
			s.w32(base, v&^uint32(portscWPR)|portscPED|portscWRC)
			s.postPortEvent(port)
		}
	}
}

// consume reads the TRB at the cursor if its cycle bit matches, following
// Link TRBs transparently.
func (s *sim) consume(cur *simCursor) (Trb, uint64, bool) {
	for {
		trb := readTrbAt(cur.phys)
		if trb.CycleBit() != cur.ccs {
			return Trb{}, 0, false
		}
		if trb.Type() == TRBLink {
			if trb.Control&trbToggleCycle != 0 {
				cur.ccs = !cur.ccs
			}
			cur.phys = trb.Parameter &^ 0xF
			continue
		}
		phys := cur.phys
		cur.phys += TRBSize
		return trb, phys, true
	}
}

// Event production. The segment is located lazily from the ERST the driver
// programmed.

func (s *sim) initEventRing() bool {
	if s.evtBase != 0 {
		return true
	}
	intr := interrupterBase(simRTSOff, 0)
	erst := uint64(s.r32(intr+regERSTBA)) | uint64(s.r32(intr+regERSTBA+4))<<32
	if erst == 0 {
		return false
	}
	words := memWords64(erst, 2)
	s.evtBase = words[0]
	s.evtSlots = int(words[1] & 0xFFFF)
	s.evtEnq = 0
	s.evtPCS = true
	return true
}

func (s *sim) postEvent(trb Trb) {
	// Events raised while the controller is halted are lost, as on real
	// hardware; the driver's startup port scan covers them.
	if !s.initEventRing() {
		return
	}
	writeTrbAt(s.evtBase+uint64(s.evtEnq*TRBSize), trb, s.evtPCS)
	s.evtEnq++
	if s.evtEnq == s.evtSlots {
		s.evtEnq = 0
		s.evtPCS = !s.evtPCS
	}
}

func (s *sim) postCommandCompletion(cmdPhys uint64, code CompletionCode, slot uint8) {
	s.postEvent(Trb{
		Parameter: cmdPhys,
		Status:    uint32(code) << 24,
		Control:   uint32(TRBCommandComplete)<<10 | uint32(slot)<<24,
	})
}

func (s *sim) postTransferEvent(slot, dci uint8, trbPhys uint64, code CompletionCode, residual int) {
	s.postEvent(Trb{
		Parameter: trbPhys,
		Status:    uint32(residual)&0xFFFFFF | uint32(code)<<24,
		Control:   uint32(TRBTransferEvent)<<10 | uint32(dci)<<16 | uint32(slot)<<24,
	})
}

func (s *sim) postPortEvent(port int) {
	s.postEvent(Trb{
		Parameter: uint64(port) << 24,
		Status:    uint32(CompletionSuccess) << 24,
		Control:   uint32(TRBPortStatusChange) << 10,
	})
}

// Test-facing operations.

// connect attaches a device model to a port and raises the connect change.
func (s *sim) connect(port int, speed Speed, dev *simDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portDev[port] = dev
	base := portRegBase(simCapLen, port)
	s.w32(base, portscPP|portscCCS|portscCSC|uint32(speed)<<10)
	s.postPortEvent(port)
}

// replug swaps the device on a port in one step: an unplug immediately
// followed by a replug, observed by the driver only after the new device
// re-asserted connect status. PORTSC shows CSC latched with CCS set.
func (s *sim) replug(port int, speed Speed, dev *simDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portDev[port] = dev
	base := portRegBase(simCapLen, port)
	s.w32(base, portscPP|portscCCS|portscCSC|uint32(speed)<<10)
	s.postPortEvent(port)
}

// disconnect detaches the device on a port.
func (s *sim) disconnect(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.portDev, port)
	base := portRegBase(simCapLen, port)
	v := s.r32(base)
	s.w32(base, v&^uint32(portscCCS|portscPED)|portscCSC)
	s.postPortEvent(port)
}

// freezeLifecycle stops the model from servicing reset and run/halt
// transitions, making controller bring-up time out.
func (s *sim) freezeLifecycle() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *sim) setHoldCRR(v bool) {
	s.mu.Lock()
	s.holdCRR = v
	s.mu.Unlock()
}

func (s *sim) commandCount(t TRBType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmdCount[t]
}

func (s *sim) setCommandHook(fn func(trb Trb, phys uint64) (CompletionCode, uint8, bool, bool)) {
	s.mu.Lock()
	s.onCommand = fn
	s.mu.Unlock()
}

func (s *sim) postCompletionLocked(cmdPhys uint64, code CompletionCode, slot uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postCommandCompletion(cmdPhys, code, slot)
}

func (s *sim) postEventLocked(trb Trb) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postEvent(trb)
}

// Register and guest memory access. Physical addresses are identity-mapped
// by the simdma backend.

func (s *sim) r32(offset int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.image[offset])))
}

func (s *sim) w32(offset int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.image[offset])), v)
}

func memBytes(phys uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(phys))), n)
}

func memWords(phys uint64, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(uintptr(phys))), n)
}

func memWords64(phys uint64, n int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(phys))), n)
}

func readTrbAt(phys uint64) Trb {
	p := (*Trb)(unsafe.Pointer(uintptr(phys)))
	control := atomic.LoadUint32(&p.Control)
	return Trb{Parameter: p.Parameter, Status: p.Status, Control: control}
}

func writeTrbAt(phys uint64, t Trb, cycle bool) {
	p := (*Trb)(unsafe.Pointer(uintptr(phys)))
	p.Parameter = t.Parameter
	p.Status = t.Status
	control := t.Control &^ uint32(trbCycle)
	if cycle {
		control |= trbCycle
	}
	atomic.StoreUint32(&p.Control, control)
}

func decodeSetup(immediate uint64) SetupPacket {
	return SetupPacket{
		RequestType: uint8(immediate),
		Request:     uint8(immediate >> 8),
		Value:       uint16(immediate >> 16),
		Index:       uint16(immediate >> 32),
		Length:      uint16(immediate >> 48),
	}
}

// Shared helpers for tests driving a full controller.

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// openController opens a driver instance against the sim and starts its
// polled serve loop.
func openController(t *testing.T, s *sim) *Controller {
	t.Helper()
	c, err := Open(Config{
		Backend:        s.backend,
		MMIOBase:       s.base,
		Logger:         testLogger(),
		CommandTimeout: 2 * time.Second,
		PollInterval:   100 * time.Microsecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// fullSpeedDevice builds a device model with one vendor interface carrying
// a bulk IN/OUT pair and an interrupt IN endpoint.
func fullSpeedDevice() *simDevice {
	device := []byte{
		18, DescriptorTypeDevice,
		0x00, 0x02, // USB 2.0
		0xFF, 0x00, 0x00, // vendor class
		64,         // bMaxPacketSize0
		0x34, 0x12, // idVendor 0x1234
		0x78, 0x56, // idProduct 0x5678
		0x01, 0x00, // bcdDevice
		1, 2, 3, // string indexes
		1, // bNumConfigurations
	}
	config := []byte{
		9, DescriptorTypeConfiguration,
		0, 0, // wTotalLength, patched below
		1, 1, 0, 0x80, 50,

		9, DescriptorTypeInterface,
		0, 0, 3, 0xFF, 0x00, 0x00, 0,

		7, DescriptorTypeEndpoint,
		0x81, EndpointTypeBulk, 64, 0, 0,

		7, DescriptorTypeEndpoint,
		0x02, EndpointTypeBulk, 64, 0, 0,

		7, DescriptorTypeEndpoint,
		0x83, EndpointTypeInterrupt, 8, 0, 10,
	}
	config[2] = byte(len(config))
	config[3] = byte(len(config) >> 8)

	return &simDevice{
		device: device,
		config: config,
		strings: map[uint8][]byte{
			1: stringDescriptor("Initech"),
			2: stringDescriptor("Flux Capacitor"),
			3: stringDescriptor("TPS-0042"),
		},
	}
}

func stringDescriptor(s string) []byte {
	out := []byte{0, DescriptorTypeString}
	for _, r := range s {
		out = append(out, byte(r), byte(uint16(r)>>8))
	}
	out[0] = byte(len(out))
	return out
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(200 * time.Microsecond)
	}
}
