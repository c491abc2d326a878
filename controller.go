package xhci

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hwstack/xhci/dma"
)

// initWindow is the provisional mapping used to read the capability
// registers before the full register space size is known.
const initWindow = 0x1000

// initTimeout bounds the halt/reset/ready register waits during
// construction and teardown.
const initTimeout = time.Second

// Config supplies everything the engine needs from its integrator.
type Config struct {
	// Backend provides DMA memory and register mapping. Required.
	Backend dma.Backend

	// MMIOBase is the physical base address of the controller's register
	// space, located by the integrator's PCI glue. Required.
	MMIOBase uint64

	// Logger receives structured driver logs. Defaults to a logger with
	// all output discarded.
	Logger *logrus.Logger

	// CommandTimeout bounds each controller command before the ring is
	// recovered via stop/abort. Defaults to 5 seconds.
	CommandTimeout time.Duration

	// PollInterval is the event poll period used by Serve when running
	// in polled mode. Defaults to 1 millisecond.
	PollInterval time.Duration
}

func (cfg *Config) withDefaults() (Config, error) {
	out := *cfg
	if out.Backend == nil {
		return out, fmt.Errorf("%w: no DMA backend", ErrInitializationFailed)
	}
	if out.MMIOBase == 0 {
		return out, fmt.Errorf("%w: no MMIO base", ErrInitializationFailed)
	}
	if out.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		out.Logger = l
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = 5 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Millisecond
	}
	return out, nil
}

// Controller drives one xHCI host controller: its command and event rings,
// device contexts, and root ports.
type Controller struct {
	backend dma.Backend
	log     *logrus.Logger
	metrics *driverMetrics

	mmio     mmio
	mmioPhys uint64
	capLen   uint8
	opBase   int
	rtsOff   uint32
	dbOff    uint32
	xecp     uint32 // first extended capability, in dwords from the base

	maxSlots int
	maxPorts int

	contexts *contextManager
	commands *commandProcessor
	events   *eventProcessor
	ports    *portManager

	devMu sync.RWMutex
	devs  map[uint8]*Device // routing table for transfer events, by slot

	closeMu sync.Mutex
	closed  bool
}

// Open maps the controller's registers, takes ownership of the hardware
// (halt + reset), programs the command and event rings and the DCBAA, and
// starts the controller running. Initialization failures are fatal: no
// partially-constructed Controller is returned.
func Open(cfg Config) (*Controller, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		backend:  cfg.Backend,
		log:      cfg.Logger,
		metrics:  newDriverMetrics(),
		mmioPhys: cfg.MMIOBase,
		devs:     make(map[uint8]*Device),
	}

	if err := c.mapRegisters(); err != nil {
		return nil, err
	}
	c.biosHandoff()

	hcs2 := c.mmio.read32(regHCSParams2)
	scratchpads := int((hcs2>>27)&0x1F | (hcs2>>21)&0x1F<<5)

	c.contexts, err = newContextManager(c.backend, c.maxSlots)
	if err != nil {
		c.unmap()
		return nil, err
	}
	if err := c.contexts.initScratchpad(scratchpads); err != nil {
		c.contexts.free()
		c.unmap()
		return nil, err
	}

	cmdRing, err := newRing(c.backend, commandRingSlots)
	if err != nil {
		c.contexts.free()
		c.unmap()
		return nil, err
	}
	evtRing, err := newEventRing(c.backend, eventRingSlots)
	if err != nil {
		cmdRing.free()
		c.contexts.free()
		c.unmap()
		return nil, err
	}

	c.commands = newCommandProcessor(c, cmdRing, cfg.CommandTimeout)
	c.events = newEventProcessor(c, evtRing, cfg.PollInterval)
	c.ports = newPortManager(c)

	if err := c.start(); err != nil {
		c.ports.shutdown()
		evtRing.free()
		cmdRing.free()
		c.contexts.free()
		c.unmap()
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"ports":       c.maxPorts,
		"slots":       c.maxSlots,
		"scratchpads": scratchpads,
	}).Info("controller running")
	return c, nil
}

// mapRegisters reads the capability registers through a provisional
// mapping, then remaps the full register space.
func (c *Controller) mapRegisters() error {
	virt, err := c.backend.MapDeviceRegisters(c.mmioPhys, initWindow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	init := mmio{base: virt, size: initWindow}

	c.capLen = init.read8(regCapLength)
	hcs1 := init.read32(regHCSParams1)
	c.dbOff = init.read32(regDBOff)
	c.rtsOff = init.read32(regRTSOff)

	c.maxSlots = int(hcs1 & 0xFF)
	c.maxPorts = int(hcs1 >> 24 & 0xFF)
	if c.maxSlots == 0 || c.maxPorts == 0 {
		c.backend.UnmapDeviceRegisters(virt, initWindow)
		return fmt.Errorf("%w: controller reports %d slots, %d ports",
			ErrInitializationFailed, c.maxSlots, c.maxPorts)
	}
	hcc := init.read32(regHCCParams1)
	if hcc&hccCSZ != 0 {
		// All context structures are laid out for 32-byte entries.
		c.backend.UnmapDeviceRegisters(virt, initWindow)
		return fmt.Errorf("%w: 64-byte context controllers are not supported",
			ErrInitializationFailed)
	}
	c.xecp = hcc >> 16

	// Size the full mapping to cover runtime registers, the doorbell
	// array, and every port register set.
	size := int(c.rtsOff) + 0x40
	if db := int(c.dbOff) + (c.maxSlots+1)*4; db > size {
		size = db
	}
	if ports := portRegBase(c.capLen, c.maxPorts) + 0x10; ports > size {
		size = ports
	}
	if size < 0x10000 {
		size = 0x10000
	}

	c.backend.UnmapDeviceRegisters(virt, initWindow)
	virt, err = c.backend.MapDeviceRegisters(c.mmioPhys, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	c.mmio = mmio{base: virt, size: size}
	c.opBase = int(c.capLen)
	return nil
}

// biosHandoff claims ownership from system firmware through the USB Legacy
// Support extended capability, when the controller advertises one. Firmware
// that never releases its semaphore is overridden after the wait.
func (c *Controller) biosHandoff() {
	off := int(c.xecp) * 4
	for off != 0 && off+4 <= c.mmio.size {
		reg := c.mmio.read32(off)
		if uint8(reg) == xecpIDLegacy {
			c.mmio.write32(off, reg|legacyOSOwned)
			deadline := time.Now().Add(initTimeout)
			for c.mmio.read32(off)&legacyBIOSOwned != 0 {
				if time.Now().After(deadline) {
					c.log.Warn("firmware did not release controller ownership")
					break
				}
				runtime.Gosched()
			}
			return
		}
		next := int(reg>>8) & 0xFF
		if next == 0 {
			return
		}
		off += next * 4
	}
}

func (c *Controller) unmap() {
	if c.mmio.base != 0 {
		c.backend.UnmapDeviceRegisters(c.mmio.base, c.mmio.size)
		c.mmio = mmio{}
	}
}

// start halts and resets the controller, programs its data structures,
// and sets it running.
func (c *Controller) start() error {
	// Stop the controller if the firmware left it running.
	if cmd := c.readOp(regUSBCmd); cmd&usbCmdRun != 0 {
		c.writeOp(regUSBCmd, cmd&^uint32(usbCmdRun))
		if !c.waitOpSet(regUSBSts, usbStsHCH, initTimeout) {
			return fmt.Errorf("%w: controller did not halt", ErrInitializationFailed)
		}
	}

	// Reset and wait for the controller to become ready.
	c.writeOp(regUSBCmd, usbCmdHCRst)
	if !c.waitOpClear(regUSBCmd, usbCmdHCRst, initTimeout) {
		return fmt.Errorf("%w: reset did not complete", ErrInitializationFailed)
	}
	if !c.waitOpClear(regUSBSts, usbStsCNR, initTimeout) {
		return fmt.Errorf("%w: controller not ready after reset", ErrInitializationFailed)
	}

	c.writeOp(regConfig, uint32(c.maxSlots))
	c.op().write64(regDCBAAP, c.contexts.dcbaaPhys())
	c.op().write64(regCRCR, c.commands.ring.phys()|crcrRCS)

	intr := interrupterBase(c.rtsOff, 0)
	c.mmio.write32(intr+regERSTSz, 1)
	c.mmio.write64(intr+regERSTBA, c.events.ring.erstPhys())
	c.mmio.write64(intr+regERDP, c.events.ring.ringPhys())
	c.mmio.write32(intr+regIMan, imanIE)

	c.writeOp(regUSBCmd, usbCmdRun|usbCmdINTE)
	if !c.waitOpClear(regUSBSts, usbStsHCH, initTimeout) {
		return fmt.Errorf("%w: controller did not start", ErrInitializationFailed)
	}
	return nil
}

// op returns the operational register window.
func (c *Controller) op() mmio {
	return mmio{base: c.mmio.base + uintptr(c.opBase), size: c.mmio.size - c.opBase}
}

func (c *Controller) readOp(offset int) uint32 {
	return c.mmio.read32(c.opBase + offset)
}

func (c *Controller) writeOp(offset int, val uint32) {
	c.mmio.write32(c.opBase+offset, val)
}

// waitOpSet polls an operational register until all mask bits are set.
func (c *Controller) waitOpSet(offset int, mask uint32, timeout time.Duration) bool {
	return c.waitOp(offset, mask, true, timeout)
}

// waitOpClear polls an operational register until all mask bits are clear.
func (c *Controller) waitOpClear(offset int, mask uint32, timeout time.Duration) bool {
	return c.waitOp(offset, mask, false, timeout)
}

func (c *Controller) waitOp(offset int, mask uint32, set bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		v := c.readOp(offset)
		if set && v&mask == mask {
			return true
		}
		if !set && v&mask == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
	}
}

// ringDoorbell notifies the controller of new TRBs. Doorbell 0 with target
// 0 is the command ring; doorbell N with a DCI target names an endpoint of
// slot N. The write is non-blocking.
func (c *Controller) ringDoorbell(slot uint8, target uint8) {
	c.mmio.write32(doorbellOffset(c.dbOff, slot), uint32(target))
}

// readPortSC reads a port's status and control register (1-indexed).
func (c *Controller) readPortSC(port int) uint32 {
	return c.mmio.read32(portRegBase(c.capLen, port))
}

// writePortSC writes a port's status and control register. Callers must
// mask unobserved change bits; they are write-1-to-clear.
func (c *Controller) writePortSC(port int, val uint32) {
	c.mmio.write32(portRegBase(c.capLen, port), val)
}

// MaxPorts returns the number of root ports the controller implements.
func (c *Controller) MaxPorts() int {
	return c.maxPorts
}

// MaxSlots returns the number of device slots the controller implements.
func (c *Controller) MaxSlots() int {
	return c.maxSlots
}

// PortConnected reports whether a device is present on the port
// (1-indexed).
func (c *Controller) PortConnected(port int) bool {
	if port < 1 || port > c.maxPorts {
		return false
	}
	return c.readPortSC(port)&portscCCS != 0
}

// registerDevice installs a device in the slot routing table so transfer
// events reach its endpoints.
func (c *Controller) registerDevice(d *Device) {
	c.devMu.Lock()
	c.devs[d.slotID] = d
	c.devMu.Unlock()
}

// unregisterDevice removes a device from the routing table.
func (c *Controller) unregisterDevice(slot uint8) {
	c.devMu.Lock()
	delete(c.devs, slot)
	c.devMu.Unlock()
}

// deviceBySlot returns the device registered for a slot, if any.
func (c *Controller) deviceBySlot(slot uint8) *Device {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	return c.devs[slot]
}

// Close stops the controller and releases every resource. Devices are torn
// down first so context memory is freed only after their slots are
// disabled.
func (c *Controller) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.ports.shutdown()
	c.commands.failAll(ErrClosed)

	// Halt the controller so it can no longer touch DMA memory.
	c.writeOp(regUSBCmd, c.readOp(regUSBCmd)&^uint32(usbCmdRun))
	if !c.waitOpSet(regUSBSts, usbStsHCH, initTimeout) {
		c.log.Warn("controller did not halt during shutdown")
	}

	c.events.ring.free()
	c.commands.ring.free()
	c.contexts.free()
	c.unmap()

	c.log.Info("controller closed")
	return nil
}
