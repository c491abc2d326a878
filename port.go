package xhci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// enumerateTimeout bounds a full enumeration pass for one device.
const enumerateTimeout = 10 * time.Second

// portManager tracks the root ports: it receives change notifications from
// the event path, runs the connect/reset/enumerate state machine in its own
// worker, and tears devices down on disconnect. Event processing never
// blocks on it; notifications land in a buffered channel.
type portManager struct {
	c      *Controller
	notify chan int
	done   chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	states       []PortState      // indexed by port-1
	devices      []*Device        // indexed by port-1
	waiters      [][]chan *Device // WaitDevice callers, indexed by port-1
	onConnect    func(*Device)
	onDisconnect func(*Device)
}

func newPortManager(c *Controller) *portManager {
	p := &portManager{
		c:       c,
		notify:  make(chan int, 4*c.maxPorts),
		done:    make(chan struct{}),
		states:  make([]PortState, c.maxPorts),
		devices: make([]*Device, c.maxPorts),
		waiters: make([][]chan *Device, c.maxPorts),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// portChanged queues a port for the worker. Called from the event path, so
// it must not block; with the channel full the notification is dropped and
// the next scan picks the port up.
func (p *portManager) portChanged(port int) {
	if port < 1 || port > p.c.maxPorts {
		return
	}
	select {
	case p.notify <- port:
	default:
		p.c.log.WithField("port", port).Warn("port notification dropped")
	}
}

// scan queues every port with a device present or a pending change bit.
// Called once at startup: devices connected before the controller ran never
// generate a Port Status Change event.
func (p *portManager) scan() {
	for port := 1; port <= p.c.maxPorts; port++ {
		portsc := p.c.readPortSC(port)
		if portsc&portscCCS != 0 || portsc&portscChangeMask != 0 {
			p.portChanged(port)
		}
	}
}

func (p *portManager) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case port := <-p.notify:
			p.handleChange(port)
		}
	}
}

// handleChange advances one port's state machine from its current PORTSC
// value. Change bits are acknowledged exactly once, here, after being
// decoded.
func (p *portManager) handleChange(port int) {
	portsc := p.c.readPortSC(port)
	changes := portsc & portscChangeMask
	if changes != 0 {
		p.ackChanges(port, portsc)
	}

	state := p.state(port)
	log := p.c.log.WithFields(logrus.Fields{
		"port":  port,
		"state": state,
	})

	// Disconnect wins over everything: any device on the port is gone.
	if portsc&portscCCS == 0 {
		if state != PortDisconnected {
			log.Info("port disconnected")
			p.teardownPort(port)
			p.setState(port, PortDisconnected)
		}
		return
	}

	// CSC latched while connect status was already up means the link
	// dropped and a device reconnected before the notification was
	// handled. Tear down whatever was on the port and restart the
	// connect sequence for the new device.
	if changes&portscCSC != 0 && state != PortDisconnected {
		log.Info("port reconnected, releasing previous device")
		p.teardownPort(port)
		p.setState(port, PortDisconnected)
		state = PortDisconnected
	}

	switch state {
	case PortDisconnected:
		if changes&portscCSC == 0 && portsc&portscPED == 0 {
			return
		}
		p.setState(port, PortDisabled)
		if portsc&portscPED != 0 {
			// SuperSpeed ports train without a software-initiated reset.
			p.portEnabled(port, portsc, log)
			return
		}
		log.Info("device connected, resetting port")
		p.resetPort(port, portsc)
		p.setState(port, PortResetting)

	case PortResetting:
		if changes&(portscPRC|portscWRC) == 0 {
			return
		}
		if portsc&portscPED == 0 {
			log.Warn("port reset completed without enable")
			p.setState(port, PortDisabled)
			return
		}
		p.portEnabled(port, portsc, log)

	default:
		// Enabled and beyond: spurious changes (link state, over-current)
		// were already acknowledged; a re-reset would come via disconnect.
	}
}

// resetPort initiates a port reset: warm reset for SuperSpeed links,
// standard reset otherwise. Completion arrives as a PRC/WRC change.
func (p *portManager) resetPort(port int, portsc uint32) {
	keep := portsc &^ uint32(portscPED|portscPR|portscWPR|portscChangeMask)
	if Speed(portscSpeed(portsc)).IsSuperSpeed() {
		p.c.writePortSC(port, keep|portscWPR)
	} else {
		p.c.writePortSC(port, keep|portscPR)
	}
}

// portEnabled finishes the connect path: the port carries a trained link,
// so the device can be enumerated.
func (p *portManager) portEnabled(port int, portsc uint32, log *logrus.Entry) {
	p.setState(port, PortEnabled)
	speed := Speed(portscSpeed(portsc))
	log.WithField("speed", speed).Info("port enabled")

	ctx, cancel := context.WithTimeout(context.Background(), enumerateTimeout)
	defer cancel()
	dev, err := p.c.enumerateDevice(ctx, port, speed)
	if err != nil {
		log.WithError(err).Warn("enumeration failed")
		p.setState(port, PortDisabled)
		return
	}

	p.mu.Lock()
	p.devices[port-1] = dev
	p.states[port-1] = PortConfigured
	cb := p.onConnect
	waiting := p.waiters[port-1]
	p.waiters[port-1] = nil
	p.mu.Unlock()

	for _, ch := range waiting {
		ch <- dev
	}

	p.c.metrics.devicesEnumerated.Inc(1)
	log.WithFields(logrus.Fields{
		"slot":    dev.slotID,
		"vendor":  dev.desc.VendorID,
		"product": dev.desc.ProductID,
	}).Info("device configured")
	if cb != nil {
		cb(dev)
	}
}

// ackChanges clears the observed change bits. PED is write-1-to-disable and
// PR/WPR are triggers, so they are masked out of the write-back.
func (p *portManager) ackChanges(port int, portsc uint32) {
	keep := portsc &^ uint32(portscPED|portscPR|portscWPR|portscChangeMask)
	p.c.writePortSC(port, keep|portsc&portscChangeMask)
}

// teardownPort releases the device on a port after a disconnect.
func (p *portManager) teardownPort(port int) {
	p.mu.Lock()
	dev := p.devices[port-1]
	p.devices[port-1] = nil
	cb := p.onDisconnect
	p.mu.Unlock()
	if dev == nil {
		return
	}
	if cb != nil {
		cb(dev)
	}
	dev.teardown(ErrDeviceDisconnected)
}

func (p *portManager) state(port int) PortState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[port-1]
}

func (p *portManager) setState(port int, s PortState) {
	p.mu.Lock()
	p.states[port-1] = s
	p.mu.Unlock()
}

// device returns the configured device on a port, if any.
func (p *portManager) device(port int) *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[port-1]
}

// shutdown stops the worker and cancels transfers on every device. Slots
// are not disabled: the controller is halting anyway.
func (p *portManager) shutdown() {
	close(p.done)
	p.wg.Wait()
	p.mu.Lock()
	devs := make([]*Device, 0, len(p.devices))
	for i, d := range p.devices {
		if d != nil {
			devs = append(devs, d)
			p.devices[i] = nil
		}
	}
	p.mu.Unlock()
	for _, d := range devs {
		d.cancelTransfers(ErrClosed)
	}
}

// OnConnect registers a callback invoked from the port worker each time a
// device finishes enumeration. Register before calling Serve.
func (c *Controller) OnConnect(fn func(*Device)) {
	c.ports.mu.Lock()
	c.ports.onConnect = fn
	c.ports.mu.Unlock()
}

// OnDisconnect registers a callback invoked when a configured device is
// unplugged, before its slot is released.
func (c *Controller) OnDisconnect(fn func(*Device)) {
	c.ports.mu.Lock()
	c.ports.onDisconnect = fn
	c.ports.mu.Unlock()
}

// PortState returns the enumeration state of a root port (1-indexed).
func (c *Controller) PortState(port int) PortState {
	if port < 1 || port > c.maxPorts {
		return PortDisconnected
	}
	return c.ports.state(port)
}

// WaitDevice blocks until a configured device is present on a root port or
// the context expires. A device already on the port returns immediately.
func (c *Controller) WaitDevice(ctx context.Context, port int) (*Device, error) {
	if port < 1 || port > c.maxPorts {
		return nil, fmt.Errorf("port %d out of range", port)
	}
	p := c.ports
	p.mu.Lock()
	if d := p.devices[port-1]; d != nil {
		p.mu.Unlock()
		return d, nil
	}
	ch := make(chan *Device, 1)
	p.waiters[port-1] = append(p.waiters[port-1], ch)
	p.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

// DeviceOnPort returns the configured device on a root port, or nil.
func (c *Controller) DeviceOnPort(port int) *Device {
	if port < 1 || port > c.maxPorts {
		return nil
	}
	return c.ports.device(port)
}

// Devices returns every configured device.
func (c *Controller) Devices() []*Device {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	out := make([]*Device, 0, len(c.devs))
	for _, d := range c.devs {
		out = append(out, d)
	}
	return out
}
