package xhci

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// enumerateDevice walks a freshly enabled port's device through the full
// bring-up sequence: slot assignment, addressing, descriptor reads, endpoint
// configuration, and SET_CONFIGURATION. One Enable Slot and one Address
// Device command are issued per pass; a failure tears the slot down so the
// next connect starts clean.
func (c *Controller) enumerateDevice(ctx context.Context, port int, speed Speed) (*Device, error) {
	slot, err := c.commands.enableSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("enable slot: %w", err)
	}
	log := c.log.WithFields(logrus.Fields{"port": port, "slot": slot})

	if err := c.contexts.installSlot(slot); err != nil {
		c.dropSlot(slot, false)
		return nil, err
	}

	ep0, err := newEndpointRing(c, slot, 1)
	if err != nil {
		c.dropSlot(slot, true)
		return nil, err
	}

	d := &Device{c: c, slotID: slot, port: port, speed: speed}
	d.installEndpoint(1, ep0)
	c.registerDevice(d)

	if err := c.addressDevice(ctx, d, ep0); err != nil {
		d.teardown(err)
		return nil, fmt.Errorf("address device: %w", err)
	}
	c.ports.setState(port, PortAddressed)
	log.Debug("device addressed")

	if err := c.readDescriptors(ctx, d, ep0); err != nil {
		d.teardown(err)
		return nil, err
	}

	if err := c.configureEndpoints(ctx, d); err != nil {
		d.teardown(err)
		return nil, fmt.Errorf("configure endpoints: %w", err)
	}

	if err := d.SetConfiguration(ctx, d.config.ConfigurationValue); err != nil {
		d.teardown(err)
		return nil, fmt.Errorf("set configuration: %w", err)
	}

	// String descriptors are informational; devices without them are fine.
	for _, idx := range []uint8{d.desc.ManufacturerIndex, d.desc.ProductIndex, d.desc.SerialNumberIndex} {
		if _, err := d.GetString(ctx, idx); err != nil {
			log.WithError(err).WithField("index", idx).Debug("string descriptor read failed")
		}
	}
	return d, nil
}

// dropSlot disables a slot that never became a device. Best effort: the
// cleanup must not fail enumeration twice.
func (c *Controller) dropSlot(slot uint8, release bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.commands.timeout)
	defer cancel()
	if err := c.commands.disableSlot(ctx, slot); err != nil {
		c.log.WithError(err).WithField("slot", slot).Warn("disable slot cleanup failed")
		return
	}
	if release {
		c.contexts.releaseSlot(slot)
	}
}

// addressDevice builds the input context for the Address Device command:
// the slot context routes the device to its root port, and endpoint context
// 1 points the control endpoint at its transfer ring.
func (c *Controller) addressDevice(ctx context.Context, d *Device, ep0 *endpointRing) error {
	ic, err := newInputContext(c.backend)
	if err != nil {
		return err
	}
	defer ic.free()

	ic.setFlags(0, 1<<0|1<<1)
	ic.setSlot(0, d.speed, 1, d.port)
	ic.setEndpoint(1, epTypeControl, d.speed.DefaultMaxPacketSize0(), 0, 0, ep0.ringPhys(), true)

	return c.commands.addressDevice(ctx, ic.phys(), d.slotID)
}

// readDescriptors performs the descriptor dance: an 8-byte device
// descriptor read at the speed-default packet size, an Evaluate Context
// when the device reports a different max packet size, then the full device
// and configuration descriptors.
func (c *Controller) readDescriptors(ctx context.Context, d *Device, ep0 *endpointRing) error {
	buf := make([]byte, DeviceDescriptorSize)
	if _, err := d.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8]); err != nil {
		return fmt.Errorf("device descriptor (8 bytes): %w", err)
	}

	var partial DeviceDescriptor
	partial.MaxPacketSize0 = buf[7]
	if mps := partial.MaxPacketSize0For(d.speed); mps != d.speed.DefaultMaxPacketSize0() {
		if err := c.updateMaxPacketSize0(ctx, d, ep0, mps); err != nil {
			return fmt.Errorf("evaluate context: %w", err)
		}
	}

	if _, err := d.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf); err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if !ParseDeviceDescriptor(buf, &d.desc) {
		return fmt.Errorf("%w: malformed device descriptor", ErrTransfer)
	}

	hdr := make([]byte, ConfigurationDescriptorSize)
	if _, err := d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, hdr); err != nil {
		return fmt.Errorf("configuration descriptor header: %w", err)
	}
	var cfg ConfigurationDescriptor
	if !ParseConfigurationDescriptor(hdr, &cfg) || cfg.TotalLength < ConfigurationDescriptorSize {
		return fmt.Errorf("%w: malformed configuration descriptor", ErrTransfer)
	}

	full := make([]byte, cfg.TotalLength)
	n, err := d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, full)
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	return d.parseConfiguration(full[:n])
}

// updateMaxPacketSize0 re-evaluates the control endpoint context with the
// packet size the device actually reports.
func (c *Controller) updateMaxPacketSize0(ctx context.Context, d *Device, ep0 *endpointRing, mps uint16) error {
	ic, err := newInputContext(c.backend)
	if err != nil {
		return err
	}
	defer ic.free()

	ep0.mu.Lock()
	dequeue, cycle := ep0.ring.dequeuePtr()
	ep0.mu.Unlock()

	ic.setFlags(0, 1<<1)
	ic.setEndpoint(1, epTypeControl, mps, 0, 0, dequeue, cycle)
	return c.commands.evaluateContext(ctx, ic.phys(), d.slotID)
}

// parseConfiguration walks the configuration descriptor's embedded
// interface, endpoint, and association descriptors. Only the default
// alternate setting of each interface contributes endpoints; class-specific
// descriptors are kept raw on the interface they follow.
func (d *Device) parseConfiguration(data []byte) error {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return fmt.Errorf("%w: malformed configuration descriptor", ErrTransfer)
	}
	d.interfaces = nil
	d.endpoints = nil
	d.associations = nil

	inDefaultAlt := false
	for off := int(d.config.Length); off+2 <= len(data); {
		length := int(data[off])
		if length < 2 || off+length > len(data) {
			break
		}
		switch data[off+1] {
		case DescriptorTypeInterface:
			var ifc InterfaceDescriptor
			if ParseInterfaceDescriptor(data[off:], &ifc) {
				inDefaultAlt = ifc.AlternateSetting == 0
				if inDefaultAlt {
					d.interfaces = append(d.interfaces, ifc)
				}
			}
		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if inDefaultAlt && ParseEndpointDescriptor(data[off:], &ep) {
				d.endpoints = append(d.endpoints, ep)
			}
		case DescriptorTypeInterfaceAssociation:
			var iad InterfaceAssociationDescriptor
			if ParseInterfaceAssociationDescriptor(data[off:], &iad) {
				d.associations = append(d.associations, iad)
			}
		default:
			// Class-specific descriptor; attach it to the interface it
			// follows for class drivers to interpret.
			if inDefaultAlt && len(d.interfaces) > 0 {
				ifc := &d.interfaces[len(d.interfaces)-1]
				raw := make([]byte, length)
				copy(raw, data[off:off+length])
				ifc.Extra = append(ifc.Extra, raw)
			}
		}
		off += length
	}
	return nil
}

// configureEndpoints allocates a transfer ring per endpoint of the active
// configuration and issues a single Configure Endpoint command adding them
// all.
func (c *Controller) configureEndpoints(ctx context.Context, d *Device) error {
	if len(d.endpoints) == 0 {
		return nil
	}

	ic, err := newInputContext(c.backend)
	if err != nil {
		return err
	}
	defer ic.free()

	add := uint32(1 << 0)
	maxDCI := uint8(1)
	for i := range d.endpoints {
		desc := &d.endpoints[i]
		if desc.IsIsochronous() {
			// Isochronous scheduling is not supported; leave the endpoint
			// unconfigured.
			continue
		}
		if desc.Number() == 0 {
			// Endpoint 0 is the default control pipe and never appears
			// in a well-formed configuration; its DCI would land on the
			// slot or control endpoint context.
			c.log.WithFields(logrus.Fields{
				"slot":     d.slotID,
				"endpoint": desc.EndpointAddress,
			}).Warn("configuration names endpoint 0, skipping")
			continue
		}
		dci := desc.DCI()
		ep, err := newEndpointRing(c, d.slotID, dci)
		if err != nil {
			return err
		}
		d.installEndpoint(dci, ep)

		add |= 1 << dci
		if dci > maxDCI {
			maxDCI = dci
		}
		ic.setEndpoint(dci,
			xhciEndpointType(desc.TransferType(), desc.IsIn()),
			desc.MaxPacketSize, 0,
			endpointInterval(d.speed, desc.Interval),
			ep.ringPhys(), true)
	}

	ic.setFlags(0, add)
	ic.setSlot(0, d.speed, maxDCI, d.port)
	return c.commands.configureEndpoint(ctx, ic.phys(), d.slotID)
}
