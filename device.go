package xhci

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"
)

// Device is one enumerated USB device: its descriptors, its active
// configuration, and a transfer ring per configured endpoint. Devices are
// created by the port manager and handed to the integrator through
// OnConnect; all methods are safe for concurrent use.
type Device struct {
	c      *Controller
	slotID uint8
	port   int
	speed  Speed

	desc         DeviceDescriptor
	config       ConfigurationDescriptor
	interfaces   []InterfaceDescriptor
	endpoints    []EndpointDescriptor
	associations []InterfaceAssociationDescriptor

	mu      sync.Mutex
	eps     [maxEndpointContexts + 1]*endpointRing // indexed by DCI; 1 is EP0
	strings map[uint8]string
	gone    error
}

// SlotID returns the device slot assigned by the controller.
func (d *Device) SlotID() uint8 { return d.slotID }

// Port returns the 1-indexed root port the device is attached to.
func (d *Device) Port() int { return d.port }

// Speed returns the device's link speed.
func (d *Device) Speed() Speed { return d.speed }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.desc }

// Configuration returns the active configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor { return d.config }

// Interfaces returns the interface descriptors of the active configuration.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.interfaces }

// Endpoints returns the endpoint descriptors of the active configuration.
func (d *Device) Endpoints() []EndpointDescriptor { return d.endpoints }

// Associations returns the interface association descriptors of the active
// configuration, for composite devices grouping interfaces into functions.
func (d *Device) Associations() []InterfaceAssociationDescriptor { return d.associations }

// DeviceClass returns the device class code from the device descriptor.
func (d *Device) DeviceClass() uint8 { return d.desc.DeviceClass }

// State returns the device's position in the enumeration state machine,
// PortConfigured once usable.
func (d *Device) State() PortState { return d.c.ports.state(d.port) }

// VendorID returns the device's vendor ID.
func (d *Device) VendorID() uint16 { return d.desc.VendorID }

// ProductID returns the device's product ID.
func (d *Device) ProductID() uint16 { return d.desc.ProductID }

// Manufacturer returns the manufacturer string, if the device provides one.
func (d *Device) Manufacturer() string { return d.cachedString(d.desc.ManufacturerIndex) }

// Product returns the product string, if the device provides one.
func (d *Device) Product() string { return d.cachedString(d.desc.ProductIndex) }

// SerialNumber returns the serial number string, if the device provides one.
func (d *Device) SerialNumber() string { return d.cachedString(d.desc.SerialNumberIndex) }

func (d *Device) String() string {
	name := d.cachedString(d.desc.ProductIndex)
	if name == "" {
		name = fmt.Sprintf("%04x:%04x", d.desc.VendorID, d.desc.ProductID)
	}
	return fmt.Sprintf("%s on port %d (slot %d, %s)", name, d.port, d.slotID, d.speed)
}

func (d *Device) cachedString(index uint8) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strings[index]
}

// endpoint returns the transfer ring for a DCI, or an error when the
// endpoint was never configured or the device is gone.
func (d *Device) endpoint(dci uint8) (*endpointRing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone != nil {
		return nil, d.gone
	}
	if int(dci) >= len(d.eps) || d.eps[dci] == nil {
		return nil, fmt.Errorf("%w: DCI %d", ErrInvalidEndpoint, dci)
	}
	return d.eps[dci], nil
}

// findEndpoint returns the configured endpoint descriptor for an endpoint
// address.
func (d *Device) findEndpoint(address uint8) (*EndpointDescriptor, error) {
	for i := range d.endpoints {
		if d.endpoints[i].EndpointAddress == address {
			return &d.endpoints[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no endpoint %#02x", ErrInvalidEndpoint, address)
}

// ControlTransfer performs a control request on the default endpoint. For
// IN requests the response lands in data; the return value is the byte
// count actually transferred, which may be short of len(data).
func (d *Device) ControlTransfer(ctx context.Context, setup SetupPacket, data []byte) (int, error) {
	ep, err := d.endpoint(1)
	if err != nil {
		return 0, err
	}
	return ep.control(ctx, setup, data)
}

// BulkTransfer moves data through a bulk endpoint named by its address
// (direction bit included). A short IN transfer is a success; the return
// value reports the bytes received.
func (d *Device) BulkTransfer(ctx context.Context, address uint8, data []byte) (int, error) {
	desc, err := d.findEndpoint(address)
	if err != nil {
		return 0, err
	}
	if !desc.IsBulk() {
		return 0, fmt.Errorf("%w: endpoint %#02x is not bulk", ErrInvalidEndpoint, address)
	}
	ep, err := d.endpoint(desc.DCI())
	if err != nil {
		return 0, err
	}
	return ep.normal(ctx, data, desc.IsIn())
}

// InterruptTransfer moves data through an interrupt endpoint. The hardware
// schedules it at the endpoint's service interval.
func (d *Device) InterruptTransfer(ctx context.Context, address uint8, data []byte) (int, error) {
	desc, err := d.findEndpoint(address)
	if err != nil {
		return 0, err
	}
	if !desc.IsInterrupt() {
		return 0, fmt.Errorf("%w: endpoint %#02x is not interrupt", ErrInvalidEndpoint, address)
	}
	ep, err := d.endpoint(desc.DCI())
	if err != nil {
		return 0, err
	}
	return ep.normal(ctx, data, desc.IsIn())
}

// GetDescriptor issues GET_DESCRIPTOR and returns the bytes received.
func (d *Device) GetDescriptor(ctx context.Context, descType, index uint8, langID uint16, data []byte) (int, error) {
	setup := getDescriptorSetup(descType, index, langID, uint16(len(data)))
	return d.ControlTransfer(ctx, setup, data)
}

// GetStatus issues a standard GET_STATUS request to the device.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	if _, err := d.ControlTransfer(ctx, setup, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// SetConfiguration issues SET_CONFIGURATION. Enumeration already selects
// the first configuration; this is for devices exposing several.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// SetFeature issues SET_FEATURE to the given recipient (RequestTypeDevice,
// RequestTypeInterface, or RequestTypeEndpoint).
func (d *Device) SetFeature(ctx context.Context, recipient uint8, selector, index uint16) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | recipient,
		Request:     RequestSetFeature,
		Value:       selector,
		Index:       index,
	}
	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// ClearFeature issues CLEAR_FEATURE to the given recipient.
func (d *Device) ClearFeature(ctx context.Context, recipient uint8, selector, index uint16) error {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | recipient,
		Request:     RequestClearFeature,
		Value:       selector,
		Index:       index,
	}
	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// ClearEndpointHalt issues CLEAR_FEATURE(ENDPOINT_HALT) to an endpoint,
// resetting its data toggle on the device side. The controller side is
// recovered automatically when a stall completion is seen.
func (d *Device) ClearEndpointHalt(ctx context.Context, address uint8) error {
	return d.ClearFeature(ctx, RequestTypeEndpoint, FeatureEndpointHalt, uint16(address))
}

// GetString fetches and caches a string descriptor, decoded from UTF-16.
// Index 0 is reserved for the language table and returns "".
func (d *Device) GetString(ctx context.Context, index uint8) (string, error) {
	if index == 0 {
		return "", nil
	}
	d.mu.Lock()
	if s, ok := d.strings[index]; ok {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	buf := make([]byte, 255)
	n, err := d.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf)
	if err != nil {
		return "", err
	}
	s := decodeStringDescriptor(buf[:n])

	d.mu.Lock()
	if d.strings == nil {
		d.strings = make(map[uint8]string)
	}
	d.strings[index] = s
	d.mu.Unlock()
	return s, nil
}

// decodeStringDescriptor converts a string descriptor payload (length,
// type, UTF-16LE code units) to a Go string.
func decodeStringDescriptor(data []byte) string {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return ""
	}
	n := int(data[0])
	if n > len(data) {
		n = len(data)
	}
	units := make([]uint16, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		units = append(units, uint16(data[i])|uint16(data[i+1])<<8)
	}
	return string(utf16.Decode(units))
}

// completeTransfer routes a transfer event to the endpoint it belongs to.
// Called from the event path; never blocks.
func (d *Device) completeTransfer(dci uint8, phys uint64, code CompletionCode, residual int) {
	d.mu.Lock()
	var ep *endpointRing
	if int(dci) < len(d.eps) {
		ep = d.eps[dci]
	}
	d.mu.Unlock()
	if ep == nil {
		d.c.metrics.lateEvents.Inc(1)
		return
	}
	ep.complete(phys, code, residual)
}

// installEndpoint records a configured endpoint's transfer ring.
func (d *Device) installEndpoint(dci uint8, ep *endpointRing) {
	d.mu.Lock()
	d.eps[dci] = ep
	d.mu.Unlock()
}

// cancelTransfers fails every in-flight and future transfer with err.
func (d *Device) cancelTransfers(err error) {
	d.mu.Lock()
	if d.gone == nil {
		d.gone = err
	}
	eps := make([]*endpointRing, 0, len(d.eps))
	for _, ep := range d.eps {
		if ep != nil {
			eps = append(eps, ep)
		}
	}
	d.mu.Unlock()
	for _, ep := range eps {
		ep.cancelAll(err)
	}
}

// teardown releases everything the device holds: transfers fail with err,
// the slot is disabled, and only after the controller confirms the disable
// is the context memory freed. Ring memory the hardware might still read
// is leaked when the disable fails.
func (d *Device) teardown(err error) {
	d.cancelTransfers(err)
	d.c.unregisterDevice(d.slotID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if derr := d.c.commands.disableSlot(ctx, d.slotID); derr != nil {
		d.c.log.WithError(derr).WithField("slot", d.slotID).
			Warn("disable slot failed, leaking device memory")
		return
	}
	d.c.contexts.releaseSlot(d.slotID)

	d.mu.Lock()
	for i, ep := range d.eps {
		if ep != nil {
			ep.free()
			d.eps[i] = nil
		}
	}
	d.mu.Unlock()
}
