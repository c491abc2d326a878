package xhci

import "fmt"

// Speed represents a connected device's speed, using the xHCI port speed
// ID encoding (PORTSC bits 13:10).
type Speed uint8

// Port speed IDs from the xHCI protocol speed ID map.
const (
	SpeedUnknown   Speed = 0
	SpeedFull      Speed = portSpeedFull      // 12 Mbps
	SpeedLow       Speed = portSpeedLow       // 1.5 Mbps
	SpeedHigh      Speed = portSpeedHigh      // 480 Mbps
	SpeedSuper     Speed = portSpeedSuper     // 5 Gbps
	SpeedSuperPlus Speed = portSpeedSuperPlus // 10 Gbps
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	case SpeedSuper:
		return "Super Speed (5 Gbps)"
	case SpeedSuperPlus:
		return "Super Speed Plus (10 Gbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// IsSuperSpeed reports whether the speed requires USB 3 port handling
// (warm reset instead of the USB 2 reset procedure).
func (s Speed) IsSuperSpeed() bool {
	return s >= SpeedSuper
}

// DefaultMaxPacketSize0 returns the default control endpoint packet size
// assumed for this speed until the device descriptor reports otherwise.
func (s Speed) DefaultMaxPacketSize0() uint16 {
	switch s {
	case SpeedLow, SpeedFull:
		return 8
	case SpeedHigh:
		return 64
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 8
	}
}

// PortState is a root port's position in the enumeration state machine.
type PortState uint8

// Port states. A disconnect returns a port to PortDisconnected from any
// state.
const (
	PortDisconnected PortState = iota // No device present
	PortDisabled                      // Device present, not yet reset
	PortResetting                     // Reset in progress
	PortEnabled                       // Reset complete, accepts context operations
	PortAddressed                     // Device has a bus address
	PortConfigured                    // Device configured, endpoints live
)

// String returns a human-readable state name.
func (s PortState) String() string {
	switch s {
	case PortDisconnected:
		return "Disconnected"
	case PortDisabled:
		return "Disabled"
	case PortResetting:
		return "Resetting"
	case PortEnabled:
		return "Enabled"
	case PortAddressed:
		return "Addressed"
	case PortConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Ring sizing, in TRB slots. The event ring is shared by every command and
// endpoint, so it is sized for the combined concurrency; a full event ring
// drops events.
const (
	commandRingSlots  = 256
	eventRingSlots    = 256
	transferRingSlots = 256
)

// maxEndpointContexts is the number of endpoint contexts in a device
// context: the control endpoint plus up to 30 others.
const maxEndpointContexts = 31

// trbMaxTransfer is the largest payload one Normal TRB can carry; larger
// transfers are chained.
const trbMaxTransfer = 64 * 1024

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// Endpoint transfer types (endpoint descriptor bmAttributes).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Standard feature selectors.
const (
	FeatureEndpointHalt    = 0x00 // ENDPOINT_HALT
	FeatureRemoteWakeup    = 0x01 // DEVICE_REMOTE_WAKEUP
	FeatureTestMode        = 0x02 // TEST_MODE
	FeatureFunctionSuspend = 0x00 // FUNCTION_SUSPEND (interface recipient)
	FeatureU1Enable        = 0x30 // U1_ENABLE
	FeatureU2Enable        = 0x31 // U2_ENABLE
	FeatureLTMEnable       = 0x32 // LTM_ENABLE
)

// LangIDUSEnglish is the default string descriptor language.
const LangIDUSEnglish = 0x0409

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket is the 8-byte control request, carried as immediate data in
// a Setup Stage TRB.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Bytes to transfer in the data stage
}

// IsIn reports whether the data stage moves device-to-host.
func (s SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}

// immediate packs the request into the TRB parameter field, little-endian
// per the USB wire layout.
func (s SetupPacket) immediate() uint64 {
	return uint64(s.RequestType) |
		uint64(s.Request)<<8 |
		uint64(s.Value)<<16 |
		uint64(s.Index)<<32 |
		uint64(s.Length)<<48
}

// getDescriptorSetup builds the SETUP packet for a GET_DESCRIPTOR request.
func getDescriptorSetup(descType, index uint8, langID, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      length,
	}
}
