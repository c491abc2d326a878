package xhci

// Capability register offsets (from the MMIO base).
const (
	regCapLength  = 0x00 // Capability register length / interface version
	regHCSParams1 = 0x04 // Structural parameters 1: slots, interrupters, ports
	regHCSParams2 = 0x08 // Structural parameters 2: scratchpad demand
	regHCSParams3 = 0x0C // Structural parameters 3
	regHCCParams1 = 0x10 // Capability parameters 1
	regDBOff      = 0x14 // Doorbell array offset
	regRTSOff     = 0x18 // Runtime register space offset
	regHCCParams2 = 0x1C // Capability parameters 2
)

// Operational register offsets (from the operational base).
const (
	regUSBCmd   = 0x00 // USB command
	regUSBSts   = 0x04 // USB status
	regPageSize = 0x08 // Supported page sizes
	regDNCtrl   = 0x14 // Device notification control
	regCRCR     = 0x18 // Command ring control
	regDCBAAP   = 0x30 // Device context base address array pointer
	regConfig   = 0x38 // Configure (enabled slot count)
)

// HCCPARAMS1 bits. Bits 31:16 locate the first extended capability, in
// dwords from the MMIO base.
const (
	hccAC64 = 1 << 0 // 64-bit addressing capability
	hccCSZ  = 1 << 2 // 64-byte context size
)

// Extended capability IDs.
const (
	xecpIDLegacy   = 1 // USB Legacy Support
	xecpIDProtocol = 2 // Supported Protocol
)

// USB Legacy Support capability bits (ownership semaphores).
const (
	legacyBIOSOwned = 1 << 16
	legacyOSOwned   = 1 << 24
)

// USBCMD bits.
const (
	usbCmdRun   = 1 << 0 // Run/Stop
	usbCmdHCRst = 1 << 1 // Host controller reset
	usbCmdINTE  = 1 << 2 // Interrupter enable
	usbCmdHSEE  = 1 << 3 // Host system error enable
)

// USBSTS bits.
const (
	usbStsHCH  = 1 << 0  // Host controller halted
	usbStsHSE  = 1 << 2  // Host system error
	usbStsEInt = 1 << 3  // Event interrupt
	usbStsPCD  = 1 << 4  // Port change detect
	usbStsCNR  = 1 << 11 // Controller not ready
	usbStsHCE  = 1 << 12 // Host controller error
)

// CRCR bits.
const (
	crcrRCS = 1 << 0 // Ring cycle state
	crcrCS  = 1 << 1 // Command stop
	crcrCA  = 1 << 2 // Command abort
	crcrCRR = 1 << 3 // Command ring running
)

// PORTSC bits. Change bits (CSC and friends) are write-1-to-clear; writing
// a PORTSC value back without masking them acknowledges changes that have
// not been observed yet.
const (
	portscCCS      = 1 << 0  // Current connect status
	portscPED      = 1 << 1  // Port enabled/disabled
	portscOCA      = 1 << 3  // Over-current active
	portscPR       = 1 << 4  // Port reset
	portscPP       = 1 << 9  // Port power
	portscCSC      = 1 << 17 // Connect status change
	portscPEC      = 1 << 18 // Port enabled/disabled change
	portscWRC      = 1 << 19 // Warm port reset change
	portscOCC      = 1 << 20 // Over-current change
	portscPRC      = 1 << 21 // Port reset change
	portscPLC      = 1 << 22 // Port link state change
	portscCEC      = 1 << 23 // Port config error change
	portscWPR      = 1 << 31 // Warm port reset
	portscPLSMask  = 0xF << 5
	portscPLSShift = 5
)

// portscChangeMask covers all write-1-to-clear change bits in PORTSC.
const portscChangeMask = portscCSC | portscPEC | portscWRC | portscOCC |
	portscPRC | portscPLC | portscCEC

// Port speed field values (PORTSC bits 13:10).
const (
	portSpeedFull      = 1 // 12 Mbps
	portSpeedLow       = 2 // 1.5 Mbps
	portSpeedHigh      = 3 // 480 Mbps
	portSpeedSuper     = 4 // 5 Gbps
	portSpeedSuperPlus = 5 // 10 Gbps
)

// Interrupter register offsets (from each interrupter's register set base).
const (
	regIMan   = 0x00 // Interrupter management
	regIMod   = 0x04 // Interrupter moderation
	regERSTSz = 0x08 // Event ring segment table size
	regERSTBA = 0x10 // Event ring segment table base address
	regERDP   = 0x18 // Event ring dequeue pointer
)

// IMAN bits.
const (
	imanIP = 1 << 0 // Interrupt pending
	imanIE = 1 << 1 // Interrupt enable
)

// ERDP bits.
const erdpEHB = 1 << 3 // Event handler busy (write-1-to-clear)

// portRegBase returns the offset of a port's register set from the MMIO
// base. Ports are 1-indexed in this driver, matching the xHCI numbering.
func portRegBase(capLength uint8, port int) int {
	return int(capLength) + 0x400 + (port-1)*0x10
}

// doorbellOffset returns the offset of a doorbell register from the MMIO
// base. Doorbell 0 is the command doorbell; doorbell N targets slot N.
func doorbellOffset(dbOff uint32, slot uint8) int {
	return int(dbOff) + int(slot)*4
}

// interrupterBase returns the offset of interrupter n's register set from
// the MMIO base.
func interrupterBase(rtsOff uint32, n int) int {
	return int(rtsOff) + 0x20 + n*0x20
}

// portscSpeed extracts the port speed field from a PORTSC value.
func portscSpeed(portsc uint32) uint8 {
	return uint8((portsc >> 10) & 0xF)
}
