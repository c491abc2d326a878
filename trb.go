package xhci

import "fmt"

// TRBSize is the size of a Transfer Request Block in bytes.
const TRBSize = 16

// Trb is one Transfer Request Block: the fixed 16-byte descriptor exchanged
// with the controller through command, event, and transfer rings. Field
// layout matches the xHCI specification bit-for-bit.
type Trb struct {
	Parameter uint64 // Buffer pointer, immediate data, or event source
	Status    uint32 // Length and event completion code
	Control   uint32 // Cycle bit, flags, TRB type, target fields
}

// TRBType identifies the kind of a TRB (Control field bits 15:10).
type TRBType uint8

// TRB types used by this driver.
const (
	TRBNormal            TRBType = 1
	TRBSetupStage        TRBType = 2
	TRBDataStage         TRBType = 3
	TRBStatusStage       TRBType = 4
	TRBLink              TRBType = 6
	TRBNoOp              TRBType = 8
	TRBEnableSlot        TRBType = 9
	TRBDisableSlot       TRBType = 10
	TRBAddressDevice     TRBType = 11
	TRBConfigureEndpoint TRBType = 12
	TRBEvaluateContext   TRBType = 13
	TRBResetEndpoint     TRBType = 14
	TRBStopEndpoint      TRBType = 15
	TRBSetTRDequeue      TRBType = 16
	TRBNoOpCommand       TRBType = 23
	TRBTransferEvent     TRBType = 32
	TRBCommandComplete   TRBType = 33
	TRBPortStatusChange  TRBType = 34
	TRBHostController    TRBType = 37
)

// String returns the TRB type mnemonic.
func (t TRBType) String() string {
	switch t {
	case TRBNormal:
		return "Normal"
	case TRBSetupStage:
		return "Setup Stage"
	case TRBDataStage:
		return "Data Stage"
	case TRBStatusStage:
		return "Status Stage"
	case TRBLink:
		return "Link"
	case TRBNoOp:
		return "No Op"
	case TRBEnableSlot:
		return "Enable Slot"
	case TRBDisableSlot:
		return "Disable Slot"
	case TRBAddressDevice:
		return "Address Device"
	case TRBConfigureEndpoint:
		return "Configure Endpoint"
	case TRBEvaluateContext:
		return "Evaluate Context"
	case TRBResetEndpoint:
		return "Reset Endpoint"
	case TRBStopEndpoint:
		return "Stop Endpoint"
	case TRBSetTRDequeue:
		return "Set TR Dequeue Pointer"
	case TRBNoOpCommand:
		return "No Op Command"
	case TRBTransferEvent:
		return "Transfer Event"
	case TRBCommandComplete:
		return "Command Completion Event"
	case TRBPortStatusChange:
		return "Port Status Change Event"
	case TRBHostController:
		return "Host Controller Event"
	default:
		return fmt.Sprintf("Type %d", uint8(t))
	}
}

// CompletionCode is the hardware result of a command or transfer
// (Status field bits 31:24 of an event TRB).
type CompletionCode uint8

// Completion codes.
const (
	CompletionInvalid            CompletionCode = 0
	CompletionSuccess            CompletionCode = 1
	CompletionDataBufferError    CompletionCode = 2
	CompletionBabble             CompletionCode = 3
	CompletionTransactionError   CompletionCode = 4
	CompletionTRBError           CompletionCode = 5
	CompletionStall              CompletionCode = 6
	CompletionResourceError      CompletionCode = 7
	CompletionNoSlots            CompletionCode = 9
	CompletionShortPacket        CompletionCode = 13
	CompletionRingUnderrun       CompletionCode = 14
	CompletionRingOverrun        CompletionCode = 15
	CompletionParameterError     CompletionCode = 17
	CompletionContextStateError  CompletionCode = 19
	CompletionEventRingFull      CompletionCode = 21
	CompletionMissedService      CompletionCode = 23
	CompletionCommandRingStopped CompletionCode = 24
	CompletionCommandAborted     CompletionCode = 25
	CompletionStopped            CompletionCode = 26
)

// String returns the completion code mnemonic.
func (c CompletionCode) String() string {
	switch c {
	case CompletionSuccess:
		return "Success"
	case CompletionDataBufferError:
		return "Data Buffer Error"
	case CompletionBabble:
		return "Babble Detected"
	case CompletionTransactionError:
		return "USB Transaction Error"
	case CompletionTRBError:
		return "TRB Error"
	case CompletionStall:
		return "Stall Error"
	case CompletionResourceError:
		return "Resource Error"
	case CompletionNoSlots:
		return "No Slots Available"
	case CompletionShortPacket:
		return "Short Packet"
	case CompletionRingUnderrun:
		return "Ring Underrun"
	case CompletionRingOverrun:
		return "Ring Overrun"
	case CompletionParameterError:
		return "Parameter Error"
	case CompletionContextStateError:
		return "Context State Error"
	case CompletionEventRingFull:
		return "Event Ring Full"
	case CompletionCommandRingStopped:
		return "Command Ring Stopped"
	case CompletionCommandAborted:
		return "Command Aborted"
	case CompletionStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Completion Code %d", uint8(c))
	}
}

// Control field bits.
const (
	trbCycle       = 1 << 0  // Cycle bit
	trbToggleCycle = 1 << 1  // Toggle Cycle (Link TRB)
	trbISP         = 1 << 2  // Interrupt on Short Packet
	trbChain       = 1 << 4  // Chain with next TRB
	trbIOC         = 1 << 5  // Interrupt On Completion
	trbIDT         = 1 << 6  // Immediate Data (Setup Stage)
	trbDirIn       = 1 << 16 // Data/Status Stage direction: IN
)

// Transfer type field of a Setup Stage TRB (Control bits 17:16).
const (
	setupTRTNone = 0 << 16
	setupTRTOut  = 2 << 16
	setupTRTIn   = 3 << 16
)

// Type returns the TRB type field.
func (t Trb) Type() TRBType {
	return TRBType((t.Control >> 10) & 0x3F)
}

// CycleBit reports the cycle bit state.
func (t Trb) CycleBit() bool {
	return t.Control&trbCycle != 0
}

// CompletionCode returns the completion code of an event TRB.
func (t Trb) CompletionCode() CompletionCode {
	return CompletionCode(t.Status >> 24)
}

// SlotID returns the slot ID field of an event or command TRB.
func (t Trb) SlotID() uint8 {
	return uint8(t.Control >> 24)
}

// EndpointID returns the endpoint (device context index) field of a
// Transfer Event TRB.
func (t Trb) EndpointID() uint8 {
	return uint8((t.Control >> 16) & 0x1F)
}

// TransferLength returns the residual byte count of a Transfer Event TRB:
// the number of requested bytes NOT transferred.
func (t Trb) TransferLength() int {
	return int(t.Status & 0xFFFFFF)
}

// PortID returns the 1-based port number of a Port Status Change Event.
func (t Trb) PortID() int {
	return int(t.Parameter>>24) & 0xFF
}

// typeControl assembles a Control field from a type and flags.
func typeControl(t TRBType, flags uint32) uint32 {
	return uint32(t)<<10 | flags
}

// linkTrb builds a Link TRB pointing back to the ring origin.
func linkTrb(target uint64, toggle bool) Trb {
	flags := uint32(0)
	if toggle {
		flags = trbToggleCycle
	}
	return Trb{Parameter: target, Control: typeControl(TRBLink, flags)}
}

// noOpCommandTrb builds a No Op command, used for ring liveness checks.
func noOpCommandTrb() Trb {
	return Trb{Control: typeControl(TRBNoOpCommand, 0)}
}

// enableSlotTrb builds an Enable Slot command.
func enableSlotTrb() Trb {
	return Trb{Control: typeControl(TRBEnableSlot, 0)}
}

// disableSlotTrb builds a Disable Slot command.
func disableSlotTrb(slot uint8) Trb {
	return Trb{Control: typeControl(TRBDisableSlot, uint32(slot)<<24)}
}

// addressDeviceTrb builds an Address Device command referencing an input
// context.
func addressDeviceTrb(inputCtx uint64, slot uint8) Trb {
	return Trb{Parameter: inputCtx, Control: typeControl(TRBAddressDevice, uint32(slot)<<24)}
}

// configureEndpointTrb builds a Configure Endpoint command.
func configureEndpointTrb(inputCtx uint64, slot uint8) Trb {
	return Trb{Parameter: inputCtx, Control: typeControl(TRBConfigureEndpoint, uint32(slot)<<24)}
}

// evaluateContextTrb builds an Evaluate Context command.
func evaluateContextTrb(inputCtx uint64, slot uint8) Trb {
	return Trb{Parameter: inputCtx, Control: typeControl(TRBEvaluateContext, uint32(slot)<<24)}
}

// resetEndpointTrb builds a Reset Endpoint command.
func resetEndpointTrb(slot, endpoint uint8) Trb {
	return Trb{Control: typeControl(TRBResetEndpoint, uint32(endpoint)<<16|uint32(slot)<<24)}
}

// stopEndpointTrb builds a Stop Endpoint command.
func stopEndpointTrb(slot, endpoint uint8) Trb {
	return Trb{Control: typeControl(TRBStopEndpoint, uint32(endpoint)<<16|uint32(slot)<<24)}
}

// setTRDequeueTrb builds a Set TR Dequeue Pointer command. The dequeue
// pointer carries the ring's Dequeue Cycle State in bit 0.
func setTRDequeueTrb(dequeue uint64, cycleState bool, slot, endpoint uint8) Trb {
	if cycleState {
		dequeue |= 1
	}
	return Trb{
		Parameter: dequeue,
		Control:   typeControl(TRBSetTRDequeue, uint32(endpoint)<<16|uint32(slot)<<24),
	}
}

// setupStageTrb builds a Setup Stage TRB. The 8-byte request rides in the
// Parameter field as immediate data.
func setupStageTrb(setup SetupPacket, dataLen int, dirIn bool) Trb {
	trt := uint32(setupTRTNone)
	if dataLen > 0 && setup.Length > 0 {
		if dirIn {
			trt = setupTRTIn
		} else {
			trt = setupTRTOut
		}
	}
	return Trb{
		Parameter: setup.immediate(),
		Status:    SetupPacketSize,
		Control:   typeControl(TRBSetupStage, trbIDT|trt),
	}
}

// dataStageTrb builds a Data Stage TRB. A short packet raises its own
// event so the byte count survives; full completion reports at the status
// stage.
func dataStageTrb(buffer uint64, length int, dirIn bool) Trb {
	flags := uint32(trbISP)
	if dirIn {
		flags |= trbDirIn
	}
	return Trb{
		Parameter: buffer,
		Status:    uint32(length),
		Control:   typeControl(TRBDataStage, flags),
	}
}

// statusStageTrb builds a Status Stage TRB. Direction is opposite the data
// stage; with no data stage the status stage is IN.
func statusStageTrb(dirIn bool) Trb {
	flags := uint32(trbIOC)
	if dirIn {
		flags |= trbDirIn
	}
	return Trb{Control: typeControl(TRBStatusStage, flags)}
}

// normalTrb builds a Normal TRB for bulk and interrupt transfers.
func normalTrb(buffer uint64, length int, chain bool) Trb {
	flags := uint32(trbIOC)
	if chain {
		// Chained TRBs interrupt only at the end of the TD.
		flags = trbChain
	}
	return Trb{
		Parameter: buffer,
		Status:    uint32(length),
		Control:   typeControl(TRBNormal, flags),
	}
}
