package xhci

import "github.com/rcrowley/go-metrics"

// driverMetrics counts protocol-level activity. Counters live in the
// default registry so integrators can export them with whatever sink they
// already report to.
type driverMetrics struct {
	commandsSubmitted metrics.Counter
	commandTimeouts   metrics.Counter
	commandsAborted   metrics.Counter
	eventsProcessed   metrics.Counter
	transferEvents    metrics.Counter
	portChanges       metrics.Counter
	ringFull          metrics.Counter
	stallsRecovered   metrics.Counter
	lateEvents        metrics.Counter
	eventOverflows    metrics.Counter
	devicesEnumerated metrics.Counter
}

func newDriverMetrics() *driverMetrics {
	return &driverMetrics{
		commandsSubmitted: metrics.GetOrRegisterCounter("xhci.commands.submitted", nil),
		commandTimeouts:   metrics.GetOrRegisterCounter("xhci.commands.timeout", nil),
		commandsAborted:   metrics.GetOrRegisterCounter("xhci.commands.aborted", nil),
		eventsProcessed:   metrics.GetOrRegisterCounter("xhci.events.processed", nil),
		transferEvents:    metrics.GetOrRegisterCounter("xhci.events.transfer", nil),
		portChanges:       metrics.GetOrRegisterCounter("xhci.events.port_change", nil),
		ringFull:          metrics.GetOrRegisterCounter("xhci.ring.full", nil),
		stallsRecovered:   metrics.GetOrRegisterCounter("xhci.transfers.stall_recovered", nil),
		lateEvents:        metrics.GetOrRegisterCounter("xhci.events.late", nil),
		eventOverflows:    metrics.GetOrRegisterCounter("xhci.events.overflow", nil),
		devicesEnumerated: metrics.GetOrRegisterCounter("xhci.devices.enumerated", nil),
	}
}
