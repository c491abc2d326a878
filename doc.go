// Package xhci drives an xHCI (USB 3) host controller: it owns the
// controller's MMIO register space, its command, event, and transfer rings,
// and the device context memory the hardware reads, and presents each
// attached USB device as a Device with control, bulk, and interrupt
// transfer methods.
//
// The driver is platform-neutral. All physical memory and register access
// goes through a dma.Backend supplied by the integrator, so the same code
// runs against a kernel's DMA allocator or against simulated memory in
// tests. Event delivery is polled: the integrator either runs Serve in a
// goroutine or calls ProcessEvents from its interrupt handler.
//
// Hot-plug is handled internally. A port status change walks the port
// through reset and enumeration in a worker goroutine, and the resulting
// Device is announced through the OnConnect callback:
//
//	hc, err := xhci.Open(xhci.Config{Backend: backend, MMIOBase: bar0})
//	if err != nil {
//		log.Fatal(err)
//	}
//	hc.OnConnect(func(d *xhci.Device) {
//		fmt.Println("attached:", d)
//	})
//	go hc.Serve(ctx)
package xhci
