package s2lp

import (
	"fmt"
	"sync"
)

// GpioEvent is a chip-internal condition that can be routed to one of the
// four physical GPIO pins.
type GpioEvent byte

const (
	// EventInterrupt drives the pin as the raw nIRQ line for every
	// unmasked interrupt source.
	EventInterrupt GpioEvent = iota
	// EventRxDataReady pulses when a packet has been fully received.
	EventRxDataReady
	// EventTxDataSent pulses when a transmission completes.
	EventTxDataSent
	// EventFifoThreshold fires when the TX FIFO drains below or the RX
	// FIFO fills above its configured threshold.
	EventFifoThreshold
	// EventChannelClear reflects the carrier-sense comparison against
	// the RSSI threshold.
	EventChannelClear
	// EventPreambleDetected fires on a valid preamble.
	EventPreambleDetected
	// EventSyncDetected fires on a valid sync word.
	EventSyncDetected
	numGpioEvents
)

func (e GpioEvent) String() string {
	switch e {
	case EventInterrupt:
		return "interrupt"
	case EventRxDataReady:
		return "rx-data-ready"
	case EventTxDataSent:
		return "tx-data-sent"
	case EventFifoThreshold:
		return "fifo-threshold"
	case EventChannelClear:
		return "channel-clear"
	case EventPreambleDetected:
		return "preamble-detected"
	case EventSyncDetected:
		return "sync-detected"
	default:
		return "unknown"
	}
}

// GPIO_CONF mode field (bits 1:0).
const (
	gpioModeHiZ            = 0x00
	gpioModeOutputLowPower = 0x02
)

// gpioSelect returns the 5-bit output-select code for the event and the
// IRQ mask bits that must be enabled for it to reach the nIRQ line.
// Packet-level events have no dedicated select code and route through
// nIRQ with the matching mask bit.
func gpioSelect(e GpioEvent) (sel byte, mask uint32, ok bool) {
	switch e {
	case EventInterrupt:
		return 0, 0, true
	case EventRxDataReady:
		return 0, _IRQ_RX_DATA_READY, true
	case EventTxDataSent:
		return 0, _IRQ_TX_DATA_SENT, true
	case EventFifoThreshold:
		return 0, _IRQ_TX_FIFO_ALMOST_EMPTY | _IRQ_RX_FIFO_ALMOST_FULL, true
	case EventChannelClear:
		return 16, _IRQ_RSSI_ABOVE_TH, true
	case EventPreambleDetected:
		return 14, _IRQ_VALID_PREAMBLE, true
	case EventSyncDetected:
		return 15, _IRQ_VALID_SYNC, true
	default:
		return 0, 0, false
	}
}

// GpioMapping binds one physical pin to one chip event.
type GpioMapping struct {
	// Pin is the chip GPIO index, 0 to 3.
	Pin int
	// Event is the condition routed to the pin.
	Event GpioEvent
	// ActiveEdge is the edge the host should watch. The nIRQ line is
	// active low, so FallingEdge is the usual choice.
	ActiveEdge Edge
}

// gpioRouter owns the pin-to-event bindings and fans interrupt causes out
// to registered handlers.
type gpioRouter struct {
	bus      RegisterInterface
	mu       sync.Mutex
	bindings [4]*GpioMapping
	handlers map[GpioEvent][]func()
}

func newGpioRouter(bus RegisterInterface) *gpioRouter {
	return &gpioRouter{
		bus:      bus,
		handlers: make(map[GpioEvent][]func()),
	}
}

// configure binds a pin to an event. Binding a pin that already carries a
// different event is reported as a configuration error; the chip register
// is still updated, so the last write wins on the hardware, but the
// conflict is never silent.
func (g *gpioRouter) configure(m GpioMapping) error {
	if m.Pin < 0 || m.Pin > 3 {
		return fmt.Errorf("%w: %w: gpio pin %d out of range", ErrPkg, ErrConfig, m.Pin)
	}
	sel, _, ok := gpioSelect(m.Event)
	if !ok {
		return fmt.Errorf("%w: %w: unsupported gpio event %d", ErrPkg, ErrConfig, byte(m.Event))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.bindings[m.Pin]
	g.bindings[m.Pin] = &m

	if _, err := g.bus.WriteRegister(_GPIO0_CONF+byte(m.Pin), sel<<3|gpioModeOutputLowPower); err != nil {
		return err
	}
	if err := g.writeIrqMask(); err != nil {
		return err
	}

	if prev != nil && prev.Event != m.Event {
		globalLogger.Warn("gpio pin rebound from " + prev.Event.String() + " to " + m.Event.String())
		return fmt.Errorf("%w: %w: pin %d was bound to %s", ErrPkg, ErrConfig, m.Pin, prev.Event)
	}
	return nil
}

// clear unbinds a pin and puts it back in high impedance.
func (g *gpioRouter) clear(pin int) error {
	if pin < 0 || pin > 3 {
		return fmt.Errorf("%w: %w: gpio pin %d out of range", ErrPkg, ErrConfig, pin)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.bindings[pin] = nil
	if _, err := g.bus.WriteRegister(_GPIO0_CONF+byte(pin), gpioModeHiZ); err != nil {
		return err
	}
	return g.writeIrqMask()
}

// writeIrqMask programs IRQ_MASK with the union of the mask bits of every
// bound event plus the sources the driver itself always needs.
// Call with lock held.
func (g *gpioRouter) writeIrqMask() error {
	mask := driverIrqMask
	for _, b := range g.bindings {
		if b == nil {
			continue
		}
		_, m, _ := gpioSelect(b.Event)
		mask |= m
	}
	return writeIrqMaskWord(g.bus, mask)
}

// Interrupt sources the driver depends on regardless of user bindings.
const driverIrqMask uint32 = _IRQ_RX_DATA_READY | _IRQ_RX_DATA_DISC | _IRQ_TX_DATA_SENT |
	_IRQ_CRC_ERROR | _IRQ_TX_FIFO_ERROR | _IRQ_RX_FIFO_ERROR |
	_IRQ_TX_FIFO_ALMOST_EMPTY | _IRQ_RX_FIFO_ALMOST_FULL | _IRQ_RX_TIMEOUT

func writeIrqMaskWord(bus RegisterInterface, mask uint32) error {
	regs := [4]byte{_IRQ_MASK3, _IRQ_MASK2, _IRQ_MASK1, _IRQ_MASK0}
	for i, addr := range regs {
		if _, err := bus.WriteRegister(addr, byte(mask>>(8*(3-i)))); err != nil {
			return err
		}
	}
	return nil
}

// readIrqStatus reads and thereby clears the 32-bit interrupt status word.
func readIrqStatus(bus RegisterInterface) (uint32, error) {
	var word uint32
	regs := [4]byte{_IRQ_STATUS3, _IRQ_STATUS2, _IRQ_STATUS1, _IRQ_STATUS0}
	for _, addr := range regs {
		v, _, err := bus.ReadRegister(addr)
		if err != nil {
			return 0, err
		}
		word = word<<8 | uint32(v)
	}
	return word, nil
}

// onEvent registers a handler fired when the event's interrupt cause is
// observed. At most one call per observed edge and set cause bit.
func (g *gpioRouter) onEvent(e GpioEvent, handler func()) error {
	if _, _, ok := gpioSelect(e); !ok {
		return fmt.Errorf("%w: %w: unsupported gpio event %d", ErrPkg, ErrConfig, byte(e))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[e] = append(g.handlers[e], handler)
	return nil
}

// dispatch fans one decoded IRQ status word out to the registered
// handlers.
func (g *gpioRouter) dispatch(irq uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for e := EventInterrupt; e < numGpioEvents; e++ {
		_, mask, _ := gpioSelect(e)
		if e == EventInterrupt {
			mask = 0xFFFFFFFF
		}
		if irq&mask == 0 {
			continue
		}
		for _, h := range g.handlers[e] {
			h()
		}
	}
}
