package s2lp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const rxQueueCap = 4 // queue up to 4 received packets before dropping

// RadioConfig is the chip-level configuration of the driver.
type RadioConfig struct {
	// Packet describes the Basic packet format on the wire.
	Packet PacketConfig
	// Filter is the initial address-filtering policy. It can be replaced
	// per reception via StartReceive.
	Filter FilterConfig
	// Csma tunes the listen-before-talk engine.
	Csma CsmaConfig
	// DisableCsma sends without sensing the channel first.
	DisableCsma bool
	// RxTimeout stops a reception that never completes. Zero keeps the
	// receiver on until a packet arrives or the caller aborts.
	RxTimeout time.Duration
	// TxTimeout bounds one transmission including CSMA hand-off.
	// Defaults to 1s if not provided.
	TxTimeout time.Duration
}

// HardwareConfig couples the radio configuration to the physical lines.
type HardwareConfig struct {
	RadioConfig
	// SDN is the shutdown pin. Required.
	SDN Pin
	// IRQ is the host pin wired to chip GPIO0. The chip signals
	// power-on-reset completion and all interrupts on it. Required.
	IRQ Pin
}

// Device is one exclusively-owned S2-LP chip instance. Construct one
// Device per physical chip; the driver never shares state between
// instances.
type Device struct {
	config  HardwareConfig
	bus     RegisterInterface
	sm      *stateMachine
	engine  *packetEngine
	csma    *csmaEngine
	gpio    *gpioRouter
	irqChan chan struct{}
	port    io.Closer

	mu       sync.Mutex
	rxQueue  chan *Packet
	rxCancel context.CancelFunc
	rxDone   chan struct{}

	// Frame-level decode failures are not propagated beyond these
	// diagnostic counters; the receiver stays on.
	statsMu          sync.Mutex
	crcErrors        int
	lengthMismatches int
	overruns         int
	filtered         int
}

func (d *Device) countFailure(counter *int) {
	d.statsMu.Lock()
	*counter++
	d.statsMu.Unlock()
}

// NewWithHardware creates and initializes a new S2-LP driver with the
// provided hardware interfaces. It runs the power-on-reset sequence,
// probes the chip identity and programs the packet, filter and CSMA
// configuration.
func NewWithHardware(c HardwareConfig, conn SPI) (*Device, error) {
	return newDevice(c, newSpiBus(conn))
}

// newDevice wires the driver on top of an arbitrary RegisterInterface.
// Tests inject a simulated chip here.
func newDevice(c HardwareConfig, bus RegisterInterface) (*Device, error) {
	if c.SDN == nil {
		return nil, fmt.Errorf("%w: %w: SDN pin not configured", ErrPkg, ErrConfig)
	}
	if c.IRQ == nil {
		return nil, fmt.Errorf("%w: %w: IRQ pin not configured", ErrPkg, ErrConfig)
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = time.Second
	}

	engine, err := newPacketEngine(c.Packet)
	if err != nil {
		return nil, err
	}
	engine.setFilter(c.Filter)

	dev := &Device{
		config:  c,
		bus:     bus,
		engine:  engine,
		gpio:    newGpioRouter(bus),
		irqChan: make(chan struct{}, 1),
		rxQueue: make(chan *Packet, rxQueueCap),
	}
	dev.sm = newStateMachine(bus, c.SDN)
	dev.csma, err = newCsmaEngine(c.Csma, bus, dev.sm)
	if err != nil {
		return nil, err
	}

	globalLogger.Info("Initializing S2-LP...")

	if err := dev.powerOnReset(); err != nil {
		return nil, err
	}

	// Watch the interrupt line only after POR: the same line signals
	// boot completion as a level, not an edge.
	if err := c.IRQ.In(PullUp); err != nil {
		return nil, fmt.Errorf("%w: failed to configure IRQ pin: %w", ErrPkg, err)
	}
	if err := c.IRQ.Watch(FallingEdge, func() {
		select {
		case dev.irqChan <- struct{}{}:
		default:
			// Channel full
		}
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to watch IRQ pin: %w", ErrPkg, err)
	}

	if err := dev.applyConfig(); err != nil {
		return nil, err
	}

	globalLogger.Info("S2-LP initialized. Ready to operate.")
	return dev, nil
}

// powerOnReset pulses SDN, waits for the chip to signal boot completion
// on GPIO0 and verifies the device identity registers.
func (d *Device) powerOnReset() error {
	d.config.SDN.Out(High)
	d.sm.markShutdown()
	time.Sleep(time.Millisecond)
	d.config.SDN.Out(Low)

	// GPIO0 goes high once the power-on reset has finished.
	porDeadline := time.Now().Add(10 * time.Millisecond)
	for d.config.IRQ.Read() != High {
		if time.Now().After(porDeadline) {
			return fmt.Errorf("%w: %w: chip never signalled power-on reset", ErrPkg, ErrTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}
	d.sm.markBooted()

	version, _, err := d.bus.ReadRegister(_DEVICE_INFO0)
	if err != nil {
		return err
	}
	partnum, _, err := d.bus.ReadRegister(_DEVICE_INFO1)
	if err != nil {
		return err
	}
	if version != _CHIP_VERSION || partnum != _CHIP_PARTNUM {
		return fmt.Errorf("%w: failed to verify S2-LP connection (version %#02x, part %#02x): check wiring/power",
			ErrPkg, version, partnum)
	}
	return nil
}

// applyConfig programs packet format, filtering, RSSI threshold, FIFO
// thresholds and the interrupt mask.
func (d *Device) applyConfig() error {
	if err := d.engine.applyConfig(d.bus); err != nil {
		return err
	}
	if err := d.csma.applyConfig(); err != nil {
		return err
	}

	// FIFO almost-empty (TX) and almost-full (RX) thresholds at half
	// capacity, so refills and drains have slack.
	if _, err := d.bus.WriteRegister(_FIFO_CONFIG0, _FIFO_SIZE/2); err != nil {
		return err
	}
	if _, err := d.bus.WriteRegister(_FIFO_CONFIG3, _FIFO_SIZE/2); err != nil {
		return err
	}

	if err := writeIrqMaskWord(d.bus, driverIrqMask); err != nil {
		return err
	}
	// Reading the status clears anything pended during boot.
	if _, err := readIrqStatus(d.bus); err != nil {
		return err
	}
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("S2LP(State=%s, Sync=%X, Crc=%d, Addressing=%v, Csma=%v)",
		d.sm.currentState(),
		d.engine.cfg.SyncWord,
		d.engine.cfg.CrcMode.Size()*8,
		d.engine.cfg.IncludeAddress,
		!d.config.DisableCsma,
	)
}

// CurrentState returns the last-confirmed chip state without issuing a
// transition.
func (d *Device) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sm.currentState()
}

// Abort forces the chip back to READY, cancelling any in-flight
// reception.
func (d *Device) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopReceiveLocked()
	return d.sm.abort()
}

// ConfigureGpio binds one chip GPIO pin to an event selector.
func (d *Device) ConfigureGpio(m GpioMapping) error {
	return d.gpio.configure(m)
}

// ClearGpio unbinds a chip GPIO pin.
func (d *Device) ClearGpio(pin int) error {
	return d.gpio.clear(pin)
}

// OnEvent registers a handler fired when the given chip event is
// observed on the interrupt line.
func (d *Device) OnEvent(e GpioEvent, handler func()) error {
	return d.gpio.onEvent(e, handler)
}

// Close powers the chip down and releases the hardware resources.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopReceiveLocked()
	if err := d.sm.abort(); err != nil {
		globalLogger.Warn("abort on close failed: " + err.Error())
	}
	d.config.SDN.Out(High)
	d.sm.markShutdown()
	globalLogger.Info("S2-LP shut down.")

	d.config.IRQ.Unwatch()
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			globalLogger.Warn("Failed to close SPI port")
		}
	}
	return nil
}

// waitIrq blocks until the interrupt line fires, the poll interval
// elapses or the context/deadline ends. The IRQ status registers are the
// single source of truth, so a poll wake-up and an edge wake-up are
// indistinguishable to the callers.
func (d *Device) waitIrq(ctx context.Context, deadline time.Time) error {
	if !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", ErrPkg, ErrTimeout)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.irqChan:
		return nil
	case <-time.After(time.Millisecond):
		return nil
	}
}

// --- TX path ---

// Send transmits a payload without an address field. The packet format
// must have been configured without addressing.
func (d *Device) Send(ctx context.Context, payload []byte) error {
	if d.engine.cfg.IncludeAddress {
		return fmt.Errorf("%w: %w: addressing is enabled, use SendTo", ErrPkg, ErrConfig)
	}
	return d.send(ctx, Packet{Payload: payload})
}

// SendTo transmits a payload to the given destination address. The
// packet format must have been configured with addressing.
func (d *Device) SendTo(ctx context.Context, dest byte, payload []byte) error {
	if !d.engine.cfg.IncludeAddress {
		return fmt.Errorf("%w: %w: addressing is disabled, use Send", ErrPkg, ErrConfig)
	}
	return d.send(ctx, Packet{Destination: dest, Payload: payload})
}

func (d *Device) send(ctx context.Context, pkt Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame, err := d.engine.encode(pkt)
	if err != nil {
		return err
	}

	// Pause an active reception for the duration of the transmission.
	wasReceiving := d.rxCancel != nil
	if wasReceiving {
		d.stopReceiveLocked()
	}

	err = d.transmitFrame(ctx, pkt, frame)

	if wasReceiving {
		if rxErr := d.startReceiveLocked(); rxErr != nil && err == nil {
			err = rxErr
		}
	}
	return err
}

func (d *Device) transmitFrame(ctx context.Context, pkt Packet, frame []byte) error {
	// A send from SLEEP or STANDBY wakes the chip through READY; it is
	// never silently dropped.
	if err := d.sm.enter(ctx, StateReady); err != nil {
		return err
	}

	if d.config.DisableCsma {
		// Channel sensing skipped; transmit unconditionally.
	} else if err := d.csma.acquire(ctx); err != nil {
		return err
	}
	// Committed: the channel is not re-checked past this point.

	length := d.engine.overhead() + len(pkt.Payload)
	if _, err := d.bus.WriteRegister(_PCKTLEN1, byte(length>>8)); err != nil {
		d.sm.recover()
		return err
	}
	if _, err := d.bus.WriteRegister(_PCKTLEN0, byte(length)); err != nil {
		d.sm.recover()
		return err
	}
	if d.engine.cfg.IncludeAddress {
		if _, err := d.bus.WriteRegister(_PCKT_FLT_GOALS4, pkt.Destination); err != nil {
			d.sm.recover()
			return err
		}
	}

	if _, err := d.bus.Strobe(_CMD_FLUSHTXFIFO); err != nil {
		d.sm.recover()
		return err
	}
	if _, err := readIrqStatus(d.bus); err != nil {
		d.sm.recover()
		return err
	}

	written, err := fillTxFifo(d.bus, frame)
	if err != nil {
		d.sm.recover()
		return err
	}

	if err := d.sm.enter(ctx, StateTx); err != nil {
		return err
	}

	deadline := time.Now().Add(d.config.TxTimeout)
	for {
		if err := d.waitIrq(ctx, deadline); err != nil {
			d.sm.recover()
			d.bus.Strobe(_CMD_FLUSHTXFIFO)
			if errors.Is(err, ErrTimeout) {
				return fmt.Errorf("%w: transmission never completed", err)
			}
			return err
		}

		irq, err := readIrqStatus(d.bus)
		if err != nil {
			d.sm.recover()
			return err
		}
		d.gpio.dispatch(irq)

		if irq&_IRQ_TX_FIFO_ERROR != 0 {
			d.sm.recover()
			d.bus.Strobe(_CMD_FLUSHTXFIFO)
			return fmt.Errorf("%w: %w: tx fifo underrun", ErrPkg, ErrOverrun)
		}
		if irq&_IRQ_TX_FIFO_ALMOST_EMPTY != 0 && written < len(frame) {
			n, err := fillTxFifo(d.bus, frame[written:])
			if err != nil {
				d.sm.recover()
				return err
			}
			written += n
			continue
		}
		if irq&_IRQ_TX_DATA_SENT != 0 {
			break
		}
	}

	// The chip falls back to READY on its own after TX.
	status, err := d.sm.refresh()
	if err != nil {
		return err
	}
	if status.State != StateReady {
		return d.sm.abort()
	}
	return nil
}

// --- RX path ---

// StartReceive places the chip in RX with the given filtering policy and
// keeps it receiving until Abort or Close. Received packets are queued
// for PollReceived/ReceiveBlocking; malformed frames are discarded and
// counted, never delivered.
func (d *Device) StartReceive(filter FilterConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopReceiveLocked()
	d.engine.setFilter(filter)
	if err := d.engine.applyFilter(d.bus); err != nil {
		return err
	}
	return d.startReceiveLocked()
}

// startReceiveLocked enters RX and spawns the drain loop.
// Call with d.mu held.
func (d *Device) startReceiveLocked() error {
	ctx, cancel := context.WithCancel(context.Background())

	if err := d.sm.enter(ctx, StateReady); err != nil {
		cancel()
		return err
	}
	if err := d.programRxTimer(); err != nil {
		cancel()
		return err
	}
	if _, err := d.bus.Strobe(_CMD_FLUSHRXFIFO); err != nil {
		cancel()
		return err
	}
	if _, err := readIrqStatus(d.bus); err != nil {
		cancel()
		return err
	}
	if err := d.sm.enter(ctx, StateRx); err != nil {
		cancel()
		return err
	}

	d.rxCancel = cancel
	d.rxDone = make(chan struct{})
	go d.rxLoop(ctx, d.rxDone)
	return nil
}

// stopReceiveLocked cancels the drain loop and waits for it to exit.
// Call with d.mu held.
func (d *Device) stopReceiveLocked() {
	if d.rxCancel == nil {
		return
	}
	d.rxCancel()
	<-d.rxDone
	d.rxCancel = nil
	d.rxDone = nil
	if err := d.sm.abort(); err != nil {
		globalLogger.Warn("abort after rx stop failed: " + err.Error())
	}
}

// rxLoop drains the RX FIFO as threshold/done events fire, accumulating
// bytes until the chip reports a complete packet, then validates and
// queues it. Frame-level failures leave the receiver on.
func (d *Device) rxLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var acc []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.irqChan:
		case <-time.After(time.Millisecond):
		}

		irq, err := readIrqStatus(d.bus)
		if err != nil {
			globalLogger.Error("rx loop: " + err.Error())
			return
		}
		d.gpio.dispatch(irq)

		if irq&_IRQ_RX_FIFO_ERROR != 0 {
			d.countFailure(&d.overruns)
			acc = d.restartRx(ctx, acc)
			continue
		}
		if irq&(_IRQ_RX_DATA_DISC|_IRQ_CRC_ERROR) != 0 {
			// The chip already discarded the frame (its own filter or
			// CRC engine); count and keep listening.
			if irq&_IRQ_CRC_ERROR != 0 {
				d.countFailure(&d.crcErrors)
			} else {
				d.countFailure(&d.filtered)
			}
			acc = d.restartRx(ctx, acc)
			continue
		}
		if irq&_IRQ_RX_TIMEOUT != 0 {
			globalLogger.Debug("rx timeout, restarting receiver")
			acc = d.restartRx(ctx, acc)
			continue
		}

		if irq&(_IRQ_RX_FIFO_ALMOST_FULL|_IRQ_RX_DATA_READY) != 0 {
			acc, err = drainRxFifo(d.bus, acc)
			if err != nil {
				globalLogger.Error("rx loop: " + err.Error())
				return
			}
		}

		if irq&_IRQ_RX_DATA_READY != 0 {
			d.deliver(acc)
			acc = d.restartRx(ctx, nil)
		}
	}
}

// restartRx flushes leftovers and puts the chip back in RX for the next
// frame.
func (d *Device) restartRx(ctx context.Context, acc []byte) []byte {
	if _, err := d.bus.Strobe(_CMD_FLUSHRXFIFO); err != nil {
		globalLogger.Error("rx restart: " + err.Error())
		return nil
	}
	if _, err := d.sm.refresh(); err != nil {
		return nil
	}
	if d.sm.currentState() != StateRx {
		if err := d.sm.enter(ctx, StateRx); err != nil && ctx.Err() == nil {
			globalLogger.Error("rx restart: " + err.Error())
		}
	}
	return nil
}

// deliver validates one accumulated frame and queues the packet.
func (d *Device) deliver(raw []byte) {
	pkt, err := d.engine.decode(raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrFiltered):
		d.countFailure(&d.filtered)
		globalLogger.Debug("frame dropped by address filter")
		return
	case errors.Is(err, ErrCrc):
		d.countFailure(&d.crcErrors)
		globalLogger.Debug("frame dropped: crc mismatch")
		return
	case errors.Is(err, ErrLengthMismatch):
		d.countFailure(&d.lengthMismatches)
		globalLogger.Debug("frame dropped: bad length")
		return
	default:
		globalLogger.Warn("frame dropped: " + err.Error())
		return
	}

	if rssi, _, err := d.bus.ReadRegister(_RSSI_LEVEL); err == nil {
		pkt.Rssi = int(rssi) - _RSSI_OFFSET
	}

	select {
	case d.rxQueue <- &pkt:
	default:
		globalLogger.Warn("rx queue full, packet dropped")
	}
}

// programRxTimer converts the configured RX timeout into the chip's
// prescaler/counter pair. Zero disables the timer.
func (d *Device) programRxTimer() error {
	if d.config.RxTimeout == 0 {
		if _, err := d.bus.WriteRegister(_TIMERS5, 0); err != nil {
			return err
		}
		_, err := d.bus.WriteRegister(_TIMERS4, 0)
		return err
	}

	presc, cntr, overflow := rxTimerValues(uint32(d.config.RxTimeout / time.Microsecond))
	if overflow {
		globalLogger.Warn("rx timeout longer than supported, clamped to ~3s")
	}
	if _, err := d.bus.WriteRegister(_TIMERS5, cntr); err != nil {
		return err
	}
	_, err := d.bus.WriteRegister(_TIMERS4, presc)
	return err
}

// The RX timer ticks at the digital frequency divided by 1210; 26 MHz
// reference crystal assumed.
const digitalFrequency = 26_000_000

// rxTimerValues finds the smallest prescaler/counter pair whose expiry is
// not shorter than the requested time.
func rxTimerValues(timeoutUs uint32) (prescaler, counter byte, overflow bool) {
	const scale = 1_000_000
	const maxCounter = 255

	tScaled := uint64(timeoutUs) * digitalFrequency / 1210

	p := (tScaled + maxCounter*scale - 1) / (maxCounter * scale)
	if p > 0 {
		p--
	}
	if p < 1 {
		p = 1
	}
	c := (tScaled+(p+1)*scale-1)/((p+1)*scale) + 1
	if c > 255 {
		p++
		c = (tScaled+(p+1)*scale-1)/((p+1)*scale) + 1
	}

	overflow = p > 255
	if p > 255 {
		p = 255
	}
	if c > 255 {
		c = 255
	}
	return byte(p), byte(c), overflow
}

// PollReceived returns the next queued packet, if any. Non-blocking.
func (d *Device) PollReceived() (*Packet, bool) {
	select {
	case pkt := <-d.rxQueue:
		return pkt, true
	default:
		return nil, false
	}
}

// ReceiveBlocking waits for a packet to arrive or for the context to be
// cancelled.
func (d *Device) ReceiveBlocking(ctx context.Context) (*Packet, error) {
	select {
	case pkt := <-d.rxQueue:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats reports the frame-level failure counters since construction.
func (d *Device) Stats() (crcErrors, lengthMismatches, overruns, filtered int) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.crcErrors, d.lengthMismatches, d.overruns, d.filtered
}
