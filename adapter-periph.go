//go:build !tinygo

package s2lp

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	// Ensure we are in input mode with the correct edge detection
	if err := p.PinIO.In(gpio.PullUp, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})

	go func() {
		for {
			// Wait for edge with -1 (infinite timeout)
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stopWatch:
					return
				default:
					handler()
				}
			} else {
				// WaitForEdge returned false (timeout or error), check stop
				select {
				case <-p.stopWatch:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	// Disable edge detection
	return p.PinIO.In(gpio.PullUp, gpio.NoEdge)
}

// Config holds the configuration for the Linux/periph.io driver.
type Config struct {
	RadioConfig
	// SDNPin is the GPIO pin number (BCM numbering) for the shutdown
	// (SDN) pin. Defaults to 24 if not provided.
	SDNPin int
	// IRQPin is the GPIO pin number (BCM numbering) for the pin wired
	// to chip GPIO0. Defaults to 25 if not provided.
	IRQPin int
	// SpiBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency in Hz.
	// Defaults to 4000000 (4MHz) if not provided. The chip supports up
	// to 8MHz.
	SpiClockHz int
}

// openSpiConn initializes the periph.io host and opens an SPI
// connection on the given bus (Mode 0, 8 bits).
func openSpiConn(busPath string, clockHz int) (spi.Conn, spi.PortCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	if busPath == "" {
		busPath = "/dev/spidev0.0"
	}

	p, err := spireg.Open(busPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	if clockHz == 0 {
		clockHz = 4000000
	}

	conn, err := p.Connect(physic.Frequency(clockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("failed to create SPI connection: %w", err)
	}
	return conn, p, nil
}

// New creates and initializes a new S2-LP driver for Linux systems.
// It applies configuration defaults, initializes the GPIO and SPI
// interfaces using periph.io, and configures the radio.
// It returns the initialized driver or an error if hardware
// initialization fails.
func New(c Config) (*Device, error) {
	// 1. Open the SPI connection
	conn, p, err := openSpiConn(c.SpiBusPath, c.SpiClockHz)
	if err != nil {
		return nil, err
	}

	// 2. Setup SDN Pin
	if c.SDNPin == 0 {
		c.SDNPin = 24
	}
	sdnName := fmt.Sprintf("GPIO%d", c.SDNPin)
	realSdn := gpioreg.ByName(sdnName)
	if realSdn == nil {
		p.Close()
		return nil, fmt.Errorf("failed to open SDN pin %s", sdnName)
	}
	sdnWrapper := &realPin{PinIO: realSdn}

	// 3. Setup IRQ Pin
	if c.IRQPin == 0 {
		c.IRQPin = 25
	}
	irqName := fmt.Sprintf("GPIO%d", c.IRQPin)
	realIrq := gpioreg.ByName(irqName)
	if realIrq == nil {
		p.Close()
		return nil, fmt.Errorf("failed to open IRQ pin %s", irqName)
	}
	irqWrapper := &realPin{PinIO: realIrq}

	// 4. Call internal constructor
	hwConfig := HardwareConfig{
		RadioConfig: c.RadioConfig,
		SDN:         sdnWrapper,
		IRQ:         irqWrapper,
	}
	dev, err := NewWithHardware(hwConfig, conn)
	if err != nil {
		p.Close()
		return nil, err
	}

	// Store the port closer so we can close it later
	dev.port = p
	return dev, nil
}
