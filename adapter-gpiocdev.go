//go:build linux && !tinygo

package s2lp

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// cdevPin wraps a gpiocdev line to satisfy the Pin interface. Unlike
// the periph.io adapter it talks to the kernel character device
// directly, which works on boards where the sysfs/memory-mapped paths
// are unavailable.
type cdevPin struct {
	chip     *gpiocdev.Chip
	offset   int
	consumer string
	line     *gpiocdev.Line
	handler  func()
}

func (p *cdevPin) reopen(opts ...gpiocdev.LineReqOption) error {
	if p.line != nil {
		p.line.Close()
		p.line = nil
	}
	opts = append(opts, gpiocdev.WithConsumer(p.consumer))
	line, err := p.chip.RequestLine(p.offset, opts...)
	if err != nil {
		return fmt.Errorf("failed to request pin %d: %w", p.offset, err)
	}
	p.line = line
	return nil
}

func (p *cdevPin) Out(l Level) error {
	if p.line == nil {
		var initial int
		if l == High {
			initial = 1
		}
		return p.reopen(gpiocdev.AsOutput(initial))
	}
	value := 0
	if l == High {
		value = 1
	}
	if err := p.line.SetValue(value); err != nil {
		// Line may still be configured as input, reconfigure.
		return p.reopen(gpiocdev.AsOutput(value))
	}
	return nil
}

func (p *cdevPin) In(pull Pull) error {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	switch pull {
	case PullUp:
		opts = append(opts, gpiocdev.WithPullUp)
	case PullDown:
		opts = append(opts, gpiocdev.WithPullDown)
	}
	return p.reopen(opts...)
}

func (p *cdevPin) Read() Level {
	if p.line == nil {
		return Low
	}
	v, err := p.line.Value()
	if err != nil || v == 0 {
		return Low
	}
	return High
}

func (p *cdevPin) Watch(edge Edge, handler func()) error {
	var opt gpiocdev.LineReqOption
	switch edge {
	case RisingEdge:
		opt = gpiocdev.WithRisingEdge
	case FallingEdge:
		opt = gpiocdev.WithFallingEdge
	case BothEdges:
		opt = gpiocdev.WithBothEdges
	default:
		return nil
	}
	p.handler = handler
	return p.reopen(gpiocdev.AsInput, opt,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			if p.handler != nil {
				p.handler()
			}
		}))
}

func (p *cdevPin) Unwatch() error {
	p.handler = nil
	return p.reopen(gpiocdev.AsInput)
}

func (p *cdevPin) close() {
	if p.line != nil {
		p.line.Close()
		p.line = nil
	}
}

// cdevCloser releases the GPIO lines and chip when the device is
// closed. The SPI connection still comes from periph.io, so both
// closers are chained.
type cdevCloser struct {
	sdn  *cdevPin
	irq  *cdevPin
	chip *gpiocdev.Chip
	next interface{ Close() error }
}

func (c *cdevCloser) Close() error {
	c.sdn.close()
	c.irq.close()
	err := c.chip.Close()
	if c.next != nil {
		if nerr := c.next.Close(); err == nil {
			err = nerr
		}
	}
	return err
}

// CdevConfig holds the configuration for the character-device GPIO
// driver. SPI still goes through the kernel spidev interface.
type CdevConfig struct {
	RadioConfig
	// GpioChipPath is the GPIO character device (e.g., "/dev/gpiochip0").
	// Defaults to "/dev/gpiochip0" if not provided.
	GpioChipPath string
	// SDNPin is the line offset of the shutdown (SDN) pin. Defaults to 24.
	SDNPin int
	// IRQPin is the line offset of the pin wired to chip GPIO0. Defaults to 25.
	IRQPin int
	// SpiBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency in Hz. Defaults to 4000000.
	SpiClockHz int
}

// NewCdev creates and initializes a new S2-LP driver using the Linux
// GPIO character device for the SDN and IRQ lines.
func NewCdev(c CdevConfig) (*Device, error) {
	if c.GpioChipPath == "" {
		c.GpioChipPath = "/dev/gpiochip0"
	}
	if c.SDNPin == 0 {
		c.SDNPin = 24
	}
	if c.IRQPin == 0 {
		c.IRQPin = 25
	}

	chip, err := gpiocdev.NewChip(c.GpioChipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", c.GpioChipPath, err)
	}

	sdn := &cdevPin{chip: chip, offset: c.SDNPin, consumer: "s2lp-sdn"}
	irq := &cdevPin{chip: chip, offset: c.IRQPin, consumer: "s2lp-irq"}

	conn, port, err := openSpiConn(c.SpiBusPath, c.SpiClockHz)
	if err != nil {
		chip.Close()
		return nil, err
	}

	hwConfig := HardwareConfig{
		RadioConfig: c.RadioConfig,
		SDN:         sdn,
		IRQ:         irq,
	}
	dev, err := NewWithHardware(hwConfig, conn)
	if err != nil {
		sdn.close()
		irq.close()
		chip.Close()
		port.Close()
		return nil, err
	}

	dev.port = &cdevCloser{sdn: sdn, irq: irq, chip: chip, next: port}
	return dev, nil
}
