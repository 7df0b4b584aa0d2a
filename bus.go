package s2lp

import (
	"fmt"
	"sync"
)

// State is the chip operating mode as reported by MC_STATE0.
type State byte

const (
	// StateShutdown means the SDN pin is asserted and the chip is off.
	// The chip never reports this itself; the driver tracks it.
	StateShutdown State = iota
	StateStandby
	StateSleep
	StateReady
	// StateLocking covers the transient synthesizer states (LOCKON,
	// LOCKST, SYNTH_SETUP) passed through while the RF lock settles.
	StateLocking
	StateRx
	StateTx
	stateUnknown
)

func (s State) String() string {
	switch s {
	case StateShutdown:
		return "SHUTDOWN"
	case StateStandby:
		return "STANDBY"
	case StateSleep:
		return "SLEEP"
	case StateReady:
		return "READY"
	case StateLocking:
		return "LOCKING"
	case StateRx:
		return "RX"
	case StateTx:
		return "TX"
	default:
		return "unknown"
	}
}

// Status is the snapshot of chip flags clocked out on MISO during the
// header of every SPI transaction (MC_STATE1 then MC_STATE0). It is
// refreshed on every bus call and must not be cached across them.
type Status struct {
	State       State
	XtalOn      bool
	RxFifoEmpty bool
	TxFifoFull  bool
	LockError   bool
}

func decodeStatus(mcState1, mcState0 byte) Status {
	var s State
	switch mcState0 >> 1 {
	case _STATE_STANDBY:
		s = StateStandby
	case _STATE_SLEEP, _STATE_SLEEP_NOFIFO:
		s = StateSleep
	case _STATE_READY:
		s = StateReady
	case _STATE_LOCKON, _STATE_LOCKST, _STATE_SYNTH_SETUP:
		s = StateLocking
	case _STATE_RX:
		s = StateRx
	case _STATE_TX:
		s = StateTx
	default:
		s = stateUnknown
	}
	return Status{
		State:       s,
		XtalOn:      mcState0&0x01 != 0,
		RxFifoEmpty: mcState1&_RX_FIFO_EMPTY != 0,
		TxFifoFull:  mcState1&_TX_FIFO_FULL != 0,
		LockError:   mcState1&_ERROR_LOCK != 0,
	}
}

// RegisterInterface is the raw byte-level access to the chip: register
// reads and writes, FIFO bursts and command strobes. Every call returns
// the Status decoded from the transaction header so staleness is
// impossible to ignore.
//
// Implementations must treat each call as one atomic bus transaction.
type RegisterInterface interface {
	ReadRegister(addr byte) (byte, Status, error)
	WriteRegister(addr, value byte) (Status, error)
	BurstRead(addr byte, buf []byte) (Status, error)
	BurstWrite(addr byte, data []byte) (Status, error)
	Strobe(opcode byte) (Status, error)
}

// spiBus implements RegisterInterface over a raw SPI connection using the
// S2-LP header protocol: [0x00, addr] for writes, [0x01, addr] for reads
// and [0x80, opcode] for command strobes.
type spiBus struct {
	conn    SPI
	mu      sync.Mutex
	scratch [2 + _MAX_BURST]byte
}

func newSpiBus(conn SPI) *spiBus {
	return &spiBus{conn: conn}
}

// transfer runs one full-duplex transaction of n bytes on the scratch
// buffer and decodes the status bytes echoed during the header.
func (b *spiBus) transfer(n int) (Status, error) {
	slice := b.scratch[:n]
	if err := b.conn.Tx(slice, slice); err != nil {
		globalLogger.Error("SPI transfer error")
		return Status{}, fmt.Errorf("%w: %w: %v", ErrPkg, ErrBus, err)
	}
	return decodeStatus(b.scratch[0], b.scratch[1]), nil
}

func (b *spiBus) ReadRegister(addr byte) (byte, Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scratch[0] = _HEADER_READ
	b.scratch[1] = addr
	b.scratch[2] = 0
	status, err := b.transfer(3)
	if err != nil {
		return 0, Status{}, err
	}
	return b.scratch[2], status, nil
}

func (b *spiBus) WriteRegister(addr, value byte) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scratch[0] = _HEADER_WRITE
	b.scratch[1] = addr
	b.scratch[2] = value
	return b.transfer(3)
}

func (b *spiBus) BurstRead(addr byte, buf []byte) (Status, error) {
	if len(buf) > _MAX_BURST {
		return Status{}, fmt.Errorf("%w: %w: burst of %d exceeds %d bytes", ErrPkg, ErrConfig, len(buf), _MAX_BURST)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.scratch[0] = _HEADER_READ
	b.scratch[1] = addr
	for i := range buf {
		b.scratch[2+i] = 0
	}
	status, err := b.transfer(2 + len(buf))
	if err != nil {
		return Status{}, err
	}
	copy(buf, b.scratch[2:2+len(buf)])
	return status, nil
}

func (b *spiBus) BurstWrite(addr byte, data []byte) (Status, error) {
	if len(data) > _MAX_BURST {
		return Status{}, fmt.Errorf("%w: %w: burst of %d exceeds %d bytes", ErrPkg, ErrConfig, len(data), _MAX_BURST)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.scratch[0] = _HEADER_WRITE
	b.scratch[1] = addr
	copy(b.scratch[2:], data)
	return b.transfer(2 + len(data))
}

func (b *spiBus) Strobe(opcode byte) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scratch[0] = _HEADER_COMMAND
	b.scratch[1] = opcode
	return b.transfer(2)
}
