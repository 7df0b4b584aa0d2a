package s2lp

import "errors"

var (
	ErrPkg = errors.New("s2lpdev")

	// ErrBus means a register transaction failed at the SPI level. The
	// in-flight operation is lost and the driver tries to recover to READY.
	ErrBus = errors.New("bus transaction failed")
	// ErrTimeout means a state confirmation or FIFO event never arrived.
	ErrTimeout = errors.New("timeout waiting for device")
	// ErrLockFailed means the RF synthesizer could not lock. Distinct from
	// ErrBus because recovery differs: retry the lock, don't re-probe the bus.
	ErrLockFailed = errors.New("oscillator lock failed")

	// ErrCrc means a received frame failed its CRC check.
	ErrCrc = errors.New("crc check failed")
	// ErrLengthMismatch means the length field of a received frame does not
	// match the number of bytes actually present.
	ErrLengthMismatch = errors.New("length field mismatch")
	// ErrOverrun means a FIFO over- or underrun was observed mid-frame.
	ErrOverrun = errors.New("fifo overrun")
	// ErrFiltered means a valid frame was rejected by the address filter.
	ErrFiltered = errors.New("frame rejected by address filter")

	// ErrChannelBusy means a non-persistent CSMA attempt found the channel
	// occupied.
	ErrChannelBusy = errors.New("channel busy")
	// ErrMaxRetries means the CSMA backoff gave up after the configured
	// number of sensing attempts.
	ErrMaxRetries = errors.New("max csma retries reached")

	// ErrConfig means an invalid GPIO/filter/CSMA configuration was rejected
	// before any chip state changed.
	ErrConfig = errors.New("invalid configuration")
)
