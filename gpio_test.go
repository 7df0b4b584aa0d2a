package s2lp

import (
	"errors"
	"testing"
)

func TestConfigureGpioWritesSelect(t *testing.T) {
	chip := newFakeChip()
	router := newGpioRouter(chip)

	if err := router.configure(GpioMapping{Pin: 2, Event: EventSyncDetected}); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	// Select code 15 in bits 7:3, low-power output mode in bits 1:0.
	want := byte(15<<3 | gpioModeOutputLowPower)
	if got := chip.reg(_GPIO2_CONF); got != want {
		t.Errorf("Expected GPIO2_CONF 0x%02X, got 0x%02X", want, got)
	}
}

func TestConfigureGpioPinRange(t *testing.T) {
	router := newGpioRouter(newFakeChip())

	if err := router.configure(GpioMapping{Pin: 4, Event: EventInterrupt}); !errors.Is(err, ErrConfig) {
		t.Errorf("Expected ErrConfig for pin 4, got %v", err)
	}
	if err := router.configure(GpioMapping{Pin: -1, Event: EventInterrupt}); !errors.Is(err, ErrConfig) {
		t.Errorf("Expected ErrConfig for pin -1, got %v", err)
	}
	if err := router.configure(GpioMapping{Pin: 0, Event: numGpioEvents}); !errors.Is(err, ErrConfig) {
		t.Errorf("Expected ErrConfig for unknown event, got %v", err)
	}
}

func TestConfigureGpioDoubleBind(t *testing.T) {
	chip := newFakeChip()
	router := newGpioRouter(chip)

	if err := router.configure(GpioMapping{Pin: 1, Event: EventTxDataSent}); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}

	// Rebinding the same event is idempotent.
	if err := router.configure(GpioMapping{Pin: 1, Event: EventTxDataSent}); err != nil {
		t.Errorf("Rebinding the same event must not error: %v", err)
	}

	// Rebinding a different event errors, but the register still holds
	// the new value: last write wins, never silently.
	err := router.configure(GpioMapping{Pin: 1, Event: EventChannelClear})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("Expected ErrConfig on rebind, got %v", err)
	}
	want := byte(16<<3 | gpioModeOutputLowPower)
	if got := chip.reg(_GPIO1_CONF); got != want {
		t.Errorf("Expected last write to win (0x%02X), got 0x%02X", want, got)
	}
}

func TestClearGpio(t *testing.T) {
	chip := newFakeChip()
	router := newGpioRouter(chip)

	if err := router.configure(GpioMapping{Pin: 3, Event: EventPreambleDetected}); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := router.clear(3); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := chip.reg(_GPIO3_CONF); got != gpioModeHiZ {
		t.Errorf("Expected high impedance after clear, got 0x%02X", got)
	}

	// Clearing allows a fresh bind without a conflict error.
	if err := router.configure(GpioMapping{Pin: 3, Event: EventRxDataReady}); err != nil {
		t.Errorf("Bind after clear must not error: %v", err)
	}
}

func TestIrqMaskCoversBindings(t *testing.T) {
	chip := newFakeChip()
	router := newGpioRouter(chip)

	if err := router.configure(GpioMapping{Pin: 0, Event: EventChannelClear}); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	mask := uint32(chip.reg(_IRQ_MASK3))<<24 |
		uint32(chip.reg(_IRQ_MASK2))<<16 |
		uint32(chip.reg(_IRQ_MASK1))<<8 |
		uint32(chip.reg(_IRQ_MASK0))

	if mask&_IRQ_RSSI_ABOVE_TH == 0 {
		t.Errorf("Expected RSSI_ABOVE_TH in mask, got 0x%08X", mask)
	}
	// Driver-internal sources stay enabled regardless of bindings.
	if mask&driverIrqMask != driverIrqMask {
		t.Errorf("Expected driver sources in mask, got 0x%08X", mask)
	}
}

func TestDispatchFansOut(t *testing.T) {
	router := newGpioRouter(newFakeChip())

	var rxFired, txFired, anyFired int
	router.onEvent(EventRxDataReady, func() { rxFired++ })
	router.onEvent(EventTxDataSent, func() { txFired++ })
	router.onEvent(EventInterrupt, func() { anyFired++ })

	router.dispatch(_IRQ_RX_DATA_READY)
	if rxFired != 1 || txFired != 0 {
		t.Errorf("Expected only the RX handler, got rx=%d tx=%d", rxFired, txFired)
	}
	if anyFired != 1 {
		t.Errorf("Expected the interrupt handler on any cause, got %d", anyFired)
	}

	router.dispatch(_IRQ_TX_DATA_SENT | _IRQ_RX_DATA_READY)
	if rxFired != 2 || txFired != 1 || anyFired != 2 {
		t.Errorf("Unexpected fan-out counts: rx=%d tx=%d any=%d", rxFired, txFired, anyFired)
	}

	router.dispatch(0)
	if anyFired != 2 {
		t.Errorf("Empty cause word must not fire handlers, got %d", anyFired)
	}
}

func TestReadIrqStatusClears(t *testing.T) {
	chip := newFakeChip()
	chip.irq = _IRQ_RX_DATA_READY | _IRQ_RX_TIMEOUT

	word, err := readIrqStatus(chip)
	if err != nil {
		t.Fatalf("readIrqStatus failed: %v", err)
	}
	if word != _IRQ_RX_DATA_READY|_IRQ_RX_TIMEOUT {
		t.Errorf("Expected both causes, got 0x%08X", word)
	}

	word, err = readIrqStatus(chip)
	if err != nil {
		t.Fatalf("readIrqStatus failed: %v", err)
	}
	if word != 0 {
		t.Errorf("Expected causes cleared by the first read, got 0x%08X", word)
	}
}
