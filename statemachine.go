package s2lp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Poll cadence and bounded wait for a strobe to be reflected in MC_STATE.
const (
	statePollInterval     = 200 * time.Microsecond
	defaultConfirmTimeout = 20 * time.Millisecond
)

// stateMachine tracks and drives the chip operating mode. A transition is
// never assumed: each one is issued as a command strobe and then confirmed
// by re-reading MC_STATE until the target shows up or the timeout elapses.
type stateMachine struct {
	bus RegisterInterface
	sdn Pin

	// current is read from API goroutines while the rx loop drives
	// transitions, so it carries its own lock.
	mu      sync.Mutex
	current State

	confirmTimeout time.Duration
}

func newStateMachine(bus RegisterInterface, sdn Pin) *stateMachine {
	return &stateMachine{
		bus:            bus,
		sdn:            sdn,
		current:        StateShutdown,
		confirmTimeout: defaultConfirmTimeout,
	}
}

// currentState returns the last-confirmed state without touching the bus.
func (m *stateMachine) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *stateMachine) setCurrent(s State) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// refresh re-reads MC_STATE and updates the tracked state.
func (m *stateMachine) refresh() (Status, error) {
	_, status, err := m.bus.ReadRegister(_MC_STATE0)
	if err != nil {
		return Status{}, err
	}
	m.setCurrent(status.State)
	return status, nil
}

// strobeFor returns the command strobe that requests the given target
// state from READY.
func strobeFor(target State) (byte, bool) {
	switch target {
	case StateStandby:
		return _CMD_STANDBY, true
	case StateSleep:
		return _CMD_SLEEP, true
	case StateReady:
		return _CMD_READY, true
	case StateRx:
		return _CMD_RX, true
	case StateTx:
		return _CMD_TX, true
	default:
		return 0, false
	}
}

// enter requests a transition to target and waits for the chip to confirm
// it. Multi-hop requests route through READY first: TX from SLEEP wakes
// the chip up before the TX strobe is issued, never silently.
func (m *stateMachine) enter(ctx context.Context, target State) error {
	current := m.currentState()
	if current == StateShutdown {
		return fmt.Errorf("%w: chip is shut down, initialize it first", ErrPkg)
	}
	if current == target {
		return nil
	}

	// All strobes other than READY are only legal from READY.
	if target != StateReady && current != StateReady {
		if err := m.enter(ctx, StateReady); err != nil {
			return err
		}
	}

	opcode, ok := strobeFor(target)
	if !ok {
		return fmt.Errorf("%w: %w: no strobe reaches state %s", ErrPkg, ErrConfig, target)
	}

	status, err := m.bus.Strobe(opcode)
	if err != nil {
		return err
	}
	m.setCurrent(status.State)

	return m.confirm(ctx, target)
}

// confirm polls MC_STATE until the chip reports target. The transient
// LOCKING states are expected on the way to READY, RX and TX while the
// synthesizer settles. A lock error is reported distinctly from bus and
// timeout failures because its recovery differs.
func (m *stateMachine) confirm(ctx context.Context, target State) error {
	deadline := time.Now().Add(m.confirmTimeout)
	for {
		status, err := m.refresh()
		if err != nil {
			return err
		}
		if status.LockError {
			m.recover()
			return fmt.Errorf("%w: %w", ErrPkg, ErrLockFailed)
		}
		if status.State == target {
			return nil
		}

		if time.Now().After(deadline) {
			globalLogger.Error("state confirmation timed out, aborting to READY")
			m.recover()
			return fmt.Errorf("%w: %w: state %s never confirmed", ErrPkg, ErrTimeout, target)
		}
		select {
		case <-ctx.Done():
			m.recover()
			return ctx.Err()
		case <-time.After(statePollInterval):
		}
	}
}

// abort forces the chip back to READY regardless of in-flight TX/RX
// activity. Used for error recovery and cancellation.
func (m *stateMachine) abort() error {
	status, err := m.bus.Strobe(_CMD_SABORT)
	if err != nil {
		return err
	}
	m.setCurrent(status.State)

	deadline := time.Now().Add(m.confirmTimeout)
	for {
		status, err := m.refresh()
		if err != nil {
			return err
		}
		if status.State == StateReady {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %w: abort did not reach READY", ErrPkg, ErrTimeout)
		}
		time.Sleep(statePollInterval)
	}
}

// recover is a best-effort abort used on error paths where the original
// failure is the one worth reporting.
func (m *stateMachine) recover() {
	if err := m.abort(); err != nil {
		globalLogger.Warn("recovery abort failed: " + err.Error())
	}
}

// markShutdown records that the SDN pin was asserted. MC_STATE cannot be
// read in this state, so the tracked state is authoritative.
func (m *stateMachine) markShutdown() {
	m.setCurrent(StateShutdown)
}

// markBooted records that the power-on sequence finished; the chip boots
// into READY.
func (m *stateMachine) markBooted() {
	m.setCurrent(StateReady)
}
