package s2lp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCsma(t *testing.T, cfg CsmaConfig, chip *fakeChip) *csmaEngine {
	t.Helper()
	sm := newTestStateMachine(chip)
	engine, err := newCsmaEngine(cfg, chip, sm)
	require.NoError(t, err)
	return engine
}

func fastCsma() CsmaConfig {
	return CsmaConfig{
		SenseWindow: 300 * time.Microsecond,
		BackoffUnit: 100 * time.Microsecond,
		MaxRetries:  3,
		Persistent:  true,
		Seed:        1,
	}
}

func TestAcquireClearChannel(t *testing.T) {
	chip := newFakeChip()
	engine := newTestCsma(t, fastCsma(), chip)

	require.NoError(t, engine.acquire(context.Background()))

	// Sensing is only valid in READY and the chip stays there once the
	// decision is committed.
	assert.Equal(t, StateReady, engine.sm.currentState())
	assert.Greater(t, chip.readCount(_LINK_QUALIF1), 0)
}

func TestAcquireBusyExactAttempts(t *testing.T) {
	chip := newFakeChip()
	chip.csBusy = true
	engine := newTestCsma(t, fastCsma(), chip)

	err := engine.acquire(context.Background())
	assert.ErrorIs(t, err, ErrMaxRetries)

	// A permanently busy channel fails each window on its first sample:
	// exactly MaxRetries sensing attempts, no more, no fewer.
	assert.Equal(t, 3, chip.readCount(_LINK_QUALIF1))
	assert.Equal(t, StateReady, engine.sm.currentState())
}

func TestAcquireNonPersistent(t *testing.T) {
	chip := newFakeChip()
	chip.csBusy = true
	cfg := fastCsma()
	cfg.Persistent = false
	engine := newTestCsma(t, cfg, chip)

	err := engine.acquire(context.Background())
	assert.ErrorIs(t, err, ErrChannelBusy)
	assert.NotErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 1, chip.readCount(_LINK_QUALIF1))
}

func TestAcquireChannelClears(t *testing.T) {
	chip := newFakeChip()
	chip.busyFor = 2 // first two sensing attempts find the channel busy
	engine := newTestCsma(t, fastCsma(), chip)

	require.NoError(t, engine.acquire(context.Background()))
	// Busy samples abort their window immediately, so the third attempt
	// is the first full clear window.
	assert.GreaterOrEqual(t, chip.readCount(_LINK_QUALIF1), 3)
	assert.Equal(t, StateReady, engine.sm.currentState())
}

func TestAcquireCancelledMidSense(t *testing.T) {
	chip := newFakeChip()
	cfg := fastCsma()
	cfg.SenseWindow = time.Second
	engine := newTestCsma(t, cfg, chip)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()

	err := engine.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Cancellation recovers the chip to READY.
	assert.Equal(t, StateReady, engine.sm.currentState())
}

func TestBackoffDeterministicWithSeed(t *testing.T) {
	sequence := func() []int {
		chip := newFakeChip()
		engine := newTestCsma(t, fastCsma(), chip)
		var slots []int
		for attempt := 1; attempt <= 8; attempt++ {
			exp := attempt
			if exp > engine.cfg.MaxBackoffExponent {
				exp = engine.cfg.MaxBackoffExponent
			}
			slots = append(slots, engine.rnd.Intn(1<<exp))
		}
		return slots
	}

	assert.Equal(t, sequence(), sequence())
}

func TestBackoffBounded(t *testing.T) {
	chip := newFakeChip()
	cfg := fastCsma()
	cfg.MaxBackoffExponent = 2
	engine := newTestCsma(t, cfg, chip)

	for attempt := 1; attempt <= 20; attempt++ {
		exp := attempt
		if exp > engine.cfg.MaxBackoffExponent {
			exp = engine.cfg.MaxBackoffExponent
		}
		slots := engine.rnd.Intn(1 << exp)
		assert.Less(t, slots, 4, "attempt %d exceeded exponent cap", attempt)
	}
}

func TestCsmaConfigValidation(t *testing.T) {
	chip := newFakeChip()
	sm := newTestStateMachine(chip)

	_, err := newCsmaEngine(CsmaConfig{RssiThresholdDbm: -200}, chip, sm)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = newCsmaEngine(CsmaConfig{MaxRetries: -1}, chip, sm)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAcquireBusErrorRecovers(t *testing.T) {
	chip := newFakeChip()
	faulty := &faultyChip{
		fakeChip:  chip,
		failReads: map[byte]bool{_LINK_QUALIF1: true},
	}
	sm := newStateMachine(faulty, &mockPin{})
	sm.markBooted()
	engine, err := newCsmaEngine(fastCsma(), faulty, sm)
	require.NoError(t, err)

	err = engine.acquire(context.Background())
	assert.ErrorIs(t, err, ErrBus)
	// The failure still triggers an abort back to READY.
	assert.True(t, bytes.Contains(chip.strobeTrace(), []byte{_CMD_SABORT}), "expected SABORT in %X", chip.strobeTrace())
	assert.Equal(t, StateReady, sm.currentState())
}

func TestApplyConfigProgramsThreshold(t *testing.T) {
	chip := newFakeChip()
	cfg := fastCsma()
	cfg.RssiThresholdDbm = -90
	engine := newTestCsma(t, cfg, chip)

	require.NoError(t, engine.applyConfig())
	// The threshold register holds dBm + 146.
	assert.Equal(t, byte(56), chip.reg(_RSSI_TH))
}

func TestApplyConfigDisablesHardwareCsma(t *testing.T) {
	chip := newFakeChip()
	chip.regs[_PROTOCOL1] = _CSMA_ON | _CSMA_PERS_ON | _SEED_RELOAD | _AUTO_PCKT_FLT
	engine := newTestCsma(t, fastCsma(), chip)

	require.NoError(t, engine.applyConfig())
	// The hardware engine bits are cleared; unrelated bits survive.
	assert.Equal(t, byte(_AUTO_PCKT_FLT), chip.reg(_PROTOCOL1))
}
