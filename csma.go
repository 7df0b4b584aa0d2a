package s2lp

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// CsmaConfig tunes the listen-before-talk engine. It may be changed
// between transmit attempts but never while one is in progress.
type CsmaConfig struct {
	// RssiThresholdDbm is the channel-sense threshold. Signal above it
	// means the channel is busy. Defaults to -85 dBm if not provided.
	RssiThresholdDbm int
	// SenseWindow is the minimum time the channel must be observed clear
	// before a transmission is authorized.
	// Defaults to 1ms if not provided.
	SenseWindow time.Duration
	// BackoffUnit is the base slot duration for the exponential backoff.
	// Defaults to 1ms if not provided.
	BackoffUnit time.Duration
	// MaxBackoffExponent caps the exponent growth: a busy attempt n waits
	// a random number of units in [0, 2^min(n, MaxBackoffExponent)-1].
	// Defaults to 5 if not provided.
	MaxBackoffExponent int
	// MaxRetries is the number of sensing attempts before the engine
	// gives up. Defaults to 3 if not provided.
	MaxRetries int
	// Persistent selects backoff-and-retry mode. When false a single
	// busy sensing window fails the attempt immediately.
	Persistent bool
	// Seed seeds the backoff PRNG. Zero picks a time-based seed. Exposed
	// because no particular pseudo-random sequence is mandated for
	// compatibility.
	Seed int64
}

func (c *CsmaConfig) applyDefaults() {
	if c.RssiThresholdDbm == 0 {
		c.RssiThresholdDbm = -85
	}
	if c.SenseWindow == 0 {
		c.SenseWindow = time.Millisecond
	}
	if c.BackoffUnit == 0 {
		c.BackoffUnit = time.Millisecond
	}
	if c.MaxBackoffExponent == 0 {
		c.MaxBackoffExponent = 5
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *CsmaConfig) validate() error {
	if c.RssiThresholdDbm < -146 || c.RssiThresholdDbm > 100 {
		return fmt.Errorf("%w: %w: rssi threshold %d dBm out of range", ErrPkg, ErrConfig, c.RssiThresholdDbm)
	}
	if c.MaxRetries < 0 || c.MaxBackoffExponent < 0 {
		return fmt.Errorf("%w: %w: negative csma bounds", ErrPkg, ErrConfig)
	}
	return nil
}

// How often the carrier-sense flag is sampled inside a sensing window.
const senseInterval = 100 * time.Microsecond

// csmaEngine decides whether and when a transmit attempt may proceed. It
// senses the chip's carrier-sense flag over a minimum window and, in
// persistent mode, backs off a bounded pseudo-random number of slots
// before re-sensing. Once a window comes back clear the decision is
// committed; the channel is not re-checked afterwards.
type csmaEngine struct {
	cfg CsmaConfig
	bus RegisterInterface
	sm  *stateMachine
	rnd *rand.Rand
}

func newCsmaEngine(cfg CsmaConfig, bus RegisterInterface, sm *stateMachine) (*csmaEngine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &csmaEngine{
		cfg: cfg,
		bus: bus,
		sm:  sm,
		rnd: rand.New(rand.NewSource(seed)),
	}, nil
}

// applyConfig programs the RSSI filter and threshold the carrier-sense
// flag is derived from. The threshold register holds dBm + 146.
func (e *csmaEngine) applyConfig() error {
	// Static carrier sense, default filter gain.
	if _, err := e.bus.WriteRegister(_RSSI_FLT, 0xE3); err != nil {
		return err
	}
	if _, err := e.bus.WriteRegister(_RSSI_TH, byte(e.cfg.RssiThresholdDbm+_RSSI_OFFSET)); err != nil {
		return err
	}

	// The on-chip CSMA engine stays off: sensing, attempt counting and
	// backoff run in software so they are exact and observable.
	v, _, err := e.bus.ReadRegister(_PROTOCOL1)
	if err != nil {
		return err
	}
	v &^= _CSMA_ON | _CSMA_PERS_ON | _SEED_RELOAD
	_, err = e.bus.WriteRegister(_PROTOCOL1, v)
	return err
}

// channelBusy samples the carrier-sense flag once.
func (e *csmaEngine) channelBusy() (bool, error) {
	lq, _, err := e.bus.ReadRegister(_LINK_QUALIF1)
	if err != nil {
		return false, err
	}
	return lq&_CS != 0, nil
}

// senseWindow observes the channel for the configured window. The window
// only counts while the chip is confirmed READY; a window straddling a
// state transition waits for READY first.
func (e *csmaEngine) senseWindow(ctx context.Context) (bool, error) {
	if err := e.sm.enter(ctx, StateReady); err != nil {
		return false, err
	}

	deadline := time.Now().Add(e.cfg.SenseWindow)
	for {
		busy, err := e.channelBusy()
		if err != nil {
			return false, err
		}
		if busy {
			return false, nil
		}
		if !time.Now().Before(deadline) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(senseInterval):
		}
	}
}

// acquire blocks until a clear sensing window authorizes a transmission.
// It returns ErrChannelBusy in non-persistent mode, ErrMaxRetries once
// the configured number of sensing attempts is exhausted, and the
// context error if the caller cancels mid-backoff (after recovering the
// chip to READY).
func (e *csmaEngine) acquire(ctx context.Context) error {
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		idle, err := e.senseWindow(ctx)
		if err != nil {
			// Bus failures and cancellation both leave the chip in an
			// unknown spot; recovery to READY is attempted either way.
			e.sm.recover()
			return err
		}
		if idle {
			return nil
		}
		if !e.cfg.Persistent {
			return fmt.Errorf("%w: %w", ErrPkg, ErrChannelBusy)
		}
		if attempt == e.cfg.MaxRetries {
			break
		}

		if err := e.backoff(ctx, attempt); err != nil {
			e.sm.recover()
			return err
		}
	}
	globalLogger.Warn("csma: channel never came clear")
	return fmt.Errorf("%w: %w", ErrPkg, ErrMaxRetries)
}

// backoff waits a random number of backoff units bounded by
// [0, 2^min(attempt, MaxBackoffExponent)-1].
func (e *csmaEngine) backoff(ctx context.Context, attempt int) error {
	exp := attempt
	if exp > e.cfg.MaxBackoffExponent {
		exp = e.cfg.MaxBackoffExponent
	}
	slots := e.rnd.Intn(1 << exp)
	if slots == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(slots) * e.cfg.BackoffUnit):
		return nil
	}
}
