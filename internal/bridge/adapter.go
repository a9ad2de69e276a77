// Package bridge translates accessory-framework get/set requests into
// device session calls, with a uniform default-on-failure contract on
// the read path.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarrant/robovac-bridge/internal/robovac"
)

const (
	// DefaultSettleDelay separates a pause command from the follow-up
	// go-home command so the device is not mid-maneuver when told to
	// dock.
	DefaultSettleDelay = 2 * time.Second

	// DefaultCallTimeout bounds each device interaction issued on
	// behalf of the accessory framework.
	DefaultCallTimeout = 10 * time.Second

	// LowBatteryThreshold is the battery percentage below which the
	// low-battery flag reads true. Exactly at the threshold reads
	// false.
	LowBatteryThreshold = 30
)

// Vacuum is the device session surface the adapter drives. Implemented
// by *robovac.Session.
type Vacuum interface {
	PlayPause(ctx context.Context) (bool, error)
	BatteryLevel(ctx context.Context) (int, error)
	WorkStatus(ctx context.Context) (robovac.WorkStatus, error)
	FindRobot(ctx context.Context) (bool, error)
	ErrorCode(ctx context.Context) (string, error)
	SetPlayPause(ctx context.Context, on bool) error
	SetFindRobot(ctx context.Context, on bool) error
	GoHome(ctx context.Context) error
	Close() error
}

// BuildFunc constructs a fresh device session for the recovery path.
type BuildFunc func() (Vacuum, error)

// Adapter exposes the vacuum as a small set of readable/writable
// properties. Read failures return a safe default and trigger one
// asynchronous session rebuild; write failures propagate to the
// caller.
type Adapter struct {
	log     zerolog.Logger
	build   BuildFunc
	settle  time.Duration
	timeout time.Duration
	sleep   func(time.Duration)

	mu         sync.Mutex
	vac        Vacuum
	rebuilding bool
}

func NewAdapter(vac Vacuum, build BuildFunc, log zerolog.Logger) *Adapter {
	return &Adapter{
		log:     log,
		build:   build,
		settle:  DefaultSettleDelay,
		timeout: DefaultCallTimeout,
		sleep:   time.Sleep,
		vac:     vac,
	}
}

func (a *Adapter) vacuum() Vacuum {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vac
}

func (a *Adapter) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

// CleanState reports whether the vacuum is cleaning. Defaults to false
// on failure.
func (a *Adapter) CleanState() bool {
	ctx, cancel := a.callCtx()
	defer cancel()
	on, err := a.vacuum().PlayPause(ctx)
	if err != nil {
		a.recover("get clean state", err)
		return false
	}
	return on
}

// BatteryLevel reports the battery percentage. Defaults to 0 on
// failure.
func (a *Adapter) BatteryLevel() int {
	ctx, cancel := a.callCtx()
	defer cancel()
	level, err := a.vacuum().BatteryLevel(ctx)
	if err != nil {
		a.recover("get battery level", err)
		return 0
	}
	return level
}

// ChargingState reports whether the vacuum is charging. Defaults to
// false on failure.
func (a *Adapter) ChargingState() bool {
	ctx, cancel := a.callCtx()
	defer cancel()
	status, err := a.vacuum().WorkStatus(ctx)
	if err != nil {
		a.recover("get charging state", err)
		return false
	}
	return status == robovac.WorkStatusCharging
}

// LowBattery reports whether the battery is below the low-battery
// threshold. Defaults to false on failure.
func (a *Adapter) LowBattery() bool {
	ctx, cancel := a.callCtx()
	defer cancel()
	level, err := a.vacuum().BatteryLevel(ctx)
	if err != nil {
		a.recover("get low battery", err)
		return false
	}
	return level < LowBatteryThreshold
}

// FindRobot reports whether the locator chime is active. Defaults to
// false on failure.
func (a *Adapter) FindRobot() bool {
	ctx, cancel := a.callCtx()
	defer cancel()
	on, err := a.vacuum().FindRobot(ctx)
	if err != nil {
		a.recover("get find robot", err)
		return false
	}
	return on
}

// ErrorDetected reports whether the device raised an error code.
// Defaults to false on failure.
func (a *Adapter) ErrorDetected() bool {
	ctx, cancel := a.callCtx()
	defer cancel()
	code, err := a.vacuum().ErrorCode(ctx)
	if err != nil {
		a.recover("get error state", err)
		return false
	}
	return code != "" && code != robovac.ErrorCodeNone
}

// SetCleanState starts or stops cleaning. Stopping additionally sends
// the vacuum home after the settle delay, so the device is not told to
// dock mid-maneuver. Failures propagate to the caller.
func (a *Adapter) SetCleanState(on bool) error {
	ctx, cancel := a.callCtx()
	defer cancel()
	vac := a.vacuum()
	if err := vac.SetPlayPause(ctx, on); err != nil {
		return err
	}
	if on {
		return nil
	}
	a.sleep(a.settle)
	homeCtx, homeCancel := a.callCtx()
	defer homeCancel()
	return vac.GoHome(homeCtx)
}

// SetFindRobot toggles the locator chime. Failures propagate to the
// caller.
func (a *Adapter) SetFindRobot(on bool) error {
	ctx, cancel := a.callCtx()
	defer cancel()
	return a.vacuum().SetFindRobot(ctx, on)
}

// Identify is the accessory identify hook. No device interaction.
func (a *Adapter) Identify() {
	a.log.Info().Msg("identify requested")
}

// Close tears down the current session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	vac := a.vac
	a.mu.Unlock()
	if vac != nil {
		return vac.Close()
	}
	return nil
}

// recover tears down and reconstructs the device session in the
// background so the next read has a chance to succeed. Single-flight;
// no backoff, no retry cap.
func (a *Adapter) recover(op string, err error) {
	a.log.Warn().Err(err).Str("op", op).Msg("device call failed, rebuilding session")
	if a.build == nil {
		return
	}

	a.mu.Lock()
	if a.rebuilding {
		a.mu.Unlock()
		return
	}
	a.rebuilding = true
	old := a.vac
	a.mu.Unlock()

	go func() {
		if old != nil {
			_ = old.Close()
		}
		next, buildErr := a.build()

		a.mu.Lock()
		if buildErr == nil {
			a.vac = next
		}
		a.rebuilding = false
		a.mu.Unlock()

		if buildErr != nil {
			a.log.Error().Err(buildErr).Msg("session rebuild failed")
			return
		}
		a.log.Info().Msg("device session rebuilt")
	}()
}
