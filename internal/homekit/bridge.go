// Package homekit wires the accessory adapter into a HomeKit accessory
// served by hap.
package homekit

import (
	"context"
	"net/http"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/rs/zerolog"

	"github.com/jtarrant/robovac-bridge/internal/bridge"
)

// Options selects which services the accessory exposes.
type Options struct {
	Name                string
	Serial              string
	UseSwitchService    bool
	HideFindButton      bool
	HideErrorSensor     bool
	DisableBatteryLevel bool
	StateDir            string
	Pin                 string
}

// Bridge is the running HomeKit accessory server.
type Bridge struct {
	server *hap.Server
}

// New builds the accessory from the adapter and options. GETs read
// through the adapter (which never errors on reads); SET errors are
// logged, as HomeKit offers no error channel on characteristic writes.
func New(adapter *bridge.Adapter, opts Options, log zerolog.Logger) (*Bridge, error) {
	info := accessory.Info{
		Name:         opts.Name,
		SerialNumber: opts.Serial,
		Manufacturer: "eufy",
		Model:        "RoboVac",
		Firmware:     "1.0.0",
	}
	a := accessory.New(info, accessory.TypeSwitch)
	a.Info.Identify.OnValueRemoteUpdate(func(bool) {
		adapter.Identify()
	})

	var cleanOn *characteristic.On
	if opts.UseSwitchService {
		sw := service.NewSwitch()
		cleanOn = sw.On
		a.AddS(sw.S)
	} else {
		fan := service.NewFan()
		cleanOn = fan.On
		a.AddS(fan.S)
	}
	cleanOn.OnValueRemoteUpdate(func(on bool) {
		if err := adapter.SetCleanState(on); err != nil {
			log.Error().Err(err).Bool("on", on).Msg("set clean state failed")
		}
	})
	cleanOn.ValueRequestFunc = func(*http.Request) (interface{}, int) {
		return adapter.CleanState(), 0
	}

	if !opts.DisableBatteryLevel {
		battery := service.NewBatteryService()
		battery.BatteryLevel.ValueRequestFunc = func(*http.Request) (interface{}, int) {
			return adapter.BatteryLevel(), 0
		}
		battery.ChargingState.ValueRequestFunc = func(*http.Request) (interface{}, int) {
			if adapter.ChargingState() {
				return characteristic.ChargingStateCharging, 0
			}
			return characteristic.ChargingStateNotCharging, 0
		}
		battery.StatusLowBattery.ValueRequestFunc = func(*http.Request) (interface{}, int) {
			if adapter.LowBattery() {
				return characteristic.StatusLowBatteryBatteryLevelLow, 0
			}
			return characteristic.StatusLowBatteryBatteryLevelNormal, 0
		}
		a.AddS(battery.S)
	}

	if !opts.HideFindButton {
		find := service.NewSwitch()
		name := characteristic.NewName()
		name.SetValue("Find Robot")
		find.AddC(name.C)
		find.On.OnValueRemoteUpdate(func(on bool) {
			if err := adapter.SetFindRobot(on); err != nil {
				log.Error().Err(err).Bool("on", on).Msg("set find robot failed")
			}
		})
		find.On.ValueRequestFunc = func(*http.Request) (interface{}, int) {
			return adapter.FindRobot(), 0
		}
		a.AddS(find.S)
	}

	if !opts.HideErrorSensor {
		sensor := service.NewMotionSensor()
		name := characteristic.NewName()
		name.SetValue("Error Detected")
		sensor.AddC(name.C)
		sensor.MotionDetected.ValueRequestFunc = func(*http.Request) (interface{}, int) {
			return adapter.ErrorDetected(), 0
		}
		a.AddS(sensor.S)
	}

	server, err := hap.NewServer(hap.NewFsStore(opts.StateDir), a)
	if err != nil {
		return nil, err
	}
	server.Pin = opts.Pin

	return &Bridge{server: server}, nil
}

// Run serves the accessory until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	return b.server.ListenAndServe(ctx)
}
