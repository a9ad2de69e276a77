package robovac

import (
	"fmt"
	"strconv"
)

// Data-point codes of the RoboVac status/control schema.
const (
	DPPlayPause  = "2"
	DPDirection  = "3"
	DPWorkMode   = "5"
	DPWorkStatus = "15"
	DPGoHome     = "101"
	DPCleanSpeed = "102"
	DPFindRobot  = "103"
	DPBattery    = "104"
	DPErrorCode  = "106"
)

// WorkStatus is the device-reported activity state.
type WorkStatus string

const (
	WorkStatusRunning   WorkStatus = "Running"
	WorkStatusStandBy   WorkStatus = "standby"
	WorkStatusSleeping  WorkStatus = "Sleeping"
	WorkStatusCharging  WorkStatus = "Charging"
	WorkStatusCompleted WorkStatus = "completed"
	WorkStatusRecharge  WorkStatus = "Recharge"
)

// Docked reports whether the device is already on its dock and a
// go-home command would be redundant.
func (s WorkStatus) Docked() bool {
	return s == WorkStatusCompleted || s == WorkStatusCharging
}

// CleanSpeed is the suction level setting.
type CleanSpeed string

const (
	CleanSpeedStandard  CleanSpeed = "Standard"
	CleanSpeedBoostIQ   CleanSpeed = "Boost_IQ"
	CleanSpeedMax       CleanSpeed = "Max"
	CleanSpeedNoSuction CleanSpeed = "No_suction"
)

// WorkMode is the cleaning pattern setting.
type WorkMode string

const (
	WorkModeAuto      WorkMode = "auto"
	WorkModeSmallRoom WorkMode = "SmallRoom"
	WorkModeSpot      WorkMode = "Spot"
	WorkModeEdge      WorkMode = "Edge"
	WorkModeNoSweep   WorkMode = "Nosweep"
)

// Direction is the manual steering setting.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionBack    Direction = "back"
	DirectionLeft    Direction = "left"
	DirectionRight   Direction = "right"
)

// ErrorCodeNone is the error data point's all-clear value.
const ErrorCodeNone = "no_error"

// State is one full typed snapshot of the device schema.
type State struct {
	PlayPause  bool
	Direction  Direction
	WorkMode   WorkMode
	WorkStatus WorkStatus
	GoingHome  bool
	CleanSpeed CleanSpeed
	FindRobot  bool
	Battery    int
	ErrorCode  string
}

// Faulted reports whether the device raised an error code.
func (s State) Faulted() bool {
	return s.ErrorCode != "" && s.ErrorCode != ErrorCodeNone
}

// ParseState converts a raw data-point map into a typed snapshot.
// Unknown codes are ignored; missing codes leave zero values.
func ParseState(dps map[string]any) State {
	return State{
		PlayPause:  boolFrom(dps[DPPlayPause]),
		Direction:  Direction(stringFrom(dps[DPDirection])),
		WorkMode:   WorkMode(stringFrom(dps[DPWorkMode])),
		WorkStatus: WorkStatus(stringFrom(dps[DPWorkStatus])),
		GoingHome:  boolFrom(dps[DPGoHome]),
		CleanSpeed: CleanSpeed(stringFrom(dps[DPCleanSpeed])),
		FindRobot:  boolFrom(dps[DPFindRobot]),
		Battery:    clampBattery(intFrom(dps[DPBattery])),
		ErrorCode:  stringFrom(dps[DPErrorCode]),
	}
}

// merge applies a partial data-point push on top of an existing
// snapshot.
func (s State) merge(dps map[string]any) State {
	out := s
	if v, ok := dps[DPPlayPause]; ok {
		out.PlayPause = boolFrom(v)
	}
	if v, ok := dps[DPDirection]; ok {
		out.Direction = Direction(stringFrom(v))
	}
	if v, ok := dps[DPWorkMode]; ok {
		out.WorkMode = WorkMode(stringFrom(v))
	}
	if v, ok := dps[DPWorkStatus]; ok {
		out.WorkStatus = WorkStatus(stringFrom(v))
	}
	if v, ok := dps[DPGoHome]; ok {
		out.GoingHome = boolFrom(v)
	}
	if v, ok := dps[DPCleanSpeed]; ok {
		out.CleanSpeed = CleanSpeed(stringFrom(v))
	}
	if v, ok := dps[DPFindRobot]; ok {
		out.FindRobot = boolFrom(v)
	}
	if v, ok := dps[DPBattery]; ok {
		out.Battery = clampBattery(intFrom(v))
	}
	if v, ok := dps[DPErrorCode]; ok {
		out.ErrorCode = stringFrom(v)
	}
	return out
}

func clampBattery(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}

func boolFrom(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}

func stringFrom(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func intFrom(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		i, _ := strconv.Atoi(t)
		return i
	default:
		return 0
	}
}
