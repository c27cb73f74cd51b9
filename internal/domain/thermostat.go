package domain

import "time"

type HvacMode string

const (
	HvacCool HvacMode = "cool"
	HvacHeat HvacMode = "heat"
	HvacOff  HvacMode = "off"
)

type HvacState string

const (
	HvacStateCool HvacState = "cool"
	HvacStateHeat HvacState = "heat"
	HvacStateOff  HvacState = "off"
	HvacStateIdle HvacState = "idle"
)

type FanMode string

const (
	FanOn   FanMode = "on"
	FanAuto FanMode = "auto"
)

// StateSnapshot holds the server-confirmed dynamic state of one thermostat.
// It is replaced wholesale on every successful refresh; setters patch
// individual fields optimistically between refreshes.
type StateSnapshot struct {
	CurrentTemp    float64
	Connected      bool
	FanMode        FanMode
	FanState       string
	HvacMode       HvacMode
	HvacState      HvacState
	CoolSetpoint   float64
	HeatSetpoint   float64
	HoldMode       string
	SetpointReason string
	AwayEnd        *time.Time
	LastUpdate     time.Time
}
