package thesimple

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"nve-thermostat/internal/domain"
)

// Temperature bounds used until the model metadata has been fetched.
const (
	defaultMinTemp = 50
	defaultMaxTemp = 89
)

// Thermostat is the local model of one physical thermostat. Static fields
// are fetched once at construction; dynamic fields live in a single
// snapshot replaced wholesale on every successful Refresh. Instances are
// not safe for concurrent use; the shared Client handles its own locking.
type Thermostat struct {
	client *Client
	id     int64

	name           string
	scheduleMode   string
	minTemp        float64
	maxTemp        float64
	supportedModes []string

	state domain.StateSnapshot
}

// NewThermostat fetches the thermostat's metadata and performs the initial
// refresh.
func NewThermostat(ctx context.Context, client *Client, id int64) (*Thermostat, error) {
	t := &Thermostat{
		client:  client,
		id:      id,
		minTemp: defaultMinTemp,
		maxTemp: defaultMaxTemp,
	}
	if err := t.fetchMetadata(ctx); err != nil {
		return nil, err
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thermostat) ID() int64                { return t.id }
func (t *Thermostat) Name() string             { return t.name }
func (t *Thermostat) ScheduleMode() string     { return t.scheduleMode }
func (t *Thermostat) MinTemp() float64         { return t.minTemp }
func (t *Thermostat) MaxTemp() float64         { return t.maxTemp }
func (t *Thermostat) SupportedModes() []string { return t.supportedModes }

// State returns the current snapshot of dynamic fields.
func (t *Thermostat) State() domain.StateSnapshot { return t.state }

func (t *Thermostat) statePath() string {
	return fmt.Sprintf("thermostat/%d/state", t.id)
}

func (t *Thermostat) fetchMetadata(ctx context.Context) error {
	body, err := t.client.Request(ctx, http.MethodGet, fmt.Sprintf("thermostat/%d", t.id), nil, true)
	if err != nil {
		return fmt.Errorf("fetching thermostat %d: %w", t.id, err)
	}

	var meta struct {
		Name         string   `json:"name"`
		ScheduleMode string   `json:"schedule_mode"`
		HvacControl  []string `json:"hvac_control"`
		Model        struct {
			MinTemperature float64 `json:"min_temperature"`
			MaxTemperature float64 `json:"max_temperature"`
		} `json:"model"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return &ProtocolError{Reason: "parsing thermostat metadata", Cause: err}
	}

	t.name = meta.Name
	t.scheduleMode = meta.ScheduleMode
	t.supportedModes = meta.HvacControl
	if meta.Model.MinTemperature != 0 {
		t.minTemp = meta.Model.MinTemperature
	}
	if meta.Model.MaxTemperature != 0 {
		t.maxTemp = meta.Model.MaxTemperature
	}
	return nil
}

// Refresh overwrites all dynamic fields from the server's best-known state.
// The snapshot is only replaced once the whole payload has decoded, so a
// failed refresh never leaves partially updated fields. HTTP failures
// propagate unmodified; the bounded retry policy lives with the caller.
func (t *Thermostat) Refresh(ctx context.Context) error {
	body, err := t.client.Request(ctx, http.MethodGet, t.statePath(), nil, true)
	if err != nil {
		return err
	}

	var stateResp struct {
		Connected      bool   `json:"connected"`
		SetpointReason string `json:"setpoint_reason"`
		Data           struct {
			Temperature  float64 `json:"temperature"`
			HoldMode     string  `json:"hold_mode"`
			FanMode      string  `json:"fan_mode"`
			FanState     string  `json:"fan_state"`
			HvacMode     string  `json:"hvac_mode"`
			HvacState    string  `json:"hvac_state"`
			CoolSetpoint float64 `json:"cool_setpoint"`
			HeatSetpoint float64 `json:"heat_setpoint"`
			AwayDetails  *struct {
				EndTS *int64 `json:"end_ts"`
			} `json:"away_details"`
		} `json:"best_known_current_state_thermostat_data"`
	}
	if err := json.Unmarshal(body, &stateResp); err != nil {
		return &ProtocolError{Reason: "parsing thermostat state", Cause: err}
	}

	snap := domain.StateSnapshot{
		CurrentTemp:    math.Round(stateResp.Data.Temperature*10) / 10,
		Connected:      stateResp.Connected,
		FanMode:        domain.FanMode(stateResp.Data.FanMode),
		FanState:       stateResp.Data.FanState,
		HvacMode:       domain.HvacMode(stateResp.Data.HvacMode),
		HvacState:      domain.HvacState(stateResp.Data.HvacState),
		CoolSetpoint:   stateResp.Data.CoolSetpoint,
		HeatSetpoint:   stateResp.Data.HeatSetpoint,
		HoldMode:       stateResp.Data.HoldMode,
		SetpointReason: stateResp.SetpointReason,
		LastUpdate:     time.Now(),
	}
	if away := stateResp.Data.AwayDetails; away != nil && away.EndTS != nil {
		end := time.Unix(*away.EndTS, 0)
		snap.AwayEnd = &end
	}

	t.state = snap
	return nil
}

// SetHvacMode switches the thermostat between cool, heat, and off. The
// local mode is deliberately not updated here; the confirmed value arrives
// on the next refresh.
func (t *Thermostat) SetHvacMode(ctx context.Context, mode domain.HvacMode) error {
	switch mode {
	case domain.HvacCool, domain.HvacHeat, domain.HvacOff:
	default:
		return &ValidationError{Field: "hvac mode", Value: string(mode)}
	}

	_, err := t.client.Request(ctx, http.MethodPatch, t.statePath(),
		map[string]domain.HvacMode{"hvac_mode": mode}, true)
	return err
}

// SetFanMode switches the fan between on and auto, updating the local
// field optimistically on success.
func (t *Thermostat) SetFanMode(ctx context.Context, mode domain.FanMode) error {
	switch mode {
	case domain.FanOn, domain.FanAuto:
	default:
		return &ValidationError{Field: "fan mode", Value: string(mode)}
	}

	if _, err := t.client.Request(ctx, http.MethodPatch, t.statePath(),
		map[string]domain.FanMode{"fan_mode": mode}, true); err != nil {
		return err
	}

	t.state.FanMode = mode
	return nil
}

// SetTemperature writes the setpoint for the currently active hvac mode.
// Values outside the model's range are dropped without error or I/O, as is
// any write while the thermostat is off. The setpoint is sent as an
// integer and applied optimistically on success.
func (t *Thermostat) SetTemperature(ctx context.Context, value float64) error {
	if value < t.minTemp || value > t.maxTemp {
		return nil
	}

	setpoint := int(value)
	var field string
	switch t.state.HvacMode {
	case domain.HvacCool:
		field = "cool_setpoint"
	case domain.HvacHeat:
		field = "heat_setpoint"
	case domain.HvacOff:
		return nil
	default:
		return &ValidationError{Field: "hvac mode", Value: string(t.state.HvacMode)}
	}

	if _, err := t.client.Request(ctx, http.MethodPatch, t.statePath(),
		map[string]int{field: setpoint}, true); err != nil {
		return err
	}

	switch t.state.HvacMode {
	case domain.HvacCool:
		t.state.CoolSetpoint = float64(setpoint)
	case domain.HvacHeat:
		t.state.HeatSetpoint = float64(setpoint)
	}
	return nil
}

// ThermostatIDs resolves the account's thermostats: the user resource
// lists locations, and the selected location lists thermostat ids.
func (c *Client) ThermostatIDs(ctx context.Context, locationIndex int) ([]int64, error) {
	body, err := c.Request(ctx, http.MethodGet, "user", nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}

	var userResp struct {
		LocationIDList []int64 `json:"location_id_list"`
	}
	if err := json.Unmarshal(body, &userResp); err != nil {
		return nil, &ProtocolError{Reason: "parsing user response", Cause: err}
	}
	if locationIndex < 0 || locationIndex >= len(userResp.LocationIDList) {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("location index %d out of range (%d locations)", locationIndex, len(userResp.LocationIDList)),
		}
	}

	locationID := userResp.LocationIDList[locationIndex]
	body, err = c.Request(ctx, http.MethodGet, fmt.Sprintf("location/%d", locationID), nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetching location %d: %w", locationID, err)
	}

	var locResp struct {
		ThermostatIDList []int64 `json:"thermostatIdList"`
	}
	if err := json.Unmarshal(body, &locResp); err != nil {
		return nil, &ProtocolError{Reason: "parsing location response", Cause: err}
	}

	return locResp.ThermostatIDList, nil
}
