package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StateAccessor is the narrow surface the command dispatcher needs
// from the shared controller state, kept as an interface so protocol
// has no dependency on the controller package. The parser only ever
// mutates shared state between ticks, through this explicit API.
type StateAccessor interface {
	Snapshot() Snapshot
	SetTunable(param string, value float64) error
	SetBoolTunable(param string, value bool) error
	ToggleLoad(seconds int) error
	CancelTempOff() error
	Version() string
}

// floatParams and boolParams list the SET_ parameters recognized by
// the dispatcher. LVD/LVR and the absolute voltage ceiling are
// deliberately absent; they are compile-time constants.
var floatParams = map[string]struct{}{
	"BATTERY_CAPACITY":     {},
	"THRESHOLD_PERCENTAGE": {},
	"MAX_ALLOWED_CURRENT":  {},
	"BULK_VOLTAGE":         {},
	"ABSORPTION_VOLTAGE":   {},
	"FLOAT_VOLTAGE":        {},
	"DC_SOURCE_AMPS":       {},
	"FACTOR_DIVIDER":       {},
}

var boolParams = map[string]struct{}{
	"IS_LITHIUM":     {},
	"USE_DC_SOURCE":  {},
}

// MaxLoadOffSeconds is the TOGGLE_LOAD clamp ceiling (8 hours).
const MaxLoadOffSeconds = 28800

// Dispatch handles a single already-framed line and returns the
// response to write back (without its own trailing newline). Malformed
// input never mutates state.
func Dispatch(line string, acc StateAccessor) string {
	switch {
	case line == "CMD:GET_DATA":
		return handleGetData(acc)
	case line == "CMD:GET_VERSION":
		return "OK:" + acc.Version()
	case line == "CMD:CANCEL_TEMP_OFF":
		if err := acc.CancelTempOff(); err != nil {
			return "ERROR:" + err.Error()
		}
		return "OK:temporary load-off cancelled"
	case strings.HasPrefix(line, "CMD:SET_"):
		return handleSet(line, acc)
	case strings.HasPrefix(line, "CMD:TOGGLE_LOAD:"):
		return handleToggleLoad(line, acc)
	default:
		return "ERROR:unrecognized command"
	}
}

func handleGetData(acc StateAccessor) string {
	raw, err := json.Marshal(acc.Snapshot())
	if err != nil {
		return "ERROR:failed to encode snapshot"
	}
	return "DATA:" + string(raw)
}

func handleSet(line string, acc StateAccessor) string {
	rest := strings.TrimPrefix(line, "CMD:SET_")
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "ERROR:Invalid value, malformed SET command"
	}
	param, valueStr := rest[:idx], rest[idx+1:]

	if _, ok := boolParams[param]; ok {
		v, err := strconv.ParseBool(valueStr)
		if err != nil {
			return "ERROR:Invalid value, expected a boolean for " + param
		}
		if err := acc.SetBoolTunable(param, v); err != nil {
			return "ERROR:" + err.Error()
		}
		return "OK:" + param + " set"
	}

	if _, ok := floatParams[param]; ok {
		v, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return "ERROR:Invalid value, expected a number for " + param
		}
		if err := validateRange(param, v); err != nil {
			return "ERROR:Invalid value, " + err.Error()
		}
		if err := acc.SetTunable(param, v); err != nil {
			return "ERROR:" + err.Error()
		}
		return "OK:" + param + " set"
	}

	return "ERROR:Invalid value, unknown parameter " + param
}

// validateRange enforces the per-parameter ranges before the value
// ever reaches the controller. Cross-field invariants (float
// <= absorption <= bulk) are re-checked by the controller itself since
// they depend on the other two voltages' current values.
func validateRange(param string, v float64) error {
	switch param {
	case "BATTERY_CAPACITY":
		if v <= 0 || v > 1000 {
			return fmt.Errorf("battery_capacity_Ah must be in (0, 1000]")
		}
	case "THRESHOLD_PERCENTAGE":
		if v < 0.1 || v > 5.0 {
			return fmt.Errorf("threshold_percentage must be in [0.1, 5.0]")
		}
	case "MAX_ALLOWED_CURRENT":
		if v < 1000 || v > 15000 {
			return fmt.Errorf("max_allowed_current_mA must be in [1000, 15000]")
		}
	case "BULK_VOLTAGE", "ABSORPTION_VOLTAGE", "FLOAT_VOLTAGE":
		if v < 12.0 || v > 15.0 {
			return fmt.Errorf("%s must be in [12.0, 15.0]", strings.ToLower(param))
		}
	case "DC_SOURCE_AMPS":
		if v < 0 || v > 50 {
			return fmt.Errorf("dc_source_amps must be in [0, 50]")
		}
	case "FACTOR_DIVIDER":
		if v < 1 || v > 10 {
			return fmt.Errorf("factor_divider must be in [1, 10]")
		}
	}
	return nil
}

func handleToggleLoad(line string, acc StateAccessor) string {
	valueStr := strings.TrimPrefix(line, "CMD:TOGGLE_LOAD:")
	seconds, err := strconv.Atoi(valueStr)
	if err != nil {
		return "ERROR:Invalid value, expected an integer number of seconds"
	}
	if seconds < 1 {
		seconds = 1
	}
	if seconds > MaxLoadOffSeconds {
		seconds = MaxLoadOffSeconds
	}
	if err := acc.ToggleLoad(seconds); err != nil {
		return "ERROR:" + err.Error()
	}
	return fmt.Sprintf("OK:load off for %d seconds", seconds)
}

// Heartbeat is the periodic unsolicited message emitted every 30 s.
// It is sent whether or not other traffic has passed on the link.
const Heartbeat = "HEARTBEAT:ESP32 Online"
