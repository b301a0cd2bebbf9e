// Package safety implements the safety supervisor: multi-sample
// confirmed detection of over-voltage, over-temperature and
// panel-current loss, LVD/LVR for the load pin, the temporary
// load-off timer, and non-blocking Error recovery. Confirmation state
// is held in small, independently unit-testable structs rather than
// function-local statics.
package safety

import (
	"github.com/SolarHatProject/sc-hat-controller/internal/signal"
)

const (
	MaxBatteryVoltageAllowed = 15.0
	LVD                      = 12.0
	LVR                      = 12.5
	ReentryToBulkVoltage     = 12.6
	TempThresholdShutdown    = 90.0 // power-stage thermal ceiling, not battery cell temperature
	PanelCurrentLossMA       = 10.0
	ErrorTickleDuty          = 20

	MaxLoadOffMillis = 28_800_000 // 8h
)

// ConfirmCounter tracks N-of-N confirmations of a boolean condition,
// sampled no more often than IntervalMillis apart.
type ConfirmCounter struct {
	Count           int
	LastCheckMillis int64
	Threshold       int
	IntervalMillis  int64

	sampled bool // whether LastCheckMillis holds a real sample time
}

// NewConfirmCounter constructs a counter requiring `threshold`
// consecutive true readings spaced at least intervalMillis apart.
func NewConfirmCounter(threshold int, intervalMillis int64) ConfirmCounter {
	return ConfirmCounter{Threshold: threshold, IntervalMillis: intervalMillis}
}

// Evaluate samples the condition if enough time has passed since the
// last sample. It returns confirmed=true once Threshold consecutive
// true samples have been seen; any false sample resets the count.
func (c *ConfirmCounter) Evaluate(nowMillis int64, conditionTrue bool) (confirmed bool) {
	if c.sampled && nowMillis-c.LastCheckMillis < c.IntervalMillis {
		return c.Count >= c.Threshold
	}
	c.sampled = true
	c.LastCheckMillis = nowMillis
	if conditionTrue {
		c.Count++
	} else {
		c.Count = 0
	}
	return c.Count >= c.Threshold
}

// Reset clears accumulated confirmations, e.g. after a fault has been handled.
func (c *ConfirmCounter) Reset() {
	c.Count = 0
}

// SustainedTimer tracks how long a boolean condition has held true
// continuously, used for the 30 s bulk re-entry rule.
type SustainedTimer struct {
	sinceMillis int64
	holding     bool
}

// Evaluate returns true once conditionTrue has held continuously for
// at least durationMillis.
func (t *SustainedTimer) Evaluate(nowMillis int64, conditionTrue bool, durationMillis int64) bool {
	if !conditionTrue {
		t.sinceMillis = 0
		t.holding = false
		return false
	}
	if !t.holding {
		t.holding = true
		t.sinceMillis = nowMillis
		return false
	}
	return nowMillis-t.sinceMillis >= durationMillis
}

// LoadOffTimer holds the temporary-load-off window requested over the
// supervisor link.
type LoadOffTimer struct {
	Active         bool
	StartMillis    int64
	DurationMillis int64
}

// Start begins (or refreshes) a temporary load-off window. The
// duration is capped at MaxLoadOffMillis here even though the command
// protocol already clamps its argument.
func (t *LoadOffTimer) Start(nowMillis, durationMillis int64) {
	if durationMillis > MaxLoadOffMillis {
		durationMillis = MaxLoadOffMillis
	}
	t.Active = true
	t.StartMillis = nowMillis
	t.DurationMillis = durationMillis
}

// Cancel immediately clears the timer (CMD:CANCEL_TEMP_OFF).
func (t *LoadOffTimer) Cancel() {
	t.Active = false
	t.StartMillis = 0
	t.DurationMillis = 0
}

// RemainingMillis returns how long is left, or 0 if inactive/expired.
func (t *LoadOffTimer) RemainingMillis(nowMillis int64) int64 {
	if !t.Active {
		return 0
	}
	elapsed := nowMillis - t.StartMillis
	remaining := t.DurationMillis - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the timer is active but has run out.
func (t *LoadOffTimer) Expired(nowMillis int64) bool {
	return t.Active && t.RemainingMillis(nowMillis) <= 0
}

// Result is what the supervisor decides for one tick.
type Result struct {
	OverVoltageFault  bool
	OverTempFault     bool
	ForceDutyZero     bool // panel-current loss confirmed
	LoadPinOn         bool
	ReenterBulk       bool
	SafeToLeaveError  bool
	DiagnosticNote    string
}

// Supervisor holds all per-tick confirmation/timer state.
type Supervisor struct {
	overVoltage   ConfirmCounter
	overTemp      ConfirmCounter
	panelLoss     ConfirmCounter
	recovery      ConfirmCounter
	bulkReentry   SustainedTimer
	loadPinState  bool // last commanded state, for LVD/LVR hysteresis
	LoadOff       LoadOffTimer
}

// New constructs a Supervisor: over-voltage confirms 5x at 1 s,
// over-temperature 5x at 2 s, panel loss 5x at 100 ms, and Error
// recovery needs one clean 2 s check.
func New() *Supervisor {
	return &Supervisor{
		overVoltage: NewConfirmCounter(5, 1000),
		overTemp:    NewConfirmCounter(5, 2000),
		panelLoss:   NewConfirmCounter(5, 100),
		// Two samples 2 s apart: recovery needs the safety signals
		// normal across a full 2-second window, not one clean read.
		recovery: NewConfirmCounter(2, 2000),
	}
}

// BootGate reports whether temperature or battery voltage is already
// unsafe at boot, in which case the controller starts in Error with
// the load pin off.
func (s *Supervisor) BootGate(sig signal.Signals) (forceError bool) {
	return sig.BatteryVoltageV >= MaxBatteryVoltageAllowed || sig.BatteryTemperatureC >= TempThresholdShutdown
}

// Check runs one supervisor pass. nowMillis is a monotonic clock. duty
// is the PWM regulator's current duty value (read-only here). inError
// reports whether the state machine is currently in the Error state.
func (s *Supervisor) Check(nowMillis int64, sig signal.Signals, duty int, inError bool) Result {
	var r Result

	r.OverVoltageFault = s.overVoltage.Evaluate(nowMillis, sig.BatteryVoltageV >= MaxBatteryVoltageAllowed)
	r.OverTempFault = s.overTemp.Evaluate(nowMillis, sig.BatteryTemperatureC >= TempThresholdShutdown)

	if duty != 0 {
		r.ForceDutyZero = s.panelLoss.Evaluate(nowMillis, sig.PanelCurrentMA <= PanelCurrentLossMA)
	} else {
		s.panelLoss.Reset()
	}

	r.ReenterBulk = s.bulkReentry.Evaluate(nowMillis, sig.BatteryVoltageV < ReentryToBulkVoltage && !inError, 30_000)

	safeNow := !r.OverVoltageFault && !r.OverTempFault
	if inError {
		confirmed := s.recovery.Evaluate(nowMillis, safeNow)
		r.SafeToLeaveError = confirmed && sig.BatteryVoltageV >= LVD
	} else {
		s.recovery.Reset()
	}

	// Once recovery is confirmed the pin follows LVD/LVR again on this
	// same tick, together with the state machine leaving Error.
	r.LoadPinOn, r.DiagnosticNote = s.loadPin(nowMillis, sig, inError && !r.SafeToLeaveError)
	return r
}

// loadPin implements the LVD/LVR hysteresis band and the
// temporary-load-off override.
func (s *Supervisor) loadPin(nowMillis int64, sig signal.Signals, inError bool) (bool, string) {
	if inError {
		s.loadPinState = false
		return false, ""
	}

	if s.LoadOff.Active {
		if s.LoadOff.Expired(nowMillis) {
			s.LoadOff.Cancel()
			if sig.BatteryVoltageV > LVR && sig.BatteryVoltageV < MaxBatteryVoltageAllowed {
				s.loadPinState = true
				return true, ""
			}
			s.loadPinState = false
			return false, "temporary load-off expired but battery voltage unsafe for reconnect, load stays off"
		}
		s.loadPinState = false
		return false, ""
	}

	switch {
	case sig.BatteryVoltageV < LVD || sig.BatteryVoltageV > MaxBatteryVoltageAllowed:
		s.loadPinState = false
	case sig.BatteryVoltageV > LVR && sig.BatteryVoltageV < MaxBatteryVoltageAllowed:
		s.loadPinState = true
	} // else: inside the hysteresis band, leave state unchanged.
	return s.loadPinState, ""
}
