// Package controller wires every leaf package into the single running
// daemon: the cooperative scheduler and the one shared state record
// its steps all read and mutate. State lives in one struct owned by
// the main loop rather than scattered across package globals.
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/SolarHatProject/sc-hat-controller/internal/chargestate"
	"github.com/SolarHatProject/sc-hat-controller/internal/coulomb"
	"github.com/SolarHatProject/sc-hat-controller/internal/events"
	"github.com/SolarHatProject/sc-hat-controller/internal/persist"
	"github.com/SolarHatProject/sc-hat-controller/internal/protocol"
	"github.com/SolarHatProject/sc-hat-controller/internal/pwmreg"
	"github.com/SolarHatProject/sc-hat-controller/internal/safety"
	"github.com/SolarHatProject/sc-hat-controller/internal/signal"
)

// Version is the controller's own build identifier, reported by
// CMD:GET_VERSION / the firmware_version snapshot field.
const Version = "sc-hat-controller/1.0"

// persistFlushInterval is the periodic cycle-state flush cadence.
const persistFlushInterval = 5 * time.Minute

// heartbeatInterval is the keepalive cadence; other link traffic does
// not postpone the heartbeat.
const heartbeatInterval = 30 * time.Second

// faultResetAfter is the time budget of a single tick: a tick that
// finishes later than this is logged as a warning. The tick itself is
// not interrupted or repeated.
const faultResetAfter = 15 * time.Second

// Controller owns every stateful component and is the sole writer of
// shared state; the command protocol and the web API only ever reach
// it through the StateAccessor methods below, never by poking fields
// directly from another goroutine.
type Controller struct {
	log *logrus.Logger

	mu       sync.Mutex
	tunables chargestate.Tunables

	sampler    *signal.Sampler
	counter    *coulomb.Counter
	pwm        *pwmreg.Regulator
	supervisor *safety.Supervisor
	machine    *chargestate.Machine
	store      *persist.TunableStore
	evts       *events.Bus

	loadPin gpio.PinIO

	lastSignals signal.Signals
	connected   bool
	note        string
	startedAt   time.Time
	lastFlush   time.Time
	lastBeat    time.Time
}

// Config is the subset of wiring Controller needs; the rest of the
// static deployment configuration is consumed by main before this
// point (serial device paths, HTTP address, and so on).
type Config struct {
	BusName         string
	PowerMCUAddress byte
	LoadControlPin  string
}

// New constructs a Controller. defaults seeds any tunable not found in
// the persistence store.
func New(log *logrus.Logger, cfg Config, store *persist.TunableStore, evts *events.Bus, defaults chargestate.Tunables) (*Controller, error) {
	loaded := store.LoadTunables(toSnapshot(defaults))
	tunables := fromSnapshot(loaded)
	if err := tunables.Validate(); err != nil {
		log.WithError(err).Warn("controller: persisted tunables failed validation, reverting to defaults")
		tunables = defaults
	}

	c := &Controller{
		log:       log,
		tunables:  tunables,
		evts:      evts,
		store:     store,
		startedAt: time.Now(),
	}

	c.sampler = signal.New(cfg.BusName, cfg.PowerMCUAddress, func() float64 { return c.snapshotTunable().MaxAllowedCurrentMA })
	c.pwm = pwmreg.New(cfg.BusName, cfg.PowerMCUAddress)
	c.counter = coulomb.New(func() float64 { return c.snapshotTunable().BatteryCapacityAh })
	c.supervisor = safety.New()
	c.machine = chargestate.New(func() chargestate.Tunables { return c.snapshotTunable() }, c.counter, c.pwm)

	if cfg.LoadControlPin != "" {
		pin := gpioreg.ByName(cfg.LoadControlPin)
		if pin == nil {
			return nil, fmt.Errorf("controller: load control gpio pin %s not found", cfg.LoadControlPin)
		}
		c.loadPin = pin
	}

	return c, nil
}

func (c *Controller) snapshotTunable() chargestate.Tunables {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunables
}

// Boot probes the sensors, restores persisted cycle state, and picks
// the initial charge state, gated by the boot-time safety check.
func (c *Controller) Boot() error {
	if err := c.sampler.ProbeBatterySensor(); err != nil {
		return fmt.Errorf("controller: fatal boot error: %w", err)
	}
	c.sampler.ProbePanelSensor()

	nowMillis := time.Now().UnixMilli()
	sig := c.sampler.Sample()
	c.lastSignals = sig
	c.connected = true

	cycle, ahValid := c.store.LoadCycleState()
	if ahValid {
		c.counter.Restore(cycle.AccumulatedAh, sig.BatteryVoltageV)
	} else {
		c.counter.Restore(-1, sig.BatteryVoltageV) // forces the voltage-estimate fallback path
	}

	unsafe := c.supervisor.BootGate(sig)
	c.machine.InitialState(nowMillis, sig, unsafe)
	if unsafe {
		c.setLoadPin(false)
		c.setNote("unsafe conditions at boot, starting in error with load off")
	}
	if cycle.BulkStartMs > 0 {
		c.machine.RestoreCycleState(cycle.BulkStartMs, 0)
	}

	c.log.WithField("state", c.machine.State.String()).Info("controller: boot complete")
	return nil
}

// Tick runs one pass of the periodic work block. It is meant to be
// called roughly once per second by main's loop; callers are
// responsible for the command-link and web-link drains that happen
// before/after this call, since those own their own blocking I/O.
func (c *Controller) Tick(now time.Time) {
	deadline := now.Add(faultResetAfter)
	nowMillis := now.UnixMilli()

	c.sampler.MaybeRecheckPanelSensor()
	sig := c.sampler.Sample()

	c.mu.Lock()
	c.lastSignals = sig
	c.mu.Unlock()

	c.counter.Update(nowMillis, sig.PanelCurrentMA, sig.LoadCurrentMA)

	duty := c.pwm.Duty()
	inError := c.machine.State == chargestate.Error
	result := c.supervisor.Check(nowMillis, sig, duty, inError)

	if err := c.machine.Step(nowMillis, sig, result); err != nil {
		c.log.WithError(err).Error("controller: charge state step failed")
	}

	if result.LoadPinOn != c.lastLoadPinState() {
		c.setLoadPin(result.LoadPinOn)
	}
	if result.DiagnosticNote != "" {
		c.setNote(result.DiagnosticNote)
		c.evts.Publish(c.machine.State.String(), result.DiagnosticNote)
	}

	if time.Now().After(deadline) {
		c.log.Warn("controller: tick exceeded fault-reset deadline, continuing on next tick")
	}

	if time.Since(c.lastFlush) >= persistFlushInterval {
		c.flushCycleState()
		c.lastFlush = time.Now()
	}
}

// lastLoadPinState reports the load pin's last commanded level,
// independent of safety.Supervisor's own hysteresis bookkeeping, so
// Tick only ever writes the GPIO on an actual change.
func (c *Controller) lastLoadPinState() bool {
	if c.loadPin == nil {
		return false
	}
	return c.loadPin.Read() == gpio.High
}

func (c *Controller) setLoadPin(on bool) {
	if c.loadPin == nil {
		return
	}
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := c.loadPin.Out(level); err != nil {
		c.log.WithError(err).Error("controller: failed to drive load control pin")
	}
}

func (c *Controller) setNote(note string) {
	c.mu.Lock()
	c.note = note
	c.mu.Unlock()
}

// clampAccumulatedToCapacity reclamps the coulomb counter's
// accumulated Ah into [0, 1.1*capacity] after battery capacity
// changes, without otherwise rescaling the stored absolute value.
func (c *Controller) clampAccumulatedToCapacity(capacityAh float64) {
	max := 1.1 * capacityAh
	if c.counter.AccumulatedAh < 0 {
		c.counter.AccumulatedAh = 0
	} else if c.counter.AccumulatedAh > max {
		c.counter.AccumulatedAh = max
	}
}

func (c *Controller) flushCycleState() {
	snap := persist.CycleSnapshot{
		AccumulatedAh: c.counter.AccumulatedAh,
		BulkStartMs:   c.machine.BulkStartMillis(),
	}
	if err := c.store.SaveCycleState(snap); err != nil {
		c.log.WithError(err).Error("controller: failed to flush cycle state")
	}
}

// MaybeHeartbeat reports whether the 30 s heartbeat is due, and if so
// marks it as sent.
func (c *Controller) MaybeHeartbeat(now time.Time) bool {
	if now.Sub(c.lastBeat) < heartbeatInterval {
		return false
	}
	c.lastBeat = now
	return true
}

// --- protocol.StateAccessor / webapi wiring ---

// Snapshot implements protocol.StateAccessor.
func (c *Controller) Snapshot() protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tunables
	d := t.Compute()
	sig := c.lastSignals
	loadOff := c.supervisor.LoadOff

	return protocol.Snapshot{
		PanelToBatteryCurrent:        sig.PanelCurrentMA,
		BatteryToLoadCurrent:        sig.LoadCurrentMA,
		VoltagePanel:                sig.PanelVoltageV,
		VoltageBatterySensor2:       sig.BatteryVoltageV,
		CurrentPWM:                  c.pwm.Duty(),
		Temperature:                 sig.BatteryTemperatureC,
		ChargeState:                 c.machine.State.String(),
		BulkVoltage:                 t.BulkVoltageV,
		AbsorptionVoltage:           t.AbsorptionVoltageV,
		FloatVoltage:                t.FloatVoltageV,
		LVD:                         safety.LVD,
		LVR:                         safety.LVR,
		BatteryCapacity:             t.BatteryCapacityAh,
		ThresholdPercentage:         t.ThresholdPercentage,
		MaxAllowedCurrent:           t.MaxAllowedCurrentMA,
		IsLithium:                   t.IsLithium,
		MaxBatteryVoltageAllowed:    safety.MaxBatteryVoltageAllowed,
		AbsorptionCurrentThresholdMA: d.AbsorptionCurrentThresholdMA,
		CurrentLimitIntoFloatStage:  d.CurrentLimitIntoFloatMA,
		CalculatedAbsorptionHours:   c.machine.CalculatedAbsorptionHours(),
		AccumulatedAh:               c.counter.AccumulatedAh,
		EstimatedSOC:                coulomb.EstimatedSOCFromVoltage(sig.BatteryVoltageV),
		NetCurrent:                  sig.PanelCurrentMA - sig.LoadCurrentMA,
		FactorDivider:               t.FactorDivider,
		UseFuenteDC:                 t.UseDCSource,
		FuenteDCAmps:                t.DCSourceAmps,
		MaxBulkHours:                d.MaxBulkHours,
		CurrentBulkHours:            currentBulkHours(c.machine.BulkStartMillis()),
		PanelSensorAvailable:        sig.PanelSensorAvailable,
		TemporaryLoadOff:            loadOff.Active,
		LoadOffRemainingSeconds:     float64(loadOff.RemainingMillis(time.Now().UnixMilli())) / 1000,
		LoadOffDuration:             float64(loadOff.DurationMillis) / 1000,
		LoadOffMaxDuration:          safety.MaxLoadOffMillis / 1000,
		LoadControlState:            c.lastLoadPinState(),
		NotaPersonalizada:           c.note,
		Connected:                   c.connected,
		FirmwareVersion:             Version,
		Uptime:                      time.Since(c.startedAt).Seconds(),
	}
}

func currentBulkHours(bulkStartMillis int64) float64 {
	if bulkStartMillis == 0 {
		return 0
	}
	return float64(time.Now().UnixMilli()-bulkStartMillis) / 3.6e6
}

// SetTunable implements protocol.StateAccessor for numeric parameters.
func (c *Controller) SetTunable(param string, value float64) error {
	c.mu.Lock()
	candidate := c.tunables
	key, err := applyFloatParam(&candidate, param, value)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := candidate.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.tunables = candidate
	c.mu.Unlock()

	if param == "BATTERY_CAPACITY" {
		// Changing battery capacity preserves absolute stored energy:
		// accumulated Ah is left as-is, only reclamped to the new
		// capacity's [0, 110%] band. SOC becomes whatever that Ah now
		// represents as a percentage of the new capacity.
		c.clampAccumulatedToCapacity(value)
	}

	return c.store.SaveTunable(key, formatFloat(value))
}

// SetBoolTunable implements protocol.StateAccessor for boolean parameters.
func (c *Controller) SetBoolTunable(param string, value bool) error {
	c.mu.Lock()
	candidate := c.tunables
	key, err := applyBoolParam(&candidate, param, value)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.tunables = candidate
	c.mu.Unlock()

	return c.store.SaveTunable(key, formatBool(value))
}

// ToggleLoad implements protocol.StateAccessor: starts a temporary
// load-off window. The caller bounds seconds before it reaches here:
// protocol clamps it for the serial link, webapi rejects values
// outside its HTTP range.
func (c *Controller) ToggleLoad(seconds int) error {
	c.supervisor.LoadOff.Start(time.Now().UnixMilli(), int64(seconds)*1000)
	c.setLoadPin(false)
	return nil
}

// CancelTempOff implements protocol.StateAccessor.
func (c *Controller) CancelTempOff() error {
	c.supervisor.LoadOff.Cancel()
	return nil
}

// Version implements protocol.StateAccessor.
func (c *Controller) Version() string {
	return Version
}

func applyFloatParam(t *chargestate.Tunables, param string, v float64) (persistKey string, err error) {
	switch param {
	case "BATTERY_CAPACITY":
		t.BatteryCapacityAh = v
		return persist.KeyBatteryCap, nil
	case "THRESHOLD_PERCENTAGE":
		t.ThresholdPercentage = v
		return persist.KeyThresholdPerc, nil
	case "MAX_ALLOWED_CURRENT":
		t.MaxAllowedCurrentMA = v
		return persist.KeyMaxCurrent, nil
	case "BULK_VOLTAGE":
		t.BulkVoltageV = v
		return persist.KeyBulkV, nil
	case "ABSORPTION_VOLTAGE":
		t.AbsorptionVoltageV = v
		return persist.KeyAbsV, nil
	case "FLOAT_VOLTAGE":
		t.FloatVoltageV = v
		return persist.KeyFloatV, nil
	case "DC_SOURCE_AMPS":
		t.DCSourceAmps = v
		return persist.KeyFuenteDCAmps, nil
	case "FACTOR_DIVIDER":
		t.FactorDivider = v
		return persist.KeyFactorDivider, nil
	}
	return "", fmt.Errorf("controller: unknown float parameter %s", param)
}

func applyBoolParam(t *chargestate.Tunables, param string, v bool) (persistKey string, err error) {
	switch param {
	case "IS_LITHIUM":
		t.IsLithium = v
		return persist.KeyIsLithium, nil
	case "USE_DC_SOURCE":
		t.UseDCSource = v
		return persist.KeyUseFuenteDC, nil
	}
	return "", fmt.Errorf("controller: unknown boolean parameter %s", param)
}

func toSnapshot(t chargestate.Tunables) persist.TunableSnapshot {
	return persist.TunableSnapshot{
		BatteryCapacityAh:   t.BatteryCapacityAh,
		ThresholdPercentage: t.ThresholdPercentage,
		MaxAllowedCurrentMA: t.MaxAllowedCurrentMA,
		BulkVoltageV:        t.BulkVoltageV,
		AbsorptionVoltageV:  t.AbsorptionVoltageV,
		FloatVoltageV:       t.FloatVoltageV,
		IsLithium:           t.IsLithium,
		UseDCSource:         t.UseDCSource,
		DCSourceAmps:        t.DCSourceAmps,
		FactorDivider:       t.FactorDivider,
	}
}

func fromSnapshot(s persist.TunableSnapshot) chargestate.Tunables {
	return chargestate.Tunables{
		BatteryCapacityAh:   s.BatteryCapacityAh,
		ThresholdPercentage: s.ThresholdPercentage,
		MaxAllowedCurrentMA: s.MaxAllowedCurrentMA,
		BulkVoltageV:        s.BulkVoltageV,
		AbsorptionVoltageV:  s.AbsorptionVoltageV,
		FloatVoltageV:       s.FloatVoltageV,
		IsLithium:           s.IsLithium,
		UseDCSource:         s.UseDCSource,
		DCSourceAmps:        s.DCSourceAmps,
		FactorDivider:       s.FactorDivider,
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
