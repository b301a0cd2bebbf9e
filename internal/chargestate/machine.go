package chargestate

import (
	"github.com/SolarHatProject/sc-hat-controller/internal/coulomb"
	"github.com/SolarHatProject/sc-hat-controller/internal/pwmreg"
	"github.com/SolarHatProject/sc-hat-controller/internal/safety"
	"github.com/SolarHatProject/sc-hat-controller/internal/signal"
)

// Machine owns the charge state and its stage timers, and drives the
// PWM regulator each tick.
type Machine struct {
	State State

	bulkStartMillis       int64
	absorptionStartMillis int64
	calculatedAbsHours    float64

	tunables func() Tunables
	counter  *coulomb.Counter
	pwm      *pwmreg.Regulator

	// lithiumAbsorptionLatched becomes true once net current has
	// tapered below the threshold during Li absorption; from then on
	// the Li post-threshold duty law applies, even if net current
	// later rises again (lithium never transitions to Float, but the
	// duty law it follows should not flap back and forth).
	lithiumAbsorptionLatched bool

	LastNote string
}

// New constructs a Machine. tunables is a callback so the machine
// always reads the live tunable values.
func New(tunables func() Tunables, counter *coulomb.Counter, pwm *pwmreg.Regulator) *Machine {
	return &Machine{tunables: tunables, counter: counter, pwm: pwm}
}

// InitialState selects the boot-time state from the resting battery
// voltage and chemistry, gated by the boot-time safety check.
func (m *Machine) InitialState(nowMillis int64, sig signal.Signals, unsafeAtBoot bool) {
	t := m.tunables()
	switch {
	case unsafeAtBoot:
		m.State = Error
	case sig.BatteryVoltageV >= chargedBatteryRestVoltage:
		if t.IsLithium {
			m.State = Absorption
			m.absorptionStartMillis = nowMillis
		} else {
			m.State = Float
		}
	default:
		m.State = Bulk
		m.bulkStartMillis = nowMillis
	}
}

// CalculatedAbsorptionHours exposes the last-computed projection for
// the JSON snapshot.
func (m *Machine) CalculatedAbsorptionHours() float64 {
	return m.calculatedAbsHours
}

// Step runs one tick: the duty law for the current state first, then
// the transition predicates. Transitions are evaluated only after the
// tick's duty adjustment has been applied.
func (m *Machine) Step(nowMillis int64, sig signal.Signals, sr safety.Result) error {
	t := m.tunables()
	d := t.Compute()
	netCurrentMA := sig.PanelCurrentMA - sig.LoadCurrentMA

	if sr.ForceDutyZero {
		if err := m.pwm.SetDuty(0); err != nil {
			return err
		}
	} else {
		if err := m.applyDutyLaw(t, d, sig); err != nil {
			return err
		}
	}

	m.transition(nowMillis, t, d, sig, sr, netCurrentMA)
	return nil
}

func (m *Machine) applyDutyLaw(t Tunables, d Derived, sig signal.Signals) error {
	switch m.State {
	case Bulk:
		switch {
		case sig.PanelCurrentMA > t.MaxAllowedCurrentMA:
			return m.pwm.Adjust(-5)
		case sig.BatteryVoltageV < t.BulkVoltageV:
			return m.pwm.Adjust(1)
		default:
			return m.pwm.Adjust(-1)
		}
	case Absorption:
		if t.IsLithium && m.lithiumAbsorptionLatched {
			if sig.PanelCurrentMA > sig.LoadCurrentMA {
				return m.pwm.Adjust(-3)
			}
			return m.pwm.Adjust(1)
		}
		switch {
		case sig.BatteryVoltageV > t.AbsorptionVoltageV:
			return m.pwm.Adjust(-1)
		case sig.BatteryVoltageV < t.AbsorptionVoltageV:
			if sig.PanelCurrentMA < t.MaxAllowedCurrentMA {
				return m.pwm.Adjust(1)
			}
			return m.pwm.Adjust(-2)
		default:
			return nil
		}
	case Float:
		if sig.PanelCurrentMA <= d.CurrentLimitIntoFloatMA+sig.LoadCurrentMA {
			switch {
			case sig.BatteryVoltageV < t.FloatVoltageV:
				return m.pwm.Adjust(1)
			case sig.BatteryVoltageV > t.FloatVoltageV:
				return m.pwm.Adjust(-1)
			default:
				return nil
			}
		}
		return m.pwm.Adjust(-2)
	case Error:
		return m.pwm.SetDuty(safety.ErrorTickleDuty)
	default:
		return nil
	}
}

func (m *Machine) transition(nowMillis int64, t Tunables, d Derived, sig signal.Signals, sr safety.Result, netCurrentMA float64) {
	// Any -> Error takes priority over every other transition.
	if sr.OverVoltageFault || sr.OverTempFault {
		if m.State != Error {
			m.LastNote = "safety fault confirmed, entering Error"
		}
		m.State = Error
		return
	}

	switch m.State {
	case Bulk:
		if m.shouldLeaveBulk(nowMillis, t, d, sig) {
			m.State = Absorption
			m.absorptionStartMillis = nowMillis
			m.bulkStartMillis = 0
			m.lithiumAbsorptionLatched = false
			m.LastNote = "bulk complete, entering absorption"
		}

	case Absorption:
		if sr.ReenterBulk {
			m.State = Bulk
			m.bulkStartMillis = nowMillis
			m.absorptionStartMillis = 0
			m.LastNote = "battery voltage sagged, re-entering bulk"
			return
		}
		m.calculatedAbsHours = m.recomputeAbsorptionHours(t, netCurrentMA)
		if t.IsLithium {
			if netCurrentMA <= d.AbsorptionCurrentThresholdMA {
				m.lithiumAbsorptionLatched = true
			}
			return // lithium holds absorption, never drops to float
		}
		elapsedHours := float64(nowMillis-m.absorptionStartMillis) / 3.6e6
		if netCurrentMA <= d.AbsorptionCurrentThresholdMA || elapsedHours >= m.calculatedAbsHours {
			m.State = Float
			m.counter.ResetForNewStage(true, sig.BatteryVoltageV)
			m.LastNote = "absorption complete, entering float"
		}

	case Float:
		if sr.ReenterBulk {
			m.State = Bulk
			m.bulkStartMillis = nowMillis
			m.LastNote = "battery voltage sagged, re-entering bulk"
		}

	case Error:
		if sr.SafeToLeaveError {
			m.State = Absorption
			m.absorptionStartMillis = nowMillis
			m.lithiumAbsorptionLatched = false
			m.LastNote = "safety conditions cleared, leaving error"
		}
	}
}

func (m *Machine) shouldLeaveBulk(nowMillis int64, t Tunables, d Derived, sig signal.Signals) bool {
	if sig.BatteryVoltageV >= t.BulkVoltageV {
		return true
	}
	if t.UseDCSource && d.MaxBulkHours > 0 {
		elapsedHours := float64(nowMillis-m.bulkStartMillis) / 3.6e6
		if elapsedHours >= d.MaxBulkHours {
			return true
		}
	}
	return false
}

// recomputeAbsorptionHours projects, from the remaining capacity and
// the present net current, how long the absorption stage should run.
func (m *Machine) recomputeAbsorptionHours(t Tunables, netCurrentMA float64) float64 {
	netA := netCurrentMA / 1000
	if netA <= 0 {
		return maxAbsorptionHours / 2
	}
	chargedPct := m.counter.AccumulatedAh / t.BatteryCapacityAh * 100
	remainingAh := t.BatteryCapacityAh * (100 - chargedPct) / 100 * 1.1
	hours := remainingAh / netA
	if hours > maxAbsorptionHours {
		return maxAbsorptionHours
	}
	if hours < 0 {
		return 0
	}
	return hours
}

// BulkStartMillis and AbsorptionStartMillis are exposed read-only for
// persistence and JSON reporting.
func (m *Machine) BulkStartMillis() int64       { return m.bulkStartMillis }
func (m *Machine) AbsorptionStartMillis() int64 { return m.absorptionStartMillis }

// RestoreCycleState re-hydrates timers from persistence at boot.
func (m *Machine) RestoreCycleState(bulkStartMillis, absorptionStartMillis int64) {
	m.bulkStartMillis = bulkStartMillis
	m.absorptionStartMillis = absorptionStartMillis
}
