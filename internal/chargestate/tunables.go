// Package chargestate implements the three-stage charge profile:
// bulk/absorption/float/error transitions, per-stage duty laws, and
// the absorption-time projection. The four states map to a Go enum;
// Step's transition switch is written to be exhaustive.
package chargestate

import "fmt"

// State is one of the four charge states.
type State int

const (
	Bulk State = iota
	Absorption
	Float
	Error
)

func (s State) String() string {
	switch s {
	case Bulk:
		return "BULK_CHARGE"
	case Absorption:
		return "ABSORPTION_CHARGE"
	case Float:
		return "FLOAT_CHARGE"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Tunables are the persisted, operator-adjustable charge parameters.
// All range validation happens in Validate.
type Tunables struct {
	BatteryCapacityAh    float64
	ThresholdPercentage  float64
	MaxAllowedCurrentMA  float64
	BulkVoltageV         float64
	AbsorptionVoltageV   float64
	FloatVoltageV        float64
	IsLithium            bool
	UseDCSource          bool
	DCSourceAmps         float64
	FactorDivider        float64
}

// Default returns the factory defaults for a 50 Ah GEL bank.
func Default() Tunables {
	return Tunables{
		BatteryCapacityAh:   50,
		ThresholdPercentage: 1.0,
		MaxAllowedCurrentMA: 6000,
		BulkVoltageV:        14.4,
		AbsorptionVoltageV:  14.4,
		FloatVoltageV:       13.6,
		IsLithium:           false,
		UseDCSource:         false,
		DCSourceAmps:        0,
		FactorDivider:       5,
	}
}

// Validate enforces the per-field ranges and the cross-field
// invariant float <= absorption <= bulk <= 15.0.
func (t Tunables) Validate() error {
	if t.BatteryCapacityAh <= 0 || t.BatteryCapacityAh > 1000 {
		return fmt.Errorf("battery_capacity_Ah out of range (0, 1000]: %v", t.BatteryCapacityAh)
	}
	if t.ThresholdPercentage < 0.1 || t.ThresholdPercentage > 5.0 {
		return fmt.Errorf("threshold_percentage out of range [0.1, 5.0]: %v", t.ThresholdPercentage)
	}
	if t.MaxAllowedCurrentMA < 1000 || t.MaxAllowedCurrentMA > 15000 {
		return fmt.Errorf("max_allowed_current_mA out of range [1000, 15000]: %v", t.MaxAllowedCurrentMA)
	}
	for name, v := range map[string]float64{
		"bulk_voltage_V":       t.BulkVoltageV,
		"absorption_voltage_V": t.AbsorptionVoltageV,
		"float_voltage_V":      t.FloatVoltageV,
	} {
		if v < 12.0 || v > 15.0 {
			return fmt.Errorf("%s out of range [12.0, 15.0]: %v", name, v)
		}
	}
	if !(t.FloatVoltageV <= t.AbsorptionVoltageV && t.AbsorptionVoltageV <= t.BulkVoltageV) {
		return fmt.Errorf("voltage invariant violated: float(%v) <= absorption(%v) <= bulk(%v) required", t.FloatVoltageV, t.AbsorptionVoltageV, t.BulkVoltageV)
	}
	if t.DCSourceAmps < 0 || t.DCSourceAmps > 50 {
		return fmt.Errorf("dc_source_amps out of range [0, 50]: %v", t.DCSourceAmps)
	}
	if t.FactorDivider < 1 || t.FactorDivider > 10 {
		return fmt.Errorf("factor_divider out of range [1, 10]: %v", t.FactorDivider)
	}
	return nil
}

// Derived holds the values recomputed whenever a Tunable changes.
type Derived struct {
	AbsorptionCurrentThresholdMA float64
	CurrentLimitIntoFloatMA      float64
	MaxBulkHours                 float64
}

// Compute derives AbsorptionCurrentThresholdMA, CurrentLimitIntoFloatMA,
// and MaxBulkHours from t.
func (t Tunables) Compute() Derived {
	d := Derived{
		AbsorptionCurrentThresholdMA: t.BatteryCapacityAh * t.ThresholdPercentage * 10,
	}
	d.CurrentLimitIntoFloatMA = d.AbsorptionCurrentThresholdMA / t.FactorDivider
	if t.UseDCSource && t.DCSourceAmps > 0 {
		d.MaxBulkHours = t.BatteryCapacityAh / t.DCSourceAmps
	}
	return d
}

const (
	chargedBatteryRestVoltage = 12.88
	maxAbsorptionHours        = 1.0
)
