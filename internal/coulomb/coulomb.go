// Package coulomb tracks the battery's accumulated ampere-hours: an
// integrator with clock-jump guarding, a 1C rate cap on any single
// tick's delta, and voltage-based SOC estimation via a piecewise-linear
// lookup table.
package coulomb

import (
	"sort"

	"gonum.org/v1/gonum/interp"
)

// socBreakpoints maps resting battery voltage to SOC% for a 12 V
// lead-acid bank.
var socBreakpoints = []struct {
	voltage float64
	socPct  float64
}{
	{11.5, 5},
	{11.8, 10},
	{12.0, 20},
	{12.4, 40},
	{12.8, 60},
	{13.2, 80},
	{13.8, 95},
	{14.4, 100},
}

// Counter owns AccumulatedAh. Besides its own methods, the controller
// writes the field directly when it reclamps the value after a battery
// capacity change.
type Counter struct {
	AccumulatedAh   float64
	LastUpdateMillis int64

	batteryCapacityAh func() float64
}

// New constructs a Counter. batteryCapacityAh is a callback so the
// counter always clamps against the live tunable.
func New(batteryCapacityAh func() float64) *Counter {
	return &Counter{batteryCapacityAh: batteryCapacityAh}
}

// Restore loads a persisted accumulated Ah value, falling back to a
// voltage estimate if the stored value is negative or exceeds the
// 110% overcharge allowance.
func (c *Counter) Restore(accumulatedAh float64, batteryVoltage float64) {
	capacity := c.batteryCapacityAh()
	if accumulatedAh < 0 || accumulatedAh > 1.1*capacity {
		c.AccumulatedAh = EstimatedSOCFromVoltage(batteryVoltage) / 100 * capacity
		return
	}
	c.AccumulatedAh = accumulatedAh
}

// Update performs one integration step. nowMillis is a monotonic
// millisecond clock reading.
func (c *Counter) Update(nowMillis int64, panelMA, loadMA float64) {
	if c.LastUpdateMillis == 0 {
		c.LastUpdateMillis = nowMillis
		return
	}

	deltaHours := float64(nowMillis-c.LastUpdateMillis) / 3.6e6
	c.LastUpdateMillis = nowMillis

	if deltaHours > 1.0 {
		// Clock jump or restart: don't integrate across the gap.
		return
	}
	if deltaHours < 1e-4 {
		return
	}

	panelA := clipNonNegative(panelMA) / 1000
	loadA := clipNonNegative(loadMA) / 1000
	deltaAh := (panelA - loadA) * deltaHours

	capacity := c.batteryCapacityAh()
	maxDeltaAh := capacity / 3600 * deltaHours * 3600 // 1C-rate cap over the elapsed window
	if deltaAh > maxDeltaAh {
		deltaAh = maxDeltaAh
	} else if deltaAh < -maxDeltaAh {
		deltaAh = -maxDeltaAh
	}

	c.AccumulatedAh += deltaAh
	if c.AccumulatedAh < 0 {
		c.AccumulatedAh = 0
	}
	if max := 1.1 * capacity; c.AccumulatedAh > max {
		c.AccumulatedAh = max
	}
}

// AccumulatedSOCPercent returns the counter's own estimate of SOC, for
// comparison against the voltage-based estimate in ResetForNewStage.
func (c *Counter) AccumulatedSOCPercent() float64 {
	capacity := c.batteryCapacityAh()
	if capacity <= 0 {
		return 0
	}
	return c.AccumulatedAh / capacity * 100
}

// ResetForNewStage re-anchors the accumulator against the voltage
// estimate when the charge state machine transitions stages.
func (c *Counter) ResetForNewStage(enteringFloat bool, batteryVoltage float64) {
	capacity := c.batteryCapacityAh()
	voltageSOC := EstimatedSOCFromVoltage(batteryVoltage)
	accumulatedSOC := c.AccumulatedSOCPercent()

	if enteringFloat {
		if accumulatedSOC < voltageSOC-10 {
			blended := 0.7*accumulatedSOC + 0.3*voltageSOC
			c.AccumulatedAh = blended / 100 * capacity
		} else if accumulatedSOC < 85 {
			c.AccumulatedAh = 0.85 * capacity
		}
		return
	}

	if voltageSOC > 80 {
		if voltageSOC > accumulatedSOC {
			c.AccumulatedAh = voltageSOC / 100 * capacity
		}
	}
	if accumulatedSOC > voltageSOC+20 {
		c.AccumulatedAh = (voltageSOC + 10) / 100 * capacity
	}
}

// EstimatedSOCFromVoltage interpolates socBreakpoints, clamped to
// [0, 100] outside the table's domain.
func EstimatedSOCFromVoltage(v float64) float64 {
	if v < socBreakpoints[0].voltage {
		return 0
	}
	last := len(socBreakpoints) - 1
	if v > socBreakpoints[last].voltage {
		return 100
	}

	xs := make([]float64, len(socBreakpoints))
	ys := make([]float64, len(socBreakpoints))
	for i, bp := range socBreakpoints {
		xs[i] = bp.voltage
		ys[i] = bp.socPct
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		// Fit only fails on malformed (non-increasing) input, which
		// socBreakpoints never is; fall back to manual interpolation
		// defensively rather than panicking in a safety-relevant path.
		return manualLerp(v, xs, ys)
	}
	return pl.Predict(v)
}

func manualLerp(v float64, xs, ys []float64) float64 {
	idx := sort.SearchFloat64s(xs, v)
	if idx == 0 {
		return ys[0]
	}
	if idx >= len(xs) {
		return ys[len(ys)-1]
	}
	x0, x1 := xs[idx-1], xs[idx]
	y0, y1 := ys[idx-1], ys[idx]
	frac := (v - x0) / (x1 - x0)
	return y0 + frac*(y1-y0)
}

func clipNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
