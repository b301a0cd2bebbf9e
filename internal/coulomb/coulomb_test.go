package coulomb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedCapacity(ah float64) func() float64 {
	return func() float64 { return ah }
}

func TestUpdateAccumulatesChargeOverOneHour(t *testing.T) {
	c := New(fixedCapacity(100))
	c.Update(1_000, 0, 0) // first call only seeds LastUpdateMillis

	// 1 hour of panel current with no load: should add close to panelA.
	c.Update(1_000+3_600_000, 5000, 0)
	assert.InDelta(t, 5.0, c.AccumulatedAh, 0.01)
}

func TestUpdateNeverGoesNegative(t *testing.T) {
	c := New(fixedCapacity(100))
	c.Update(1_000, 0, 0)
	c.Update(1_000+3_600_000, 0, 50_000)
	assert.GreaterOrEqual(t, c.AccumulatedAh, 0.0)
}

func TestUpdateClampsAboveMaxOverchargeAllowance(t *testing.T) {
	c := New(fixedCapacity(10))
	c.AccumulatedAh = 10.9
	c.Update(1_000, 0, 0)
	c.Update(1_000+3_600_000, 50_000, 0)
	assert.LessOrEqual(t, c.AccumulatedAh, 11.0)
}

func TestUpdateIgnoresLargeClockJumps(t *testing.T) {
	c := New(fixedCapacity(100))
	c.Update(1_000, 0, 0)
	before := c.AccumulatedAh
	// A multi-hour gap (e.g. process restart) must not be integrated.
	c.Update(1_000+2*3_600_000+1, 5000, 0)
	assert.Equal(t, before, c.AccumulatedAh)
}

func TestEstimatedSOCFromVoltageIsMonotonicAndBounded(t *testing.T) {
	voltages := []float64{11.0, 11.5, 11.8, 12.0, 12.4, 12.8, 13.2, 13.8, 14.4, 15.0}
	last := -1.0
	for _, v := range voltages {
		soc := EstimatedSOCFromVoltage(v)
		require.GreaterOrEqual(t, soc, 0.0)
		require.LessOrEqual(t, soc, 100.0)
		require.GreaterOrEqual(t, soc, last)
		last = soc
	}
}

func TestRestoreFallsBackToVoltageEstimateWhenOutOfRange(t *testing.T) {
	c := New(fixedCapacity(50))
	c.Restore(-5, 12.8) // invalid accumulated value
	want := EstimatedSOCFromVoltage(12.8) / 100 * 50
	assert.InDelta(t, want, c.AccumulatedAh, 0.001)
}

func TestRestoreAcceptsInRangeValue(t *testing.T) {
	c := New(fixedCapacity(50))
	c.Restore(30, 12.8)
	assert.Equal(t, 30.0, c.AccumulatedAh)
}
