package chargestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolarHatProject/sc-hat-controller/internal/coulomb"
	"github.com/SolarHatProject/sc-hat-controller/internal/i2cbus"
	"github.com/SolarHatProject/sc-hat-controller/internal/pwmreg"
	"github.com/SolarHatProject/sc-hat-controller/internal/safety"
	"github.com/SolarHatProject/sc-hat-controller/internal/signal"
)

func newMachineForTest(t func() Tunables) (*Machine, *coulomb.Counter) {
	i2cbus.MockTxResponses(repeatResponses(500))
	counter := coulomb.New(func() float64 { return t().BatteryCapacityAh })
	pwm := pwmreg.New("org.solarhat.i2c", 0x2A)
	return New(t, counter, pwm), counter
}

func repeatResponses(n int) []i2cbus.TxResponse {
	out := make([]i2cbus.TxResponse, n)
	for i := range out {
		out[i] = i2cbus.TxResponse{}
	}
	return out
}

func TestInitialStatePicksBulkWhenBatteryNotRested(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.InitialState(0, signal.Signals{BatteryVoltageV: 12.0}, false)
	assert.Equal(t, Bulk, m.State)
}

func TestInitialStatePicksFloatWhenBatteryAlreadyRestedAndNotLithium(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.InitialState(0, signal.Signals{BatteryVoltageV: 13.0}, false)
	assert.Equal(t, Float, m.State)
}

func TestInitialStateForcesErrorWhenUnsafeAtBoot(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.InitialState(0, signal.Signals{BatteryVoltageV: 13.0}, true)
	assert.Equal(t, Error, m.State)
}

func TestStepKeepsDutyWithinValidRange(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Bulk

	sig := signal.Signals{BatteryVoltageV: 11.0, PanelCurrentMA: 9000, LoadCurrentMA: 0}
	sr := safety.Result{}
	for i := 0; i < 400; i++ {
		require.NoError(t, m.Step(int64(i)*1000, sig, sr))
		assert.GreaterOrEqual(t, m.pwm.Duty(), 0)
		assert.LessOrEqual(t, m.pwm.Duty(), 255)
	}
}

func TestBulkDutyClimbsOneStepPerTickBelowBulkVoltage(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Bulk

	sig := signal.Signals{BatteryVoltageV: 12.3, PanelCurrentMA: 2000, LoadCurrentMA: 0}
	for i := 1; i <= 60; i++ {
		require.NoError(t, m.Step(int64(i)*1000, sig, safety.Result{}))
	}
	assert.Equal(t, 60, m.pwm.Duty())
	assert.Equal(t, Bulk, m.State)
}

func TestStepMovesBulkToAbsorptionAtBulkVoltage(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Bulk
	m.bulkStartMillis = 0

	sig := signal.Signals{BatteryVoltageV: 14.4, PanelCurrentMA: 1000, LoadCurrentMA: 0}
	require.NoError(t, m.Step(60_000, sig, safety.Result{}))
	assert.Equal(t, Absorption, m.State)
}

func TestStepMovesBulkToAbsorptionAfterDCSourceTimeLimit(t *testing.T) {
	dcTunables := func() Tunables {
		tun := Default()
		tun.UseDCSource = true
		tun.DCSourceAmps = 10 // 50 Ah / 10 A = 5 h ceiling
		return tun
	}
	m, _ := newMachineForTest(dcTunables)
	defer i2cbus.ResetImpl()
	m.State = Bulk
	m.bulkStartMillis = 1000

	sig := signal.Signals{BatteryVoltageV: 12.5, PanelCurrentMA: 2000}
	require.NoError(t, m.Step(1000+4*3_600_000, sig, safety.Result{}))
	assert.Equal(t, Bulk, m.State)

	require.NoError(t, m.Step(1000+5*3_600_000, sig, safety.Result{}))
	assert.Equal(t, Absorption, m.State)
}

func TestAbsorptionMovesToFloatWhenNetCurrentTapersAndReanchorsCounter(t *testing.T) {
	m, counter := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Absorption
	m.absorptionStartMillis = 1000

	// Default 50 Ah at 1% gives a 500 mA taper threshold; 400 mA of
	// net current is below it, so this tick ends the absorption stage.
	sig := signal.Signals{BatteryVoltageV: 14.0, PanelCurrentMA: 400, LoadCurrentMA: 0}
	require.NoError(t, m.Step(60_000, sig, safety.Result{}))
	assert.Equal(t, Float, m.State)

	// The empty accumulator trailed the voltage estimate by more than
	// 10 points, so entering float blends 30% of the voltage SOC in.
	wantAh := 0.3 * coulomb.EstimatedSOCFromVoltage(14.0) / 100 * 50
	assert.InDelta(t, wantAh, counter.AccumulatedAh, 0.01)
}

func TestStepForcesErrorOnSafetyFaultRegardlessOfState(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Float

	require.NoError(t, m.Step(0, signal.Signals{BatteryVoltageV: 13.0}, safety.Result{OverVoltageFault: true}))
	assert.Equal(t, Error, m.State)
}

func TestStepForcesDutyZeroWhenSupervisorSays(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Bulk
	require.NoError(t, m.pwm.SetDuty(100))

	require.NoError(t, m.Step(0, signal.Signals{BatteryVoltageV: 12.0}, safety.Result{ForceDutyZero: true}))
	assert.Equal(t, 0, m.pwm.Duty())
}

func TestErrorStateLeavesOnSafeToLeaveErrorIntoAbsorption(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Error

	require.NoError(t, m.Step(0, signal.Signals{BatteryVoltageV: 13.0}, safety.Result{SafeToLeaveError: true}))
	assert.Equal(t, Absorption, m.State)
}

func TestFloatReentersBulkWhenSupervisorSignalsReentry(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Float

	require.NoError(t, m.Step(5000, signal.Signals{BatteryVoltageV: 12.4}, safety.Result{ReenterBulk: true}))
	assert.Equal(t, Bulk, m.State)
	assert.Equal(t, int64(5000), m.BulkStartMillis())
}

func TestAbsorptionReentersBulkWhenSupervisorSignalsReentry(t *testing.T) {
	m, _ := newMachineForTest(Default)
	defer i2cbus.ResetImpl()
	m.State = Absorption
	m.absorptionStartMillis = 1000

	require.NoError(t, m.Step(40_000, signal.Signals{BatteryVoltageV: 12.4}, safety.Result{ReenterBulk: true}))
	assert.Equal(t, Bulk, m.State)
	assert.Equal(t, int64(40_000), m.BulkStartMillis())
	assert.Equal(t, int64(0), m.AbsorptionStartMillis())
}

func TestLithiumAbsorptionNeverTransitionsToFloat(t *testing.T) {
	tun := Default
	lithiumTunables := func() Tunables {
		t := tun()
		t.IsLithium = true
		return t
	}
	m, _ := newMachineForTest(lithiumTunables)
	defer i2cbus.ResetImpl()
	m.State = Absorption
	m.absorptionStartMillis = 0

	sig := signal.Signals{BatteryVoltageV: 14.4, PanelCurrentMA: 10, LoadCurrentMA: 0}
	for i := 1; i <= 10; i++ {
		require.NoError(t, m.Step(int64(i)*600_000, sig, safety.Result{}))
		assert.Equal(t, Absorption, m.State)
	}
}
