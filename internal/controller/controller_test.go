package controller

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sigurn/crc8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolarHatProject/sc-hat-controller/internal/chargestate"
	"github.com/SolarHatProject/sc-hat-controller/internal/events"
	"github.com/SolarHatProject/sc-hat-controller/internal/i2cbus"
	"github.com/SolarHatProject/sc-hat-controller/internal/persist"
)

// sensorCRCTable mirrors internal/signal's unexported frame checksum
// parameters, needed here to synthesize MCU responses the sampler will
// accept as valid.
var sensorCRCTable = crc8.MakeTable(crc8.Params{Poly: 0x31, Init: 0xFF, RefIn: false, RefOut: false, XorOut: 0x00})

func validSensorFrame() []byte {
	payload := []byte{0x00, 0x00}
	return append(append([]byte{}, payload...), crc8.Checksum(payload, sensorCRCTable))
}

func fillMockResponses(n int) {
	frame := validSensorFrame()
	responses := make([]i2cbus.TxResponse, n)
	for i := range responses {
		responses[i] = i2cbus.TxResponse{Response: frame}
	}
	i2cbus.MockTxResponses(responses)
}

func newTestController(t *testing.T) *Controller {
	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	bolt, err := persist.OpenBolt(filepath.Join(dir, "store.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	fallback := persist.NewFallbackFile(filepath.Join(dir, "tunables.json"))
	store := persist.NewTunableStore(bolt, fallback)

	evts := events.Connect(log, "org.solarhat.events.test")

	fillMockResponses(400)
	t.Cleanup(i2cbus.ResetImpl)

	ctrl, err := New(log, Config{BusName: "org.solarhat.i2c", PowerMCUAddress: 0x2A}, store, evts, chargestate.Default())
	require.NoError(t, err)
	return ctrl
}

func TestBootSelectsAChargeStateAndMarksConnected(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, ctrl.Boot())

	snap := ctrl.Snapshot()
	assert.True(t, snap.Connected)
	assert.NotEmpty(t, snap.ChargeState)
}

func TestTickAdvancesWithoutError(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, ctrl.Boot())

	before := ctrl.Snapshot()
	ctrl.Tick(time.Now())
	after := ctrl.Snapshot()

	assert.GreaterOrEqual(t, after.CurrentPWM, 0)
	assert.LessOrEqual(t, after.CurrentPWM, 255)
	assert.GreaterOrEqual(t, after.Uptime, before.Uptime)
}

func TestSetTunableValidatesCrossFieldInvariant(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, ctrl.Boot())

	err := ctrl.SetTunable("FLOAT_VOLTAGE", 14.9) // above bulk/absorption defaults
	assert.Error(t, err)
}

func TestSetTunablePersistsAcceptedValue(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, ctrl.Boot())

	require.NoError(t, ctrl.SetTunable("BATTERY_CAPACITY", 120))
	assert.Equal(t, 120.0, ctrl.Snapshot().BatteryCapacity)
	assert.Equal(t, 120.0, ctrl.store.LoadTunables(persist.TunableSnapshot{}).BatteryCapacityAh)
}

func TestToggleLoadThenCancel(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, ctrl.Boot())

	require.NoError(t, ctrl.ToggleLoad(60))
	assert.True(t, ctrl.Snapshot().TemporaryLoadOff)

	require.NoError(t, ctrl.CancelTempOff())
	assert.False(t, ctrl.Snapshot().TemporaryLoadOff)
}

func TestVersionIsNonEmpty(t *testing.T) {
	ctrl := newTestController(t)
	assert.NotEmpty(t, ctrl.Version())
}
