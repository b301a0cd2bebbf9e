package pwmreg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolarHatProject/sc-hat-controller/internal/i2cbus"
)

func TestSetDutyClampsToValidRange(t *testing.T) {
	i2cbus.MockTxResponses(repeat(i2cbus.TxResponse{}, 10))
	defer i2cbus.ResetImpl()

	r := New("org.solarhat.i2c", 0x2A)

	require.NoError(t, r.SetDuty(-10))
	assert.Equal(t, 0, r.Duty())

	require.NoError(t, r.SetDuty(300))
	assert.Equal(t, 255, r.Duty())

	require.NoError(t, r.SetDuty(128))
	assert.Equal(t, 128, r.Duty())
}

func TestAdjustClampsAtBounds(t *testing.T) {
	i2cbus.MockTxResponses(repeat(i2cbus.TxResponse{}, 10))
	defer i2cbus.ResetImpl()

	r := New("org.solarhat.i2c", 0x2A)
	require.NoError(t, r.SetDuty(254))
	require.NoError(t, r.Adjust(10))
	assert.Equal(t, 255, r.Duty())

	require.NoError(t, r.SetDuty(1))
	require.NoError(t, r.Adjust(-10))
	assert.Equal(t, 0, r.Duty())
}

func TestSetDutyPropagatesBusErrors(t *testing.T) {
	i2cbus.MockTxResponses([]i2cbus.TxResponse{{Err: errors.New("bus timeout")}})
	defer i2cbus.ResetImpl()

	r := New("org.solarhat.i2c", 0x2A)
	err := r.SetDuty(100)
	assert.Error(t, err)
	// The duty field still records the requested (clamped) value even
	// though the hardware write failed, matching SetDuty's write-after-store order.
	assert.Equal(t, 100, r.Duty())
}

func repeat(resp i2cbus.TxResponse, n int) []i2cbus.TxResponse {
	out := make([]i2cbus.TxResponse, n)
	for i := range out {
		out[i] = resp
	}
	return out
}
