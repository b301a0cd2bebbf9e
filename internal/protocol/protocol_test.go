package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccessor struct {
	snapshot       Snapshot
	floats         map[string]float64
	bools          map[string]bool
	toggleSeconds  int
	cancelCalled   bool
	rejectParam    string
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		snapshot: Snapshot{ChargeState: "BULK_CHARGE", Uptime: 42},
		floats:   map[string]float64{},
		bools:    map[string]bool{},
	}
}

func (f *fakeAccessor) Snapshot() Snapshot { return f.snapshot }

func (f *fakeAccessor) SetTunable(param string, value float64) error {
	if param == f.rejectParam {
		return fmt.Errorf("rejected")
	}
	f.floats[param] = value
	return nil
}

func (f *fakeAccessor) SetBoolTunable(param string, value bool) error {
	f.bools[param] = value
	return nil
}

func (f *fakeAccessor) ToggleLoad(seconds int) error {
	f.toggleSeconds = seconds
	return nil
}

func (f *fakeAccessor) CancelTempOff() error {
	f.cancelCalled = true
	return nil
}

func (f *fakeAccessor) Version() string { return "test-version" }

func TestDispatchGetData(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:GET_DATA", acc)
	require.True(t, strings.HasPrefix(resp, "DATA:"))

	var got Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(resp, "DATA:")), &got))
	assert.Equal(t, "BULK_CHARGE", got.ChargeState)
}

func TestDispatchGetVersion(t *testing.T) {
	acc := newFakeAccessor()
	assert.Equal(t, "OK:test-version", Dispatch("CMD:GET_VERSION", acc))
}

func TestDispatchSetFloatParam(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:SET_BULK_VOLTAGE:14.2", acc)
	assert.Equal(t, "OK:BULK_VOLTAGE set", resp)
	assert.InDelta(t, 14.2, acc.floats["BULK_VOLTAGE"], 0.001)
}

func TestDispatchSetFloatParamOutOfRangeRejectedBeforeReachingAccessor(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:SET_BULK_VOLTAGE:99", acc)
	assert.True(t, strings.HasPrefix(resp, "ERROR:"))
	_, touched := acc.floats["BULK_VOLTAGE"]
	assert.False(t, touched)
}

func TestDispatchSetBoolParam(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:SET_IS_LITHIUM:true", acc)
	assert.Equal(t, "OK:IS_LITHIUM set", resp)
	assert.True(t, acc.bools["IS_LITHIUM"])
}

func TestDispatchSetUnknownParam(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:SET_NOT_A_PARAM:1", acc)
	assert.True(t, strings.HasPrefix(resp, "ERROR:"))
}

func TestDispatchToggleLoadClampsToMax(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:TOGGLE_LOAD:999999", acc)
	assert.Contains(t, resp, fmt.Sprintf("%d", MaxLoadOffSeconds))
	assert.Equal(t, MaxLoadOffSeconds, acc.toggleSeconds)
}

func TestDispatchToggleLoadClampsToMinimum(t *testing.T) {
	acc := newFakeAccessor()
	Dispatch("CMD:TOGGLE_LOAD:-5", acc)
	assert.Equal(t, 1, acc.toggleSeconds)
}

func TestDispatchCancelTempOff(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:CANCEL_TEMP_OFF", acc)
	assert.Equal(t, "OK:temporary load-off cancelled", resp)
	assert.True(t, acc.cancelCalled)
}

func TestDispatchUnrecognizedCommand(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:NOT_A_REAL_COMMAND", acc)
	assert.Equal(t, "ERROR:unrecognized command", resp)
}

func TestDispatchNeverMutatesStateOnMalformedSet(t *testing.T) {
	acc := newFakeAccessor()
	resp := Dispatch("CMD:SET_MALFORMED", acc)
	assert.True(t, strings.HasPrefix(resp, "ERROR:"))
	assert.Empty(t, acc.floats)
	assert.Empty(t, acc.bools)
}
