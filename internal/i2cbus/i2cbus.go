// Package i2cbus is a transaction proxy to the power-stage MCU: a
// Tx() entrypoint that in production goes out over the system D-Bus
// to a serializing service (see service.go), with a swappable TxImpl
// for tests.
package i2cbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultTimeoutMillis is used by callers that don't care about a
// specific per-transaction timeout.
const DefaultTimeoutMillis = 3000

// TxResponse is a canned response used by MockTxResponses in tests.
type TxResponse struct {
	Response []byte
	Err      error
}

var (
	mockedResponses []TxResponse
	mockMutex       sync.Mutex
)

// MockTxResponses replaces TxImpl with a queue of canned responses,
// consumed in order, panicking if the queue is exhausted.
func MockTxResponses(responses []TxResponse) {
	mockMutex.Lock()
	mockedResponses = append([]TxResponse(nil), responses...)
	mockMutex.Unlock()

	TxImpl = func(busName string, address byte, write []byte, readLen, timeoutMillis int) ([]byte, error) {
		mockMutex.Lock()
		defer mockMutex.Unlock()
		if len(mockedResponses) == 0 {
			panic("no more mocked i2cbus responses left")
		}
		response := mockedResponses[0]
		mockedResponses = mockedResponses[1:]
		return response.Response, response.Err
	}
}

// ResetImpl restores the real D-Bus implementation, used to clean up
// after a test that called MockTxResponses.
func ResetImpl() {
	TxImpl = realTx
}

// TxFunc is the function signature for an I2C transaction.
type TxFunc func(busName string, address byte, write []byte, readLen, timeoutMillis int) ([]byte, error)

// TxImpl points to the active implementation; tests override it.
var TxImpl TxFunc = realTx

// Tx performs an I2C transaction against busName (the D-Bus well-known
// name of the serializing i2cbus service, see service.go).
func Tx(busName string, address byte, write []byte, readLen, timeoutMillis int) ([]byte, error) {
	return TxImpl(busName, address, write, readLen, timeoutMillis)
}

func realTx(busName string, address byte, write []byte, readLen, timeoutMillis int) ([]byte, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}

	maxWait := 10 * time.Second
	start := time.Now()
	for {
		obj := conn.Object(busName, dbus.ObjectPath("/"+pathFromName(busName)))
		call := obj.Call(busName+".Tx", 0, address, write, readLen, timeoutMillis)
		if call.Err == nil {
			var response []byte
			if err := call.Store(&response); err != nil {
				return nil, err
			}
			return response, nil
		}
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.ServiceUnknown" {
			if time.Since(start) > maxWait {
				return nil, errors.New("i2cbus: dbus service not available within timeout")
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return nil, call.Err
	}
}

func pathFromName(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r == '.' {
			out = append(out, '/')
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// CheckAddress verifies the MCU at address responds at all; used at
// boot to decide whether the panel sensor is available.
func CheckAddress(busName string, address byte, timeoutMillis int) error {
	_, err := Tx(busName, address, []byte{0x00}, 1, timeoutMillis)
	return err
}

// TxWithCRC appends a CRC16 to the write payload and validates the
// trailing CRC16 on any read response.
func TxWithCRC(busName string, address byte, write []byte, readLen, timeoutMillis int) ([]byte, error) {
	crc := CalculateCRC16(write)
	framed := append(append([]byte{}, write...), byte(crc>>8), byte(crc&0xFF))

	wantLen := readLen
	if wantLen != 0 {
		wantLen += 2
	}
	response, err := Tx(busName, address, framed, wantLen, timeoutMillis)
	if err != nil {
		return nil, err
	}
	if wantLen == 0 {
		return []byte{}, nil
	}
	payload := response[:len(response)-2]
	want := uint16(response[len(response)-2])<<8 | uint16(response[len(response)-1])
	got := CalculateCRC16(payload)
	if got != want {
		return nil, fmt.Errorf("i2cbus: crc mismatch: frame has 0x%X, calculated 0x%X", want, got)
	}
	return payload, nil
}

// CalculateCRC16 is the CRC-16 (polynomial 0x1021, initial value
// 0x1D0F, no reflection, no final XOR) the power-stage MCU firmware
// expects on framed register transactions.
func CalculateCRC16(data []byte) uint16 {
	var crc uint16 = 0x1D0F
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
