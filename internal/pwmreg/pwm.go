// Package pwmreg drives the switching stage: a clamped 0-255 duty
// register, written inverted to the gate-driver channel on the
// power-stage MCU.
package pwmreg

import (
	"github.com/SolarHatProject/sc-hat-controller/internal/i2cbus"
)

const regPWMDuty = 0x20

// Regulator owns the current duty value and its hardware channel.
type Regulator struct {
	busName    string
	mcuAddress byte
	duty       int
}

// New constructs a Regulator starting at duty 0.
func New(busName string, mcuAddress byte) *Regulator {
	return &Regulator{busName: busName, mcuAddress: mcuAddress}
}

// Duty returns the current (non-inverted) duty value, in [0, 255].
func (r *Regulator) Duty() int {
	return r.duty
}

// SetDuty clamps x to [0, 255], stores it, and writes 255-x to the
// hardware channel (the driver is gate-inverted).
func (r *Regulator) SetDuty(x int) error {
	r.duty = clamp(x)
	return r.write(r.duty)
}

// Adjust applies a relative step and re-clamps. Each per-state duty
// law makes at most one Adjust call per tick.
func (r *Regulator) Adjust(delta int) error {
	return r.SetDuty(r.duty + delta)
}

func (r *Regulator) write(duty int) error {
	inverted := byte(255 - duty)
	_, err := i2cbus.TxWithCRC(r.busName, r.mcuAddress, []byte{regPWMDuty, inverted}, 0, 1000)
	return err
}

func clamp(x int) int {
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return x
}
