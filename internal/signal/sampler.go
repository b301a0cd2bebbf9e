// Package signal reads averaged current/voltage/temperature signals
// from the power-stage MCU, with per-sample validity filtering. Raw
// frames come over internal/i2cbus and carry a trailing CRC8.
package signal

import (
	"errors"
	"fmt"
	"math"

	"github.com/sigurn/crc8"
	"gonum.org/v1/gonum/stat"

	"github.com/SolarHatProject/sc-hat-controller/internal/i2cbus"
)

const (
	samplesPerAverage = 20
	sampleSpacingMax  = 5 // ms, upper bound on per-sample ADC spacing

	// Registers on the power-stage MCU (bench-debuggable via the
	// `registers` CLI subcommand; not otherwise part of the protocol).
	regPanelCurrent = 0x10
	regLoadCurrent  = 0x11
	regPanelVoltage = 0x12
	regBattVoltage  = 0x13
	regBattTempADC  = 0x14

	// Steinhart-Hart / NTC constants.
	thermistorBeta    = 3984.0
	thermistorR0      = 10000.0
	thermistorT0Kelvn = 298.15 // 25 degC

	panelRecheckEveryTicks = 60 // 60s at 1s cadence
)

var crcTable = crc8.MakeTable(crc8.Params{Poly: 0x31, Init: 0xFF, RefIn: false, RefOut: false, XorOut: 0x00})

// Signals is the read-only snapshot produced once per sample cycle.
type Signals struct {
	PanelCurrentMA       float64
	LoadCurrentMA        float64
	PanelVoltageV        float64
	BatteryVoltageV      float64
	BatteryTemperatureC  float64
	PanelSensorAvailable bool
}

// Sampler owns the panel-sensor-reachability state across ticks: the
// panel sensor is optional, and rechecked every 60 s when absent.
type Sampler struct {
	busName             string
	mcuAddress          byte
	maxAllowedCurrentMA func() float64

	panelSensorAvailable bool
	ticksSinceRecheck    int
}

// New constructs a Sampler. maxAllowedCurrentMA is a callback so the
// sampler always clips against the live tunable value.
func New(busName string, mcuAddress byte, maxAllowedCurrentMA func() float64) *Sampler {
	return &Sampler{
		busName:             busName,
		mcuAddress:          mcuAddress,
		maxAllowedCurrentMA: maxAllowedCurrentMA,
	}
}

// ProbeBatterySensor must succeed at boot or the controller refuses
// to start; the battery sensor is not optional.
func (s *Sampler) ProbeBatterySensor() error {
	if err := i2cbus.CheckAddress(s.busName, s.mcuAddress, 1000); err != nil {
		return fmt.Errorf("battery sensor unreachable at boot: %w", err)
	}
	return nil
}

// ProbePanelSensor is best-effort: failure just disables panel current
// reads until the next 60-tick recheck.
func (s *Sampler) ProbePanelSensor() {
	s.panelSensorAvailable = i2cbus.CheckAddress(s.busName, s.mcuAddress, 1000) == nil
}

// MaybeRecheckPanelSensor should be called once per tick; it restores
// panel sampling once every 60 ticks if the sensor was unavailable.
func (s *Sampler) MaybeRecheckPanelSensor() {
	if s.panelSensorAvailable {
		return
	}
	s.ticksSinceRecheck++
	if s.ticksSinceRecheck < panelRecheckEveryTicks {
		return
	}
	s.ticksSinceRecheck = 0
	s.ProbePanelSensor()
}

// Sample reads all signals for one tick.
func (s *Sampler) Sample() Signals {
	maxCurrent := s.maxAllowedCurrentMA()

	var panelMA float64
	if s.panelSensorAvailable {
		panelMA = s.readAverageCurrent(regPanelCurrent, maxCurrent)
	}
	loadMA := s.readAverageCurrent(regLoadCurrent, maxCurrent)
	panelV := sanitize(s.readVoltage(regPanelVoltage))
	battV := sanitize(s.readVoltage(regBattVoltage))
	tempC := sanitize(s.readTemperature())

	return Signals{
		PanelCurrentMA:       clipNonNegative(panelMA),
		LoadCurrentMA:        clipNonNegative(loadMA),
		PanelVoltageV:        panelV,
		BatteryVoltageV:      battV,
		BatteryTemperatureC:  tempC,
		PanelSensorAvailable: s.panelSensorAvailable,
	}
}

// readAverageCurrent takes 20 raw samples, each scaled by 10 for the
// 10 mOhm shunt convention, rejecting any sample outside
// [0, maxAllowedCurrentMA]; returns the mean of valid samples, or 0
// if none were valid.
func (s *Sampler) readAverageCurrent(register byte, maxAllowedCurrentMA float64) float64 {
	valid := make([]float64, 0, samplesPerAverage)
	for i := 0; i < samplesPerAverage; i++ {
		raw, err := s.readRawFrame(register, 2)
		if err != nil {
			continue
		}
		mA := float64(int16(uint16(raw[0])<<8|uint16(raw[1]))) * 10
		if mA < 0 || mA > maxAllowedCurrentMA {
			continue
		}
		valid = append(valid, mA)
	}
	if len(valid) == 0 {
		return 0
	}
	return stat.Mean(valid, nil)
}

func (s *Sampler) readVoltage(register byte) float64 {
	raw, err := s.readRawFrame(register, 2)
	if err != nil {
		return 0
	}
	raw16 := uint16(raw[0])<<8 | uint16(raw[1])
	return float64(raw16) / 1000.0
}

// readTemperature averages 20 ADC samples then converts via the
// Steinhart-Hart equation (beta form).
func (s *Sampler) readTemperature() float64 {
	valid := make([]float64, 0, samplesPerAverage)
	for i := 0; i < samplesPerAverage; i++ {
		raw, err := s.readRawFrame(regBattTempADC, 2)
		if err != nil {
			continue
		}
		adc := float64(uint16(raw[0])<<8 | uint16(raw[1]))
		valid = append(valid, adc)
	}
	if len(valid) == 0 {
		return 0
	}
	adcAvg := stat.Mean(valid, nil)
	return steinhartHart(adcAvg)
}

// steinhartHart converts a 12-bit ADC reading of a voltage divider
// against the NTC thermistor into degrees Celsius, using the beta
// parameterisation with beta=3984, R0=10k at 25 degC.
func steinhartHart(adcValue float64) float64 {
	const adcMax = 4095.0
	if adcValue <= 0 || adcValue >= adcMax {
		return 0
	}
	r := thermistorR0 * (adcMax/adcValue - 1)
	invT := 1/thermistorT0Kelvn + (1/thermistorBeta)*math.Log(r/thermistorR0)
	kelvin := 1 / invT
	return kelvin - 273.15
}

var errCRCMismatch = errors.New("signal: crc8 mismatch on sensor frame")

// readRawFrame reads length payload bytes plus a trailing CRC8 byte
// from register and validates it.
func (s *Sampler) readRawFrame(register byte, length int) ([]byte, error) {
	data, err := i2cbus.Tx(s.busName, s.mcuAddress, []byte{register}, length+1, 1000)
	if err != nil {
		return nil, err
	}
	if len(data) != length+1 {
		return nil, fmt.Errorf("signal: short frame from register 0x%x: got %d bytes", register, len(data))
	}
	payload := data[:length]
	got := crc8.Checksum(payload, crcTable)
	if got != data[length] {
		return nil, errCRCMismatch
	}
	return payload, nil
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clipNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
