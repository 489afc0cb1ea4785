// Package temperature converts raw analog samples from linear analog
// temperature sensors (TMP36 and similar) into degrees Celsius.
package temperature

import (
	"errors"
	"fmt"

	"github.com/ericogr/aio-to-mqtt/pkg/aio"
	"periph.io/x/conn/v3/physic"
)

const (
	// FullScale is the largest 12-bit sample value and the default divisor.
	FullScale = float64(aio.MaxRawSample)

	// LegacyFullScale is the divisor used by the Arduino 101 TMP36 sample
	// code. It biases every reading low by a factor of 4095/4096; keep it only
	// when a sensor's calibration sheet was derived against it.
	LegacyFullScale = 4096.0
)

var (
	// ErrInvalidReading is returned for a raw sample of 0, which the hardware
	// uses to signal that no conversion was available.
	ErrInvalidReading = errors.New("temperature: invalid reading")
	ErrOutOfRange     = errors.New("temperature: raw sample out of range")
)

// Calibration describes the ADC reference and a linear sensor's transfer function:
//
//	volts   = raw / FullScale * ReferenceVoltage
//	celsius = (volts - OffsetVolts) * Scale + OffsetCelsius
type Calibration struct {
	ReferenceVoltage float64 `json:"reference_voltage" yaml:"reference_voltage"`
	FullScale        float64 `json:"full_scale" yaml:"full_scale"`
	OffsetVolts      float64 `json:"offset_volts" yaml:"offset_volts"`
	Scale            float64 `json:"scale" yaml:"scale"`
	OffsetCelsius    float64 `json:"offset_celsius" yaml:"offset_celsius"`
}

// DefaultCalibration matches a TMP36 on a 3.3V 12-bit ADC.
func DefaultCalibration() Calibration {
	return Calibration{
		ReferenceVoltage: 3.3,
		FullScale:        FullScale,
		OffsetVolts:      0.5,
		Scale:            100,
		OffsetCelsius:    0.5,
	}
}

// Reading is one converted sample.
type Reading struct {
	Raw     aio.RawSample
	Volts   float64
	Celsius float64
}

// Voltage returns the sensor output voltage.
func (r Reading) Voltage() physic.ElectricPotential {
	return physic.ElectricPotential(r.Volts * float64(physic.Volt))
}

// Converter is stateless; Convert always returns the same output for the same input.
type Converter struct {
	cal Calibration
}

func NewConverter(cal Calibration) (*Converter, error) {
	if cal.FullScale <= 0 {
		return nil, fmt.Errorf("temperature: full scale must be > 0, got %v", cal.FullScale)
	}
	if cal.ReferenceVoltage <= 0 {
		return nil, fmt.Errorf("temperature: reference voltage must be > 0, got %v", cal.ReferenceVoltage)
	}
	return &Converter{cal: cal}, nil
}

// Convert maps a raw sample to a temperature. Results are not clamped.
func (c *Converter) Convert(r aio.RawSample) (Reading, error) {
	if r == 0 {
		return Reading{}, ErrInvalidReading
	}
	if r > aio.MaxRawSample {
		return Reading{}, fmt.Errorf("%w: %d", ErrOutOfRange, r)
	}
	volts := float64(r) / c.cal.FullScale * c.cal.ReferenceVoltage
	celsius := (volts-c.cal.OffsetVolts)*c.cal.Scale + c.cal.OffsetCelsius
	return Reading{Raw: r, Volts: volts, Celsius: celsius}, nil
}
