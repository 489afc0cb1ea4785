package aio

import (
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// DefaultPinBase maps A0 to pin 10, as on the Arduino 101.
	DefaultPinBase = 10

	// DefaultReferenceVoltage is the full-scale voltage of a RawSample when
	// no reference is configured. It matches temperature.DefaultCalibration.
	DefaultReferenceVoltage = 3.3

	ads1115Inputs = 4
	// ±4.096V programmable gain: 32768 counts span 4.096V.
	ads1115FullScaleVolts = 4.096
	ads1115Counts         = 32768
)

type ADS1115Options struct {
	Bus        string
	Address    int
	SampleRate int
	PinBase    int

	// ReferenceVoltage is the voltage a RawSample of MaxRawSample stands for.
	ReferenceVoltage float64
}

// ADS1115 reads single-shot conversions from a TI ADS1115 over I²C. The
// 16-bit signed result is rescaled to a 12-bit RawSample against the
// configured reference voltage, so converters see the same counts a native
// 12-bit ADC at that reference would produce. Inputs above the reference
// clamp to MaxRawSample. Negative conversions are errors. Inputs below half
// an LSB read as 0, which temperature conversion treats as an invalid reading.
type ADS1115 struct {
	dev        *i2c.Dev
	bus        i2c.BusCloser
	sampleRate int
	pinBase    int
	refVolts   float64
}

func NewADS1115(opts ADS1115Options) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(opts.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	return NewADS1115OnBus(bus, opts), nil
}

// NewADS1115OnBus uses an already opened bus. The driver closes it on Close.
func NewADS1115OnBus(bus i2c.BusCloser, opts ADS1115Options) *ADS1115 {
	if opts.Address == 0 {
		opts.Address = 0x48
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 128
	}
	if opts.ReferenceVoltage <= 0 {
		opts.ReferenceVoltage = DefaultReferenceVoltage
	}
	return &ADS1115{
		dev:        &i2c.Dev{Addr: uint16(opts.Address), Bus: bus},
		bus:        bus,
		sampleRate: opts.SampleRate,
		pinBase:    opts.PinBase,
		refVolts:   opts.ReferenceVoltage,
	}
}

func (s *ADS1115) ConfigurePin(pin int) error {
	_, _, err := s.configForChannel(pin-s.pinBase, s.sampleRate)
	return err
}

func (s *ADS1115) ReadRaw(pin int) (RawSample, error) {
	msb, lsb, err := s.configForChannel(pin-s.pinBase, s.sampleRate)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	// wait for conversion
	delayMs := int(1000.0/float64(s.sampleRate)) + 2
	time.Sleep(time.Duration(delayMs) * time.Millisecond)
	readBuf := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	raw := int16(readBuf[0])<<8 | int16(readBuf[1])
	if raw < 0 {
		return 0, fmt.Errorf("negative conversion %d on channel %d", raw, pin-s.pinBase)
	}
	return s.rescale(raw), nil
}

func (s *ADS1115) rescale(raw int16) RawSample {
	volts := float64(raw) * ads1115FullScaleVolts / ads1115Counts
	v := math.Round(volts / s.refVolts * float64(MaxRawSample))
	if v > float64(MaxRawSample) {
		return MaxRawSample
	}
	return RawSample(v)
}

func (s *ADS1115) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *ADS1115) configForChannel(channel, sampleRate int) (byte, byte, error) {
	if channel < 0 || channel >= ads1115Inputs {
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// single-ended AINx vs GND: mux 100..111
	mux := byte(0x4 + channel)
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator disabled
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}
