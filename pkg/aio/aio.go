// Package aio binds analog input channels and reads raw 12-bit samples from them.
package aio

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// MaxRawSample is the largest value a 12-bit conversion can produce.
const MaxRawSample RawSample = 4095

// RawSample is an unprocessed 12-bit conversion result in [0, MaxRawSample].
type RawSample uint16

// Channel identifies a physical analog input by device index and pin index.
type Channel struct {
	Device int `json:"device" yaml:"device"`
	Pin    int `json:"pin" yaml:"pin"`
}

func (c Channel) String() string { return fmt.Sprintf("%d/%d", c.Device, c.Pin) }

// Driver is the hardware layer behind a device index.
type Driver interface {
	// ConfigurePin prepares pin for analog input or rejects it.
	ConfigurePin(pin int) error
	// ReadRaw performs one blocking conversion on pin.
	ReadRaw(pin int) (RawSample, error)
	Close() error
}

var (
	ErrConfiguration = errors.New("aio: configuration error")
	ErrClosed        = errors.New("aio: source closed")
)

// ConfigurationError reports a channel that cannot be bound.
type ConfigurationError struct {
	Channel Channel
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("aio: channel %s: %s", e.Channel, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Board owns a set of drivers and the channels bound on them.
type Board struct {
	mu      sync.Mutex
	drivers map[int]Driver
	bound   map[Channel]*Source
}

func NewBoard() *Board {
	return &Board{drivers: make(map[int]Driver), bound: make(map[Channel]*Source)}
}

// Attach registers d as the driver for the given device index.
func (b *Board) Attach(device int, d Driver) error {
	if d == nil {
		return fmt.Errorf("aio: nil driver for device %d", device)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.drivers[device]; ok {
		return fmt.Errorf("aio: device %d already attached", device)
	}
	b.drivers[device] = d
	return nil
}

// Open binds ch and returns a Source that owns it. A channel can be bound once.
func (b *Board) Open(ch Channel, opts ...SourceOption) (*Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.drivers[ch.Device]
	if !ok {
		return nil, &ConfigurationError{Channel: ch, Reason: "no driver attached for device"}
	}
	if _, busy := b.bound[ch]; busy {
		return nil, &ConfigurationError{Channel: ch, Reason: "already bound"}
	}
	if err := d.ConfigurePin(ch.Pin); err != nil {
		return nil, &ConfigurationError{Channel: ch, Reason: "invalid pin", Err: err}
	}
	s := newSource(ch, d, b.release, opts...)
	b.bound[ch] = s
	return s, nil
}

func (b *Board) release(ch Channel) {
	b.mu.Lock()
	delete(b.bound, ch)
	b.mu.Unlock()
}

// Close closes every bound source and then every driver.
func (b *Board) Close() error {
	b.mu.Lock()
	sources := make([]*Source, 0, len(b.bound))
	for _, s := range b.bound {
		sources = append(sources, s)
	}
	b.mu.Unlock()

	var err error
	for _, s := range sources {
		err = multierr.Append(err, s.Close())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for dev, d := range b.drivers {
		if cerr := d.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close device %d: %w", dev, cerr))
		}
		delete(b.drivers, dev)
	}
	return err
}
