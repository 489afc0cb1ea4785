package aio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the bridge firmware.
	DefaultBaudRate = 115200
	// DefaultSerialTimeout bounds a single request/response exchange.
	DefaultSerialTimeout = 2 * time.Second
)

type SerialOptions struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// SerialBridge talks to a microcontroller that owns the ADC. The line protocol is:
//
//	O <pin>  -> OK | E <reason>   bind a pin
//	A <pin>  -> <raw> | E <reason> one conversion
//
// Only one request is in flight at a time.
type SerialBridge struct {
	mu   sync.Mutex
	rw   io.ReadWriteCloser
	rd   *bufio.Reader
	name string
}

func NewSerialBridge(opts SerialOptions) (*SerialBridge, error) {
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultSerialTimeout
	}
	port, err := serial.Open(opts.Port, &serial.Mode{BaudRate: opts.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", opts.Port, err)
	}
	if err := port.SetReadTimeout(opts.Timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return NewSerialBridgeOn(port, opts.Port), nil
}

// NewSerialBridgeOn runs the protocol over an already opened stream.
func NewSerialBridgeOn(rw io.ReadWriteCloser, name string) *SerialBridge {
	return &SerialBridge{rw: rw, rd: bufio.NewReader(rw), name: name}
}

func (b *SerialBridge) ConfigurePin(pin int) error {
	reply, err := b.roundTrip(fmt.Sprintf("O %d\n", pin))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%s: unexpected reply %q", b.name, reply)
	}
	return nil
}

func (b *SerialBridge) ReadRaw(pin int) (RawSample, error) {
	reply, err := b.roundTrip(fmt.Sprintf("A %d\n", pin))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(reply, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: parse sample %q: %w", b.name, reply, err)
	}
	if RawSample(v) > MaxRawSample {
		return 0, fmt.Errorf("%s: sample %d out of range", b.name, v)
	}
	return RawSample(v), nil
}

func (b *SerialBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rw.Close()
}

func (b *SerialBridge) roundTrip(cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := io.WriteString(b.rw, cmd); err != nil {
		return "", fmt.Errorf("%s: write: %w", b.name, err)
	}
	for {
		line, err := b.rd.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("%s: read: %w", b.name, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if reason, ok := strings.CutPrefix(line, "E "); ok {
			return "", fmt.Errorf("%s: %s", b.name, reason)
		}
		return line, nil
	}
}
