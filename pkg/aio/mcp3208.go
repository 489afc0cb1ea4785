package aio

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const mcp3208Inputs = 8

type MCP3208Options struct {
	Port    string
	SpeedHz int64
	PinBase int
}

// MCP3208 reads the 8 single-ended inputs of a Microchip MCP3208, a native
// 12-bit SPI ADC.
type MCP3208 struct {
	conn    spi.Conn
	port    spi.PortCloser
	pinBase int
}

func NewMCP3208(opts MCP3208Options) (*MCP3208, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	port, err := spireg.Open(opts.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi: %w", err)
	}
	speed := physic.Frequency(opts.SpeedHz) * physic.Hertz
	if speed == 0 {
		speed = physic.MegaHertz
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connect spi: %w", err)
	}
	m := NewMCP3208OnConn(conn, opts.PinBase)
	m.port = port
	return m, nil
}

// NewMCP3208OnConn uses an already connected SPI conn.
func NewMCP3208OnConn(conn spi.Conn, pinBase int) *MCP3208 {
	return &MCP3208{conn: conn, pinBase: pinBase}
}

func (m *MCP3208) ConfigurePin(pin int) error {
	if ch := pin - m.pinBase; ch < 0 || ch >= mcp3208Inputs {
		return fmt.Errorf("invalid channel %d", ch)
	}
	return nil
}

func (m *MCP3208) ReadRaw(pin int) (RawSample, error) {
	ch := pin - m.pinBase
	if ch < 0 || ch >= mcp3208Inputs {
		return 0, fmt.Errorf("invalid channel %d", ch)
	}
	tx := mcp3208Request(ch)
	var rx [3]byte
	if err := m.conn.Tx(tx[:], rx[:]); err != nil {
		return 0, fmt.Errorf("spi tx: %w", err)
	}
	return RawSample(rx[1]&0x0F)<<8 | RawSample(rx[2]), nil
}

func (m *MCP3208) Close() error {
	if m.port != nil {
		return m.port.Close()
	}
	return nil
}

// mcp3208Request builds the start, single-ended and channel bits for a conversion.
func mcp3208Request(ch int) [3]byte {
	return [3]byte{0x06 | byte(ch>>2), byte(ch&0x3) << 6, 0}
}
