package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ericogr/aio-to-mqtt/pkg/aio"
	"github.com/ericogr/aio-to-mqtt/pkg/digital"
	"github.com/ericogr/aio-to-mqtt/pkg/temperature"
	"gopkg.in/yaml.v3"
)

const (
	DeviceADS1115    = "ads1115"
	DeviceMCP3208    = "mcp3208"
	DeviceSerial     = "serial"
	DeviceSimulation = "simulation"

	ModeSync  = "sync"
	ModeAsync = "async"

	ReportTemperature = "temperature"
	ReportRaw         = "raw"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"
)

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	Discovery         bool   `json:"discovery" yaml:"discovery"`
	DiscoveryPrefix   string `json:"discovery_prefix,omitempty" yaml:"discovery_prefix,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty" yaml:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty" yaml:"discovery_unique_id,omitempty"`
}

type OutputConfig struct {
	Type string      `json:"type" yaml:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

// DeviceConfig selects the ADC driver behind one device index.
type DeviceConfig struct {
	Index int    `json:"device" yaml:"device"`
	Type  string `json:"type" yaml:"type"`
	// PinBase is the pin number of the first ADC input. Defaults to aio.DefaultPinBase.
	PinBase *int `json:"pin_base,omitempty" yaml:"pin_base,omitempty"`

	I2CBus     string `json:"i2c_bus,omitempty" yaml:"i2c_bus,omitempty"`
	I2CAddress int    `json:"i2c_address,omitempty" yaml:"i2c_address,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`

	// ReferenceVoltage is the voltage an ADS1115 maps to a full-scale 12-bit
	// sample. Defaults to aio.DefaultReferenceVoltage.
	ReferenceVoltage float64 `json:"reference_voltage,omitempty" yaml:"reference_voltage,omitempty"`

	SPIPort    string `json:"spi_port,omitempty" yaml:"spi_port,omitempty"`
	SPISpeedHz int64  `json:"spi_speed_hz,omitempty" yaml:"spi_speed_hz,omitempty"`

	SerialPort string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	Script map[int][]aio.RawSample `json:"script,omitempty" yaml:"script,omitempty"`
	Seed   int64                   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

func (d DeviceConfig) PinBaseOrDefault() int {
	if d.PinBase == nil {
		return aio.DefaultPinBase
	}
	return *d.PinBase
}

// SensorConfig binds one analog channel and says how to report it.
type SensorConfig struct {
	Name   string `json:"name" yaml:"name"`
	Device int    `json:"device" yaml:"device"`
	Pin    int    `json:"pin" yaml:"pin"`
	Mode   string `json:"mode" yaml:"mode"`
	Report string `json:"report" yaml:"report"`
	// Calibration for temperature reports. Zero reference voltage or full
	// scale fall back to temperature.DefaultCalibration.
	Calibration *temperature.Calibration `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	// OnChange publishes a sample only when it differs from the previous one.
	OnChange bool `json:"on_change,omitempty" yaml:"on_change,omitempty"`
}

func (s SensorConfig) Channel() aio.Channel { return aio.Channel{Device: s.Device, Pin: s.Pin} }

func (s SensorConfig) CalibrationOrDefault() temperature.Calibration {
	def := temperature.DefaultCalibration()
	if s.Calibration == nil {
		return def
	}
	cal := *s.Calibration
	if cal.ReferenceVoltage == 0 {
		cal.ReferenceVoltage = def.ReferenceVoltage
	}
	if cal.FullScale == 0 {
		cal.FullScale = def.FullScale
	}
	return cal
}

type Config struct {
	IntervalMs int               `json:"interval_ms" yaml:"interval_ms"`
	Devices    []DeviceConfig    `json:"devices" yaml:"devices"`
	Sensors    []SensorConfig    `json:"sensors" yaml:"sensors"`
	GPIO       []digital.PinSpec `json:"gpio" yaml:"gpio"`
	Outputs    []OutputConfig    `json:"outputs" yaml:"outputs"`
}

// DefaultConfig reproduces the Arduino 101 sample: a TMP36 on A0 read
// synchronously, a raw input on A1 read asynchronously, and a button on IO4.
func DefaultConfig() Config {
	return Config{
		IntervalMs: 1000,
		Devices: []DeviceConfig{
			{Index: 0, Type: DeviceADS1115, I2CAddress: 0x48, SampleRate: 128},
		},
		Sensors: []SensorConfig{
			{Name: "PinA", Device: 0, Pin: 10, Mode: ModeSync, Report: ReportTemperature},
			{Name: "PinB", Device: 0, Pin: 11, Mode: ModeAsync, Report: ReportRaw},
		},
		GPIO: []digital.PinSpec{
			{Label: "Button", Name: "GPIO4", Direction: digital.In, Edge: digital.EdgeAny},
		},
		Outputs: []OutputConfig{{Type: OutputConsole}},
	}
}

// LoadFromFlags loads configuration from a JSON or YAML file (optional) and
// command-line flags. Flags override values present in the file.
func LoadFromFlags() (Config, error) {
	return LoadFromArgs(os.Args[1:])
}

type inputSpecs []digital.PinSpec

func (s *inputSpecs) String() string { return fmt.Sprintf("%d pin(s)", len(*s)) }

func (s *inputSpecs) Set(v string) error {
	spec, err := digital.ParsePinSpec(v)
	if err != nil {
		return err
	}
	*s = append(*s, spec)
	return nil
}

func LoadFromArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet("aio-to-mqtt", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagInterval := fs.Int("interval-ms", -1, "Sampling interval in ms")
	flagDeviceType := fs.String("device-type", "", "override every device type: ads1115|mcp3208|serial|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '2' -> /dev/i2c-2)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagSerialPort := fs.String("serial-port", "", "serial port of the ADC bridge")
	flagFullScale := fs.Float64("full-scale", math.NaN(), "ADC full-scale divisor for every temperature sensor (4095, or 4096 for legacy calibration)")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic, %s is replaced by the sensor name")
	flagDiscovery := fs.Bool("mqtt-discovery", false, "publish Home Assistant discovery messages")
	var inputs inputSpecs
	fs.Var(&inputs, "input", `GPIO pin spec, repeatable (e.g. 'name=Button pin=GPIO4 direction=in edge=any')`)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = loadFile(*cfgPath, b); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if *flagDeviceType != "" {
			d.Type = *flagDeviceType
		}
		if *flagI2CBus != "" {
			d.I2CBus = *flagI2CBus
		}
		if *flagI2CAddStr != "" {
			v, err := parseIntOrHex(*flagI2CAddStr)
			if err != nil {
				return cfg, fmt.Errorf("i2c-address: %w", err)
			}
			d.I2CAddress = v
		}
		if *flagSerialPort != "" {
			d.SerialPort = *flagSerialPort
		}
	}
	if !math.IsNaN(*flagFullScale) {
		for i := range cfg.Sensors {
			cal := cfg.Sensors[i].CalibrationOrDefault()
			cal.FullScale = *flagFullScale
			cfg.Sensors[i].Calibration = &cal
		}
	}
	if len(inputs) > 0 {
		cfg.GPIO = inputs
	}
	if *flagOutputs != "" {
		// convert simple CSV of types into structured OutputConfig entries
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p)})
		}
		cfg.Outputs = outs
	}
	// map mqtt flags into every mqtt output (create one if missing)
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" || *flagDiscovery {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == OutputMQTT {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				applyMQTTFlags(cfg.Outputs[i].MQTT, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopic, *flagDiscovery)
				applied = true
			}
		}
		if !applied {
			mqttOut := OutputConfig{Type: OutputMQTT, MQTT: &MQTTConfig{}}
			applyMQTTFlags(mqttOut.MQTT, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopic, *flagDiscovery)
			cfg.Outputs = append(cfg.Outputs, mqttOut)
		}
	}

	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyMQTTFlags(m *MQTTConfig, server, user, pass, clientID, topic string, discovery bool) {
	if server != "" {
		m.Server = server
	}
	if user != "" {
		m.Username = user
	}
	if pass != "" {
		m.Password = pass
	}
	if clientID != "" {
		m.ClientID = clientID
	}
	if topic != "" {
		m.StateTopic = topic
	}
	if discovery {
		m.Discovery = true
	}
}

// loadFile decodes a config file over the defaults. Lists present in the file
// replace the default lists entirely.
func loadFile(path string, b []byte) (Config, error) {
	def := DefaultConfig()
	cfg := def
	cfg.Devices, cfg.Sensors, cfg.GPIO, cfg.Outputs = nil, nil, nil, nil

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return def, err
	}
	if cfg.Devices == nil {
		cfg.Devices = def.Devices
	}
	if cfg.Sensors == nil {
		cfg.Sensors = def.Sensors
	}
	if cfg.GPIO == nil {
		cfg.GPIO = def.GPIO
	}
	if cfg.Outputs == nil {
		cfg.Outputs = def.Outputs
	}
	return cfg, nil
}

// ensureDefaults fills fields left empty by a config file.
func (c *Config) ensureDefaults() {
	if c.IntervalMs == 0 {
		c.IntervalMs = DefaultConfig().IntervalMs
	}
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.Mode == "" {
			s.Mode = ModeSync
		}
		if s.Report == "" {
			s.Report = ReportTemperature
		}
	}
	for i := range c.Devices {
		if c.Devices[i].Type == "" {
			c.Devices[i].Type = DeviceADS1115
		}
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []OutputConfig{{Type: OutputConsole}}
	}
}

func (c *Config) Validate() error {
	if c.IntervalMs <= 0 {
		return errors.New("interval-ms must be > 0")
	}
	devices := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if devices[d.Index] {
			return fmt.Errorf("device %d configured twice", d.Index)
		}
		devices[d.Index] = true
		switch d.Type {
		case DeviceADS1115, DeviceMCP3208, DeviceSimulation:
		case DeviceSerial:
			if d.SerialPort == "" {
				return fmt.Errorf("device %d: serial_port is required", d.Index)
			}
		default:
			return fmt.Errorf("device %d: unknown type %q", d.Index, d.Type)
		}
	}
	names := make(map[string]bool)
	for _, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("sensor on channel %s has no name", s.Channel())
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate name %q", s.Name)
		}
		names[s.Name] = true
		if !devices[s.Device] {
			return fmt.Errorf("sensor %s: unknown device %d", s.Name, s.Device)
		}
		if s.Mode != ModeSync && s.Mode != ModeAsync {
			return fmt.Errorf("sensor %s: invalid mode %q", s.Name, s.Mode)
		}
		if s.Report != ReportTemperature && s.Report != ReportRaw {
			return fmt.Errorf("sensor %s: invalid report %q", s.Name, s.Report)
		}
		if s.Report == ReportTemperature {
			if _, err := temperature.NewConverter(s.CalibrationOrDefault()); err != nil {
				return fmt.Errorf("sensor %s: %w", s.Name, err)
			}
		}
	}
	for _, p := range c.GPIO {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("gpio %s: %w", p.Name, err)
		}
		label := p.Label
		if label == "" {
			label = p.Name
		}
		if names[label] {
			return fmt.Errorf("duplicate name %q", label)
		}
		names[label] = true
	}
	for _, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case OutputConsole, OutputMQTT:
		default:
			return fmt.Errorf("unknown output %q", o.Type)
		}
	}
	return nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
