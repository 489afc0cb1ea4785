package config

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalConfigJSON(t *testing.T) {
	js := `{
        "interval_ms": 500,
        "devices": [{ "device": 0, "type": "ads1115", "i2c_bus": "2", "i2c_address": 72 }],
        "outputs": [{"type":"console"}],
        "sensors": [
            {"name": "PinA", "device": 0, "pin": 10, "mode": "sync", "report": "temperature",
             "calibration": {"reference_voltage": 3.3, "full_scale": 4096, "offset_volts": 0.5, "scale": 100, "offset_celsius": 0.5}},
            {"name": "PinB", "device": 0, "pin": 11, "mode": "async", "report": "raw"}
        ],
        "gpio": [{"name": "Button", "pin": "GPIO4", "direction": "in", "edge": "any"}]
    }`

	var cfg Config
	if err := json.Unmarshal([]byte(js), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.IntervalMs != 500 {
		t.Fatalf("interval_ms: got %d", cfg.IntervalMs)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].I2CAddress != 72 || cfg.Devices[0].I2CBus != "2" {
		t.Fatalf("devices: %+v", cfg.Devices)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0].Type != "console" {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	if len(cfg.Sensors) != 2 {
		t.Fatalf("sensors len: %d", len(cfg.Sensors))
	}
	if s := cfg.Sensors[0]; s.Pin != 10 || s.Mode != ModeSync || s.Calibration == nil || s.Calibration.FullScale != 4096 {
		t.Fatalf("sensor0 incorrect: %+v", s)
	}
	if s := cfg.Sensors[1]; s.Pin != 11 || s.Mode != ModeAsync || s.Report != ReportRaw || s.Calibration != nil {
		t.Fatalf("sensor1 incorrect: %+v", s)
	}
	if len(cfg.GPIO) != 1 || cfg.GPIO[0].Name != "GPIO4" || cfg.GPIO[0].Label != "Button" || cfg.GPIO[0].Edge != "any" {
		t.Fatalf("gpio incorrect: %+v", cfg.GPIO)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
