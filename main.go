package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ericogr/aio-to-mqtt/pkg/aio"
	"github.com/ericogr/aio-to-mqtt/pkg/config"
	"github.com/ericogr/aio-to-mqtt/pkg/digital"
	"github.com/ericogr/aio-to-mqtt/pkg/output"
	"github.com/ericogr/aio-to-mqtt/pkg/output/console"
	"github.com/ericogr/aio-to-mqtt/pkg/output/mqtt"
	"github.com/ericogr/aio-to-mqtt/pkg/poller"
	"github.com/ericogr/aio-to-mqtt/pkg/schedule"
	"github.com/ericogr/aio-to-mqtt/pkg/temperature"
	"go.uber.org/multierr"
)

func main() {
	fmt.Println("starting...")

	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatal(err)
	}

	outs, err := initOutputs(cfg)
	if err != nil {
		log.Fatal(err)
	}

	a, err := newApp(cfg, outs)
	if err != nil {
		closeOutputs(outs)
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// app wires the configured sources, pins and outputs onto one event loop.
type app struct {
	cfg     config.Config
	board   *aio.Board
	loop    *schedule.Loop
	opener  *digital.Opener
	sensors []*poller.Sensor
	outputs []output.Output
	report  poller.Reporter

	mu      sync.Mutex
	pins    []*digital.Pin
	pending []*digital.Promise
}

// bindGrace bounds how long shutdown waits for pins still being bound.
const bindGrace = 500 * time.Millisecond

func newApp(cfg config.Config, outs []output.Output) (*app, error) {
	a := &app{
		cfg:     cfg,
		loop:    schedule.New(),
		outputs: outs,
		report:  poller.Broadcast(outs),
	}
	a.opener = digital.NewOpener(a.loop)

	board, err := buildBoard(cfg.Devices)
	if err != nil {
		return nil, err
	}
	a.board = board

	for _, sc := range cfg.Sensors {
		s, err := a.buildSensor(sc)
		if err != nil {
			_ = board.Close()
			return nil, err
		}
		a.sensors = append(a.sensors, s)
	}
	return a, nil
}

func (a *app) buildSensor(sc config.SensorConfig) (*poller.Sensor, error) {
	src, err := a.board.Open(sc.Channel(), aio.WithDispatcher(a.loop))
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", sc.Name, err)
	}
	s := poller.Sensor{
		Name:        sc.Name,
		Source:      src,
		Mode:        poller.Mode(sc.Mode),
		Kind:        reportKind(sc.Report),
		Report:      a.report,
		ChangesOnly: sc.OnChange,
	}
	if s.Kind == output.KindTemperature {
		if s.Converter, err = temperature.NewConverter(sc.CalibrationOrDefault()); err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sc.Name, err)
		}
	}
	return poller.New(s)
}

// start registers the sampling ticks and begins binding digital pins.
func (a *app) start() {
	period := time.Duration(a.cfg.IntervalMs) * time.Millisecond
	for _, s := range a.sensors {
		a.loop.Every(period, s.Tick)
	}
	for _, spec := range a.cfg.GPIO {
		p := a.opener.Open(spec).Then(a.bound, func(err error) {
			log.Printf("gpio: %v", err)
		})
		a.mu.Lock()
		a.pending = append(a.pending, p)
		a.mu.Unlock()
	}
}

func (a *app) bound(p *digital.Pin) {
	spec := p.Spec()
	log.Printf("gpio %s bound to %s (direction=%s edge=%s)", spec.Label, spec.Name, spec.Direction, spec.Edge)
	if spec.Direction == digital.In && spec.Edge != digital.EdgeNone {
		p.OnChange(func(ev digital.Event) {
			a.report(output.Report{Name: ev.Pin, Kind: output.KindEdge, Value: ev.Value, Timestamp: ev.Time})
		})
	}

	a.mu.Lock()
	a.pins = append(a.pins, p)
	a.mu.Unlock()
}

func (a *app) boundPins() []*digital.Pin {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*digital.Pin(nil), a.pins...)
}

// run samples until ctx is done and then releases every resource.
func (a *app) run(ctx context.Context) error {
	a.start()
	_ = a.loop.Run(ctx)
	return a.close()
}

func (a *app) close() error {
	var err error
	for _, p := range a.boundPins() {
		err = multierr.Append(err, p.Close())
	}
	err = multierr.Append(err, a.closePending())
	err = multierr.Append(err, a.board.Close())
	for _, o := range a.outputs {
		err = multierr.Append(err, o.Close())
	}
	return err
}

// closePending releases pins whose bind settled after the loop stopped, so
// their bound handler never ran. Closing an already bound pin is a no-op.
func (a *app) closePending() error {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bindGrace)
	defer cancel()
	var err error
	for _, p := range pending {
		pin, werr := p.Wait(ctx)
		if werr != nil {
			if ctx.Err() != nil {
				log.Printf("gpio: gave up waiting for pending bind: %v", werr)
			}
			continue
		}
		err = multierr.Append(err, pin.Close())
	}
	return err
}

func buildBoard(devices []config.DeviceConfig) (*aio.Board, error) {
	board := aio.NewBoard()
	for _, d := range devices {
		drv, err := buildDriver(d)
		if err != nil {
			_ = board.Close()
			return nil, fmt.Errorf("device %d: %w", d.Index, err)
		}
		if err := board.Attach(d.Index, drv); err != nil {
			_ = drv.Close()
			_ = board.Close()
			return nil, err
		}
	}
	return board, nil
}

func buildDriver(d config.DeviceConfig) (aio.Driver, error) {
	switch d.Type {
	case config.DeviceADS1115:
		bus := d.I2CBus
		if bus == "" {
			bus = "2"
		}
		return aio.NewADS1115(aio.ADS1115Options{
			Bus:              bus,
			Address:          d.I2CAddress,
			SampleRate:       d.SampleRate,
			PinBase:          d.PinBaseOrDefault(),
			ReferenceVoltage: d.ReferenceVoltage,
		})
	case config.DeviceMCP3208:
		return aio.NewMCP3208(aio.MCP3208Options{
			Port:    d.SPIPort,
			SpeedHz: d.SPISpeedHz,
			PinBase: d.PinBaseOrDefault(),
		})
	case config.DeviceSerial:
		return aio.NewSerialBridge(aio.SerialOptions{
			Port:     d.SerialPort,
			BaudRate: d.BaudRate,
			Timeout:  time.Duration(d.TimeoutMs) * time.Millisecond,
		})
	case config.DeviceSimulation:
		return aio.NewSimulator(aio.SimulatorOptions{Script: d.Script, Seed: d.Seed}), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", d.Type)
	}
}

// initOutputs builds every configured output. MQTT discovery announces one
// entity per sensor and per edge-watching input.
func initOutputs(cfg config.Config) ([]output.Output, error) {
	entities := make([]mqtt.Entity, 0, len(cfg.Sensors)+len(cfg.GPIO))
	for _, s := range cfg.Sensors {
		entities = append(entities, mqtt.Entity{Name: s.Name, Kind: reportKind(s.Report)})
	}
	for _, p := range cfg.GPIO {
		if p.Direction != digital.In || p.Edge == "" || p.Edge == digital.EdgeNone {
			continue
		}
		name := p.Label
		if name == "" {
			name = p.Name
		}
		entities = append(entities, mqtt.Entity{Name: name, Kind: output.KindEdge})
	}

	var outs []output.Output
	for _, o := range cfg.Outputs {
		switch strings.ToLower(o.Type) {
		case config.OutputConsole:
			outs = append(outs, console.NewConsole())
		case config.OutputMQTT:
			var mc config.MQTTConfig
			if o.MQTT != nil {
				mc = *o.MQTT
			}
			m, err := mqtt.NewMQTT(mc, entities)
			if err != nil {
				closeOutputs(outs)
				return nil, fmt.Errorf("failed to create mqtt output: %w", err)
			}
			outs = append(outs, m)
		default:
			closeOutputs(outs)
			return nil, fmt.Errorf("unknown output type: %s", o.Type)
		}
	}
	return outs, nil
}

func closeOutputs(outs []output.Output) {
	for _, o := range outs {
		if err := o.Close(); err != nil {
			log.Printf("output close error: %v", err)
		}
	}
}

func reportKind(report string) output.Kind {
	if report == config.ReportRaw {
		return output.KindRaw
	}
	return output.KindTemperature
}
