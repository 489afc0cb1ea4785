// Package digital binds GPIO pins and delivers edge events to a change handler.
package digital

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

type Edge string

const (
	EdgeNone    Edge = "none"
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeAny     Edge = "any"
)

type Pull string

const (
	PullNone Pull = "none"
	PullUp   Pull = "up"
	PullDown Pull = "down"
)

// DefaultPollInterval bounds how long Close waits for the edge watcher.
const DefaultPollInterval = 100 * time.Millisecond

// PinSpec describes how to bind a pin. Zero values mean direction out, no
// edge detection and no pull resistor.
type PinSpec struct {
	Label     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Name      string    `json:"pin" yaml:"pin"`
	Direction Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	Edge      Edge      `json:"edge,omitempty" yaml:"edge,omitempty"`
	Pull      Pull      `json:"pull,omitempty" yaml:"pull,omitempty"`
	ActiveLow bool      `json:"active_low,omitempty" yaml:"active_low,omitempty"`
}

func (s PinSpec) withDefaults() PinSpec {
	if s.Direction == "" {
		s.Direction = Out
	}
	if s.Edge == "" {
		s.Edge = EdgeNone
	}
	if s.Pull == "" {
		s.Pull = PullNone
	}
	if s.Label == "" {
		s.Label = s.Name
	}
	return s
}

func (s PinSpec) Validate() error {
	s = s.withDefaults()
	if s.Name == "" {
		return errors.New("missing pin name")
	}
	switch s.Direction {
	case In, Out:
	default:
		return fmt.Errorf("invalid direction %q", s.Direction)
	}
	switch s.Edge {
	case EdgeNone, EdgeRising, EdgeFalling, EdgeAny:
	default:
		return fmt.Errorf("invalid edge %q", s.Edge)
	}
	switch s.Pull {
	case PullNone, PullUp, PullDown:
	default:
		return fmt.Errorf("invalid pull %q", s.Pull)
	}
	if s.Direction == Out && s.Edge != EdgeNone {
		return fmt.Errorf("edge %q requires direction in", s.Edge)
	}
	return nil
}

// ParsePinSpec parses a shell-quoted list of key=value pairs, for example
//
//	name="Front button" pin=GPIO4 direction=in edge=any pull=up
func ParsePinSpec(s string) (PinSpec, error) {
	fields, err := shlex.Split(s)
	if err != nil {
		return PinSpec{}, fmt.Errorf("parse pin spec: %w", err)
	}
	var spec PinSpec
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return PinSpec{}, fmt.Errorf("parse pin spec: expected key=value, got %q", f)
		}
		switch strings.ToLower(k) {
		case "name", "label":
			spec.Label = v
		case "pin":
			spec.Name = v
		case "direction", "dir":
			spec.Direction = Direction(strings.ToLower(v))
		case "edge":
			spec.Edge = Edge(strings.ToLower(v))
		case "pull":
			spec.Pull = Pull(strings.ToLower(v))
		case "active_low", "activelow":
			switch strings.ToLower(v) {
			case "true", "1", "yes":
				spec.ActiveLow = true
			case "false", "0", "no":
				spec.ActiveLow = false
			default:
				return PinSpec{}, fmt.Errorf("parse pin spec: invalid active_low %q", v)
			}
		default:
			return PinSpec{}, fmt.Errorf("parse pin spec: unknown key %q", k)
		}
	}
	if err := spec.Validate(); err != nil {
		return PinSpec{}, fmt.Errorf("parse pin spec: %w", err)
	}
	return spec.withDefaults(), nil
}

var ErrBind = errors.New("digital: bind failed")

// BindError is the failure outcome of Opener.Open.
type BindError struct {
	Pin string
	Err error
}

func (e *BindError) Error() string { return fmt.Sprintf("digital: bind %s: %v", e.Pin, e.Err) }

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == ErrBind }

// Line is the part of periph's gpio.PinIO that a Pin drives.
type Line interface {
	Name() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Out(l gpio.Level) error
	Halt() error
}

// Dispatcher delivers callbacks on the host's event loop.
type Dispatcher interface {
	Post(fn func())
}

// Opener binds pins asynchronously.
type Opener struct {
	// Lookup resolves a pin name. Defaults to periph's gpioreg.
	Lookup func(name string) (Line, error)
	// Dispatcher, when set, runs promise handlers and change handlers.
	Dispatcher   Dispatcher
	PollInterval time.Duration
}

func NewOpener(d Dispatcher) *Opener {
	return &Opener{Lookup: PeriphLookup, Dispatcher: d, PollInterval: DefaultPollInterval}
}

// PeriphLookup resolves a pin through periph's registry, initialising the host drivers first.
func PeriphLookup(name string) (Line, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown pin %q", name)
	}
	return p, nil
}

// Open binds spec in the background. The returned promise settles exactly once.
func (o *Opener) Open(spec PinSpec) *Promise {
	p := newPromise(o.Dispatcher)
	go func() {
		pin, err := o.open(spec)
		if err != nil {
			p.settle(nil, &BindError{Pin: spec.Name, Err: err})
			return
		}
		p.settle(pin, nil)
	}()
	return p
}

func (o *Opener) open(spec PinSpec) (*Pin, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec = spec.withDefaults()
	lookup := o.Lookup
	if lookup == nil {
		lookup = PeriphLookup
	}
	line, err := lookup(spec.Name)
	if err != nil {
		return nil, err
	}
	poll := o.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	p := &Pin{spec: spec, line: line, dispatch: o.Dispatcher, poll: poll, stop: make(chan struct{}), done: make(chan struct{})}

	if spec.Direction == Out {
		close(p.done)
		if err := line.Out(p.level(false)); err != nil {
			return nil, fmt.Errorf("configure output: %w", err)
		}
		return p, nil
	}
	if err := line.In(periphPull(spec.Pull), periphEdge(spec.Edge)); err != nil {
		return nil, fmt.Errorf("configure input: %w", err)
	}
	if spec.Edge == EdgeNone {
		close(p.done)
	} else {
		go p.watch(line.Read())
	}
	return p, nil
}

// Event is delivered to the change handler once per matching edge.
type Event struct {
	Pin   string
	Value bool
	Time  time.Time
}

// Pin is a bound GPIO pin.
type Pin struct {
	spec     PinSpec
	line     Line
	dispatch Dispatcher
	poll     time.Duration

	mu       sync.Mutex
	onChange func(Event)

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (p *Pin) Spec() PinSpec { return p.spec }

// OnChange sets the change handler. Edges seen while no handler is set are dropped.
func (p *Pin) OnChange(fn func(Event)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Read returns the logical level.
func (p *Pin) Read() bool {
	return bool(p.line.Read()) != p.spec.ActiveLow
}

// Write drives the logical level of an output pin.
func (p *Pin) Write(v bool) error {
	if p.spec.Direction != Out {
		return fmt.Errorf("digital: %s is not an output", p.spec.Name)
	}
	return p.line.Out(p.level(v))
}

func (p *Pin) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		err = p.line.Halt()
	})
	return err
}

func (p *Pin) level(logical bool) gpio.Level {
	return gpio.Level(logical != p.spec.ActiveLow)
}

// watch turns each edge reported by the line into one event. The line only
// reports edges of the configured kind, so the level comes from the edge
// itself and not from a later Read, which may already see the pulse gone.
// With EdgeAny every edge flips the level, starting from the level at bind time.
func (p *Pin) watch(level gpio.Level) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		if !p.line.WaitForEdge(p.poll) {
			continue
		}
		switch p.spec.Edge {
		case EdgeRising:
			level = gpio.High
		case EdgeFalling:
			level = gpio.Low
		default:
			level = !level
		}
		p.deliver(Event{Pin: p.spec.Label, Value: bool(level) != p.spec.ActiveLow, Time: time.Now()})
	}
}

func (p *Pin) deliver(ev Event) {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn == nil {
		return
	}
	if p.dispatch != nil {
		p.dispatch.Post(func() { fn(ev) })
		return
	}
	fn(ev)
}

func periphPull(p Pull) gpio.Pull {
	switch p {
	case PullUp:
		return gpio.PullUp
	case PullDown:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}

func periphEdge(e Edge) gpio.Edge {
	switch e {
	case EdgeRising:
		return gpio.RisingEdge
	case EdgeFalling:
		return gpio.FallingEdge
	case EdgeAny:
		return gpio.BothEdges
	default:
		return gpio.NoEdge
	}
}
