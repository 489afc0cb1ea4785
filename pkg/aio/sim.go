package aio

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// simRoomTemperature is roughly 25°C on a 0.5V-offset, 10mV/°C sensor at 3.3V.
const simRoomTemperature = 924

type SimulatorOptions struct {
	// Pins restricts which pins can be bound. Empty allows any non-negative pin.
	Pins []int
	// Script replays fixed samples per pin, cycling when exhausted.
	Script map[int][]RawSample
	// Delay simulates conversion time.
	Delay time.Duration
	Seed  int64
}

// Simulator produces samples without hardware: scripted values where given,
// otherwise a bounded random walk around room temperature.
type Simulator struct {
	mu     sync.Mutex
	pins   map[int]bool
	script map[int][]RawSample
	pos    map[int]int
	last   map[int]int
	delay  time.Duration
	rnd    *rand.Rand
}

func NewSimulator(opts SimulatorOptions) *Simulator {
	s := &Simulator{
		script: opts.Script,
		pos:    make(map[int]int),
		last:   make(map[int]int),
		delay:  opts.Delay,
		rnd:    rand.New(rand.NewSource(opts.Seed)),
	}
	if len(opts.Pins) > 0 {
		s.pins = make(map[int]bool, len(opts.Pins))
		for _, p := range opts.Pins {
			s.pins[p] = true
		}
	}
	return s
}

func (s *Simulator) ConfigurePin(pin int) error {
	if pin < 0 || (s.pins != nil && !s.pins[pin]) {
		return fmt.Errorf("pin %d not available", pin)
	}
	return nil
}

func (s *Simulator) ReadRaw(pin int) (RawSample, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq := s.script[pin]; len(seq) > 0 {
		v := seq[s.pos[pin]%len(seq)]
		s.pos[pin]++
		return v, nil
	}
	v, ok := s.last[pin]
	if !ok {
		v = simRoomTemperature
	}
	v += s.rnd.Intn(11) - 5
	if v < 1 {
		v = 1
	}
	if v > int(MaxRawSample) {
		v = int(MaxRawSample)
	}
	s.last[pin] = v
	return RawSample(v), nil
}

func (s *Simulator) Close() error { return nil }
