// Package poller turns periodic ticks into analog reads and reports.
package poller

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ericogr/aio-to-mqtt/pkg/aio"
	"github.com/ericogr/aio-to-mqtt/pkg/output"
	"github.com/ericogr/aio-to-mqtt/pkg/temperature"
)

type Mode string

const (
	Sync  Mode = "sync"
	Async Mode = "async"
)

// Reader is the part of aio.Source a sensor needs.
type Reader interface {
	Channel() aio.Channel
	Read() (aio.RawSample, error)
	ReadAsync(done aio.Completion)
}

// Subscriber is implemented by sources that push value changes.
type Subscriber interface {
	OnChange(fn func(aio.RawSample))
}

// Reporter receives every report a sensor produces.
type Reporter func(output.Report)

// Sensor is one configured analog input. Kind is output.KindTemperature or
// output.KindRaw; temperature sensors need a Converter. With ChangesOnly the
// ticks still drive the conversions but only changed samples and errors are
// reported; the Source must then implement Subscriber.
type Sensor struct {
	Name        string
	Source      Reader
	Mode        Mode
	Kind        output.Kind
	Converter   *temperature.Converter
	Report      Reporter
	ChangesOnly bool

	now func() time.Time
}

func (s *Sensor) validate() error {
	if s.Source == nil {
		return fmt.Errorf("sensor %s: no source", s.Name)
	}
	if s.Report == nil {
		return fmt.Errorf("sensor %s: no reporter", s.Name)
	}
	switch s.Mode {
	case Sync, Async:
	default:
		return fmt.Errorf("sensor %s: invalid mode %q", s.Name, s.Mode)
	}
	switch s.Kind {
	case output.KindRaw:
	case output.KindTemperature:
		if s.Converter == nil {
			return fmt.Errorf("sensor %s: temperature report needs a converter", s.Name)
		}
	default:
		return fmt.Errorf("sensor %s: invalid kind %q", s.Name, s.Kind)
	}
	if _, ok := s.Source.(Subscriber); s.ChangesOnly && !ok {
		return fmt.Errorf("sensor %s: source does not report changes", s.Name)
	}
	return nil
}

// New checks the sensor's wiring and returns a copy ready to Tick.
func New(s Sensor) (*Sensor, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.now == nil {
		s.now = time.Now
	}
	sensor := &s
	if s.ChangesOnly {
		s.Source.(Subscriber).OnChange(func(v aio.RawSample) { sensor.handle(v, nil) })
	}
	return sensor, nil
}

// Tick performs one sampling round. In sync mode it blocks for the conversion;
// in async mode it issues one read and reports from its completion.
func (s *Sensor) Tick() {
	done := s.handle
	if s.ChangesOnly {
		done = s.handleError
	}
	if s.Mode == Async {
		s.Source.ReadAsync(done)
		return
	}
	done(s.Source.Read())
}

func (s *Sensor) handleError(raw aio.RawSample, err error) {
	if err != nil {
		s.handle(raw, err)
	}
}

func (s *Sensor) handle(raw aio.RawSample, err error) {
	r := output.Report{
		Name:      s.Name,
		Kind:      s.Kind,
		Channel:   s.Source.Channel(),
		Raw:       raw,
		Timestamp: s.now(),
	}
	if err != nil {
		r.Kind = output.KindError
		r.Err = err.Error()
		s.Report(r)
		return
	}
	if s.Kind == output.KindTemperature {
		reading, err := s.Converter.Convert(raw)
		switch {
		case errors.Is(err, temperature.ErrInvalidReading):
			r.Kind = output.KindInvalid
		case err != nil:
			r.Kind = output.KindError
			r.Err = err.Error()
		default:
			r.Reading = reading
		}
	}
	s.Report(r)
}

// Broadcast returns a Reporter that publishes each report to every output.
// Publish errors are logged and do not stop the others.
func Broadcast(outs []output.Output) Reporter {
	return func(r output.Report) {
		batch := []output.Report{r}
		for _, o := range outs {
			if err := o.Publish(batch); err != nil {
				log.Printf("output publish error: %v", err)
			}
		}
	}
}
