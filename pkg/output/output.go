package output

import (
	"time"

	"github.com/ericogr/aio-to-mqtt/pkg/aio"
	"github.com/ericogr/aio-to-mqtt/pkg/temperature"
)

type Kind string

const (
	KindTemperature Kind = "temperature"
	KindRaw         Kind = "raw"
	KindInvalid     Kind = "invalid"
	KindError       Kind = "error"
	KindEdge        Kind = "edge"
)

// Report is one line of output: a converted temperature, a raw sample, an
// invalid-reading notice, a read error, or a digital edge.
type Report struct {
	Name    string
	Kind    Kind
	Channel aio.Channel
	Raw     aio.RawSample
	// Reading is set for KindTemperature.
	Reading temperature.Reading
	// Value is the logical level for KindEdge.
	Value     bool
	Err       string
	Timestamp time.Time
}

type Output interface {
	Publish([]Report) error
	Close() error
}

// helper constructors are in subpackages
