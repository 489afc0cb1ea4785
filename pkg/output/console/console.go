package console

import (
	"fmt"
	"time"

	"github.com/ericogr/aio-to-mqtt/pkg/output"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(reports []output.Report) error {
	for _, r := range reports {
		ts := r.Timestamp.Format(time.RFC3339)
		switch r.Kind {
		case output.KindTemperature:
			fmt.Printf("%s %s channel=%s raw=%d celsius=%.6f volts=%s\n", ts, r.Name, r.Channel, r.Raw, r.Reading.Celsius, r.Reading.Voltage())
		case output.KindRaw:
			fmt.Printf("%s %s channel=%s raw=%d\n", ts, r.Name, r.Channel, r.Raw)
		case output.KindInvalid:
			fmt.Printf("%s %s channel=%s invalid temperature value\n", ts, r.Name, r.Channel)
		case output.KindError:
			fmt.Printf("%s %s channel=%s error: %s\n", ts, r.Name, r.Channel, r.Err)
		case output.KindEdge:
			fmt.Printf("%s %s changed value=%t\n", ts, r.Name, r.Value)
		default:
			return fmt.Errorf("console: unknown report kind %q", r.Kind)
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
