package poller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/aio-to-mqtt/pkg/aio"
	"github.com/ericogr/aio-to-mqtt/pkg/output"
	"github.com/ericogr/aio-to-mqtt/pkg/temperature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	reports []output.Report
}

func (c *collector) report(r output.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func (c *collector) snapshot() []output.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]output.Report(nil), c.reports...)
}

func openScripted(t *testing.T, pin int, samples ...aio.RawSample) *aio.Source {
	t.Helper()
	board := aio.NewBoard()
	t.Cleanup(func() { _ = board.Close() })
	sim := aio.NewSimulator(aio.SimulatorOptions{Script: map[int][]aio.RawSample{pin: samples}})
	require.NoError(t, board.Attach(0, sim))
	src, err := board.Open(aio.Channel{Device: 0, Pin: pin})
	require.NoError(t, err)
	return src
}

func defaultConverter(t *testing.T) *temperature.Converter {
	t.Helper()
	conv, err := temperature.NewConverter(temperature.DefaultCalibration())
	require.NoError(t, err)
	return conv
}

func TestSyncTemperature(t *testing.T) {
	c := &collector{}
	s, err := New(Sensor{
		Name:      "PinA",
		Source:    openScripted(t, 10, 2048, 0, 1),
		Mode:      Sync,
		Kind:      output.KindTemperature,
		Converter: defaultConverter(t),
		Report:    c.report,
	})
	require.NoError(t, err)

	s.Tick()
	s.Tick()
	s.Tick()

	got := c.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, output.KindTemperature, got[0].Kind)
	assert.Equal(t, aio.Channel{Device: 0, Pin: 10}, got[0].Channel)
	assert.Equal(t, aio.RawSample(2048), got[0].Raw)
	assert.InDelta(t, 115.540293, got[0].Reading.Celsius, 1e-6)
	assert.False(t, got[0].Timestamp.IsZero())

	assert.Equal(t, output.KindInvalid, got[1].Kind, "raw 0 is reported as invalid")
	assert.Zero(t, got[1].Reading.Celsius)

	assert.Equal(t, output.KindTemperature, got[2].Kind, "sampling continues after an invalid reading")
	assert.InDelta(t, -49.419414, got[2].Reading.Celsius, 1e-6)
}

func TestLegacyFullScale(t *testing.T) {
	cal := temperature.DefaultCalibration()
	cal.FullScale = temperature.LegacyFullScale
	conv, err := temperature.NewConverter(cal)
	require.NoError(t, err)

	c := &collector{}
	s, err := New(Sensor{Name: "PinA", Source: openScripted(t, 10, 2048), Mode: Sync, Kind: output.KindTemperature, Converter: conv, Report: c.report})
	require.NoError(t, err)
	s.Tick()
	require.Len(t, c.snapshot(), 1)
	assert.InDelta(t, 115.5, c.snapshot()[0].Reading.Celsius, 1e-9)
}

func TestAsyncRawReportsEveryCompletionOnce(t *testing.T) {
	c := &collector{}
	s, err := New(Sensor{Name: "PinB", Source: openScripted(t, 11, 7, 8, 9), Mode: Async, Kind: output.KindRaw, Report: c.report})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		s.Tick()
	}
	require.Eventually(t, func() bool { return len(c.snapshot()) == 6 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := c.snapshot()
	require.Len(t, got, 6)
	for i, r := range got {
		assert.Equal(t, output.KindRaw, r.Kind)
		assert.Equal(t, aio.RawSample(7+i%3), r.Raw, "completion %d", i)
	}
}

type failingReader struct{ err error }

func (f failingReader) Channel() aio.Channel          { return aio.Channel{Device: 1, Pin: 3} }
func (f failingReader) Read() (aio.RawSample, error)  { return 0, f.err }
func (f failingReader) ReadAsync(done aio.Completion) { done(0, f.err) }

func TestReadErrorIsReported(t *testing.T) {
	c := &collector{}
	s, err := New(Sensor{Name: "bad", Source: failingReader{err: errors.New("bus fault")}, Mode: Async, Kind: output.KindTemperature, Converter: defaultConverter(t), Report: c.report})
	require.NoError(t, err)

	s.Tick()
	s.Tick()
	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, output.KindError, got[0].Kind)
	assert.Equal(t, "bus fault", got[0].Err)
	assert.Equal(t, aio.Channel{Device: 1, Pin: 3}, got[0].Channel)
}

func TestNewRejectsBadWiring(t *testing.T) {
	src := failingReader{}
	noop := func(output.Report) {}
	_, err := New(Sensor{Name: "a", Mode: Sync, Kind: output.KindRaw, Report: noop})
	assert.Error(t, err)
	_, err = New(Sensor{Name: "a", Source: src, Mode: Sync, Kind: output.KindRaw})
	assert.Error(t, err)
	_, err = New(Sensor{Name: "a", Source: src, Mode: "poll", Kind: output.KindRaw, Report: noop})
	assert.Error(t, err)
	_, err = New(Sensor{Name: "a", Source: src, Mode: Sync, Kind: output.KindTemperature, Report: noop})
	assert.ErrorContains(t, err, "converter")
	_, err = New(Sensor{Name: "a", Source: src, Mode: Sync, Kind: output.KindEdge, Report: noop})
	assert.Error(t, err)
}

type recordingOutput struct {
	got []output.Report
	err error
}

func (o *recordingOutput) Publish(r []output.Report) error {
	o.got = append(o.got, r...)
	return o.err
}

func (o *recordingOutput) Close() error { return nil }

func TestBroadcast(t *testing.T) {
	failing := &recordingOutput{err: errors.New("offline")}
	ok := &recordingOutput{}
	report := Broadcast([]output.Output{failing, ok})

	report(output.Report{Name: "PinA", Kind: output.KindRaw, Raw: 5})
	assert.Len(t, failing.got, 1)
	require.Len(t, ok.got, 1, "a failing output does not block the next")
	assert.Equal(t, aio.RawSample(5), ok.got[0].Raw)
}

func TestChangesOnlyReportsNewValues(t *testing.T) {
	c := &collector{}
	s, err := New(Sensor{
		Name:        "PinB",
		Source:      openScripted(t, 11, 4, 4, 5, 5, 4),
		Mode:        Sync,
		Kind:        output.KindRaw,
		Report:      c.report,
		ChangesOnly: true,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Tick()
	}
	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	var raws []aio.RawSample
	for _, r := range c.snapshot() {
		assert.Equal(t, output.KindRaw, r.Kind)
		raws = append(raws, r.Raw)
	}
	assert.Equal(t, []aio.RawSample{4, 5, 4}, raws)
}

func TestChangesOnlyStillReportsErrors(t *testing.T) {
	c := &collector{}
	src := subscribingReader{failingReader: failingReader{err: errors.New("bus fault")}}
	s, err := New(Sensor{Name: "bad", Source: &src, Mode: Async, Kind: output.KindRaw, Report: c.report, ChangesOnly: true})
	require.NoError(t, err)
	require.NotNil(t, src.fn, "the sensor subscribes on creation")

	s.Tick()
	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, output.KindError, got[0].Kind)

	src.fn(12)
	got = c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, aio.RawSample(12), got[1].Raw)
}

func TestChangesOnlyNeedsSubscriber(t *testing.T) {
	_, err := New(Sensor{Name: "a", Source: failingReader{}, Mode: Sync, Kind: output.KindRaw, Report: func(output.Report) {}, ChangesOnly: true})
	assert.ErrorContains(t, err, "changes")
}

type subscribingReader struct {
	failingReader
	fn func(aio.RawSample)
}

func (r *subscribingReader) OnChange(fn func(aio.RawSample)) { r.fn = fn }
