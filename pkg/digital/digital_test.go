package digital

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Value
	}
	return out
}

func testOpener(pins ...*gpiotest.Pin) *Opener {
	return &Opener{
		Lookup: func(name string) (Line, error) {
			for _, p := range pins {
				if p.N == name {
					return p, nil
				}
			}
			return nil, errors.New("unknown pin")
		},
		PollInterval: 5 * time.Millisecond,
	}
}

func newTestPin(name string) *gpiotest.Pin {
	return &gpiotest.Pin{N: name, Num: 4, EdgesChan: make(chan gpio.Level, 32)}
}

func openPin(t *testing.T, o *Opener, spec PinSpec) *Pin {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pin, err := o.Open(spec).Wait(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pin.Close() })
	return pin
}

func TestEdgeEventsDeliveredOncePerEdge(t *testing.T) {
	line := newTestPin("GPIO4")
	pin := openPin(t, testOpener(line), PinSpec{Name: "GPIO4", Direction: In, Edge: EdgeAny})
	rec := &recorder{}
	pin.OnChange(rec.handle)

	levels := []gpio.Level{gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.High, gpio.Low}
	for _, l := range levels {
		line.EdgesChan <- l
	}
	require.Eventually(t, func() bool { return len(rec.values()) == len(levels) }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false, true, false}, rec.values())
}

// settledLine reports the level after a short pulse has already ended.
type settledLine struct {
	*gpiotest.Pin
	level gpio.Level
}

func (l settledLine) Read() gpio.Level { return l.level }

func settledOpener(line settledLine) *Opener {
	return &Opener{
		Lookup:       func(string) (Line, error) { return line, nil },
		PollInterval: 5 * time.Millisecond,
	}
}

func TestEdgeValueComesFromEdge(t *testing.T) {
	for _, tt := range []struct {
		edge  Edge
		after gpio.Level
		want  []bool
	}{
		{EdgeRising, gpio.Low, []bool{true, true}},
		{EdgeFalling, gpio.High, []bool{false, false}},
		{EdgeAny, gpio.Low, []bool{true, false}},
	} {
		t.Run(string(tt.edge), func(t *testing.T) {
			line := settledLine{Pin: newTestPin("GPIO17"), level: tt.after}
			pin := openPin(t, settledOpener(line), PinSpec{Name: "GPIO17", Direction: In, Edge: tt.edge})
			rec := &recorder{}
			pin.OnChange(rec.handle)
			line.EdgesChan <- gpio.High
			line.EdgesChan <- gpio.Low
			require.Eventually(t, func() bool { return len(rec.values()) == 2 }, time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, tt.want, rec.values())
		})
	}
}

func TestActiveLowInvertsValue(t *testing.T) {
	line := newTestPin("GPIO4")
	pin := openPin(t, testOpener(line), PinSpec{Name: "GPIO4", Direction: In, Edge: EdgeAny, ActiveLow: true})
	assert.True(t, pin.Read(), "idle low reads as active")
	rec := &recorder{}
	pin.OnChange(rec.handle)
	line.EdgesChan <- gpio.High
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false}, rec.values())
	assert.False(t, pin.Read())
}

func TestEventsWithoutHandlerAreDropped(t *testing.T) {
	line := newTestPin("GPIO4")
	pin := openPin(t, testOpener(line), PinSpec{Name: "GPIO4", Direction: In, Edge: EdgeAny})
	line.EdgesChan <- gpio.High
	require.Eventually(t, func() bool { return len(line.EdgesChan) == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	rec := &recorder{}
	pin.OnChange(rec.handle)
	line.EdgesChan <- gpio.Low
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false}, rec.values())
}

func TestOutputPin(t *testing.T) {
	line := newTestPin("GPIO5")
	pin := openPin(t, testOpener(line), PinSpec{Name: "GPIO5", Direction: Out})
	assert.Equal(t, gpio.Low, line.Read())
	require.NoError(t, pin.Write(true))
	assert.Equal(t, gpio.High, line.Read())
	assert.True(t, pin.Read())

	in := openPin(t, testOpener(newTestPin("GPIO6")), PinSpec{Name: "GPIO6", Direction: In})
	assert.Error(t, in.Write(true))
}

type postQueue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *postQueue) Post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
}

func (q *postQueue) drain() int {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func TestPromiseSuccessThroughDispatcher(t *testing.T) {
	line := newTestPin("GPIO4")
	q := &postQueue{}
	o := testOpener(line)
	o.Dispatcher = q

	var got *Pin
	var failures int
	p := o.Open(PinSpec{Name: "GPIO4", Direction: In, Edge: EdgeAny}).Then(
		func(pin *Pin) { got = pin },
		func(error) { failures++ },
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pin, err := p.Wait(ctx)
	require.NoError(t, err)
	defer pin.Close()

	assert.Nil(t, got, "handlers only run on the dispatcher")
	assert.Equal(t, 1, q.drain())
	assert.Same(t, pin, got)
	assert.Zero(t, failures)

	// a late registration still sees the outcome once
	var late int
	p.Then(func(*Pin) { late++ }, nil)
	assert.Equal(t, 1, q.drain())
	assert.Equal(t, 1, late)
	assert.Zero(t, q.drain())

	rec := &recorder{}
	pin.OnChange(rec.handle)
	line.EdgesChan <- gpio.High
	require.Eventually(t, func() bool { return q.drain() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true}, rec.values())
}

func TestPromiseFailure(t *testing.T) {
	o := testOpener()
	failed := make(chan error, 2)
	p := o.Open(PinSpec{Name: "IO4", Direction: In, Edge: EdgeAny}).Then(
		func(*Pin) { t.Error("unexpected success") },
		func(err error) { failed <- err },
	)
	select {
	case err := <-failed:
		require.ErrorIs(t, err, ErrBind)
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "IO4", be.Pin)
	case <-time.After(time.Second):
		t.Fatal("failure not delivered")
	}
	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrBind)
	assert.Len(t, failed, 0)
}

func TestWaitPrefersSettledOutcome(t *testing.T) {
	o := testOpener(newTestPin("GPIO4"))
	p := o.Open(PinSpec{Name: "GPIO4", Direction: In, Edge: EdgeNone})
	pin, err := p.Wait(context.Background())
	require.NoError(t, err)
	defer pin.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		got, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Same(t, pin, got)
	}
}

func TestOpenRejectsInvalidSpec(t *testing.T) {
	o := testOpener(newTestPin("GPIO4"))
	_, err := o.Open(PinSpec{Name: "GPIO4", Direction: Out, Edge: EdgeAny}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrBind)
	_, err = o.Open(PinSpec{Name: "GPIO4", Pull: "sideways"}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrBind)
}

func TestParsePinSpec(t *testing.T) {
	spec, err := ParsePinSpec(`name="Front button" pin=GPIO4 direction=in edge=any pull=up active_low=true`)
	require.NoError(t, err)
	assert.Equal(t, PinSpec{Label: "Front button", Name: "GPIO4", Direction: In, Edge: EdgeAny, Pull: PullUp, ActiveLow: true}, spec)

	spec, err = ParsePinSpec("pin=GPIO5")
	require.NoError(t, err)
	assert.Equal(t, PinSpec{Label: "GPIO5", Name: "GPIO5", Direction: Out, Edge: EdgeNone, Pull: PullNone}, spec)

	for _, bad := range []string{"", "pin", "pin=GPIO4 colour=red", "pin=GPIO4 edge=sideways", `pin="GPIO4`, "pin=GPIO4 active_low=maybe"} {
		_, err := ParsePinSpec(bad)
		assert.Error(t, err, bad)
	}
}
