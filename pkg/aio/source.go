package aio

import (
	"fmt"
	"sync"
)

// Completion receives the result of one asynchronous read. It is called exactly once.
type Completion func(RawSample, error)

// Dispatcher delivers completions on the host's event loop.
type Dispatcher interface {
	Post(fn func())
}

type SourceOption func(*Source)

// WithDispatcher routes ReadAsync completions through d instead of calling
// them on the source's worker goroutine.
func WithDispatcher(d Dispatcher) SourceOption {
	return func(s *Source) { s.dispatch = d }
}

type request struct {
	done  Completion
	reply chan result
}

type result struct {
	v   RawSample
	err error
}

// Source is an exclusively owned handle on a bound analog channel.
//
// Sync and async reads share one queue and are converted in request order,
// so completions for a single source always fire FIFO.
type Source struct {
	ch       Channel
	drv      Driver
	dispatch Dispatcher
	release  func(Channel)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []request
	closed bool

	onChange func(RawSample)
	last     RawSample
	seen     bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSource(ch Channel, d Driver, release func(Channel), opts ...SourceOption) *Source {
	s := &Source{ch: ch, drv: d, release: release, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

func (s *Source) Channel() Channel { return s.ch }

// Read blocks until the hardware conversion completes.
func (s *Source) Read() (RawSample, error) {
	reply := make(chan result, 1)
	if !s.enqueue(request{reply: reply}) {
		return 0, ErrClosed
	}
	r := <-reply
	return r.v, r.err
}

// ReadAsync schedules a conversion and returns immediately. done is invoked
// once the conversion completes, after every earlier request on this source.
func (s *Source) ReadAsync(done Completion) {
	if done == nil {
		return
	}
	if !s.enqueue(request{done: done}) {
		if s.dispatch != nil {
			s.dispatch.Post(func() { done(0, ErrClosed) })
			return
		}
		go done(0, ErrClosed)
	}
}

// OnChange subscribes fn to value changes. After every successful conversion,
// from Read or ReadAsync, fn receives the sample if it differs from the
// previous one. The first conversion after subscribing is always delivered.
// fn runs on the dispatcher when one is set. A nil fn unsubscribes.
func (s *Source) OnChange(fn func(RawSample)) {
	s.mu.Lock()
	s.onChange = fn
	s.seen = false
	s.mu.Unlock()
}

// Close waits for pending reads to complete and releases the channel binding.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		<-s.done
		if s.release != nil {
			s.release(s.ch)
		}
	})
	return nil
}

func (s *Source) enqueue(r request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, r)
	s.cond.Signal()
	return true
}

func (s *Source) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue[0] = request{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		v, err := s.convert()
		switch {
		case req.reply != nil:
			req.reply <- result{v: v, err: err}
		case s.dispatch != nil:
			done := req.done
			s.dispatch.Post(func() { done(v, err) })
		default:
			req.done(v, err)
		}
		if err == nil {
			s.notifyChange(v)
		}
	}
}

func (s *Source) notifyChange(v RawSample) {
	s.mu.Lock()
	fn := s.onChange
	changed := !s.seen || v != s.last
	s.last, s.seen = v, true
	s.mu.Unlock()
	if fn == nil || !changed {
		return
	}
	if s.dispatch != nil {
		s.dispatch.Post(func() { fn(v) })
		return
	}
	fn(v)
}

func (s *Source) convert() (RawSample, error) {
	v, err := s.drv.ReadRaw(s.ch.Pin)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", s.ch, err)
	}
	if v > MaxRawSample {
		return 0, fmt.Errorf("read %s: sample %d exceeds %d", s.ch, v, MaxRawSample)
	}
	return v, nil
}
