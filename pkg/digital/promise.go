package digital

import (
	"context"
	"sync"
)

type handlers struct {
	ok   func(*Pin)
	fail func(error)
}

// Promise is the pending outcome of Opener.Open: either a bound *Pin or a
// *BindError. Every registered handler pair sees the outcome exactly once.
type Promise struct {
	dispatch Dispatcher

	mu      sync.Mutex
	settled bool
	pin     *Pin
	err     error
	waiting []handlers
	done    chan struct{}
}

func newPromise(d Dispatcher) *Promise {
	return &Promise{dispatch: d, done: make(chan struct{})}
}

// Then registers the success and failure handlers. Either may be nil. If the
// promise has already settled, the matching handler is scheduled right away.
func (p *Promise) Then(onSuccess func(*Pin), onFailure func(error)) *Promise {
	h := handlers{ok: onSuccess, fail: onFailure}
	p.mu.Lock()
	if !p.settled {
		p.waiting = append(p.waiting, h)
		p.mu.Unlock()
		return p
	}
	pin, err := p.pin, p.err
	p.mu.Unlock()
	p.call(h, pin, err)
	return p
}

// Wait blocks until the promise settles or ctx is done. A settled promise
// returns its outcome even when ctx is already done.
func (p *Promise) Wait(ctx context.Context) (*Pin, error) {
	select {
	case <-p.done:
		return p.pin, p.err
	default:
	}
	select {
	case <-p.done:
		return p.pin, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Promise) settle(pin *Pin, err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.pin, p.err = pin, err
	waiting := p.waiting
	p.waiting = nil
	p.mu.Unlock()

	for _, h := range waiting {
		p.call(h, pin, err)
	}
	close(p.done)
}

func (p *Promise) call(h handlers, pin *Pin, err error) {
	var fn func()
	switch {
	case err != nil && h.fail != nil:
		fn = func() { h.fail(err) }
	case err == nil && h.ok != nil:
		fn = func() { h.ok(pin) }
	default:
		return
	}
	if p.dispatch != nil {
		p.dispatch.Post(fn)
		return
	}
	fn()
}
