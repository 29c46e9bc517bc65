package wire

import "sync"

type promiseState int

const (
	pending promiseState = iota
	resolved
	rejected
)

// Promise is a one-shot future for a Message response. Then/Catch
// continuations are queued under the lock; Resolve/Reject release the
// lock and then run the queued continuations synchronously on the
// calling goroutine before returning. Firing is not deferred to a later
// pump of the update loop.
type Promise struct {
	mu    sync.Mutex
	state promiseState
	value Message
	err   error

	onResolve []func(Message)
	onReject  []func(error)
}

// NewPromise returns a pending promise.
func NewPromise() *Promise {
	return &Promise{}
}

// Resolve settles the promise with a value. Only the first call has any
// effect; later calls are no-ops, matching the "resolved exactly once"
// invariant.
func (p *Promise) Resolve(msg Message) {
	p.mu.Lock()
	if p.state != pending {
		p.mu.Unlock()
		return
	}
	p.state = resolved
	p.value = msg
	callbacks := p.onResolve
	p.onResolve = nil
	p.onReject = nil
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(msg)
	}
}

// Reject settles the promise with an error.
func (p *Promise) Reject(err error) {
	p.mu.Lock()
	if p.state != pending {
		p.mu.Unlock()
		return
	}
	p.state = rejected
	p.err = err
	callbacks := p.onReject
	p.onResolve = nil
	p.onReject = nil
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Then registers fn to run with the resolved value. If the promise has
// already resolved, fn runs immediately; otherwise it is queued.
func (p *Promise) Then(fn func(Message)) *Promise {
	p.mu.Lock()
	switch p.state {
	case resolved:
		v := p.value
		p.mu.Unlock()
		fn(v)
		return p
	case rejected:
		p.mu.Unlock()
		return p
	default:
		p.onResolve = append(p.onResolve, fn)
		p.mu.Unlock()
		return p
	}
}

// Catch registers fn to run with the rejection error.
func (p *Promise) Catch(fn func(error)) *Promise {
	p.mu.Lock()
	switch p.state {
	case rejected:
		e := p.err
		p.mu.Unlock()
		fn(e)
		return p
	case resolved:
		p.mu.Unlock()
		return p
	default:
		p.onReject = append(p.onReject, fn)
		p.mu.Unlock()
		return p
	}
}

// IsSettled reports whether Resolve or Reject has already been called.
func (p *Promise) IsSettled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != pending
}
