// Package dispatch routes inbound messages by kind.
//
// Two registries exist. Broadcast handlers live for the whole process and
// see every message of their kind. Continuations are one-shot and queued per
// kind in a Pending table that lives for one connection; the next message
// of that kind pops exactly one of them. There is no request id on the wire:
// responses are matched to requests by arrival order alone.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/wire"
)

// ErrDisconnected is delivered to continuations whose connection went away.
var ErrDisconnected = errors.New("dispatch: disconnected")

// Handler is a broadcast subscriber.
type Handler func(ctx context.Context, msg *wire.Message) error

// Continuation consumes one response. It runs on the read loop and may do
// further blocking reads before returning. When the connection is torn down
// before a response arrives it is called once with msg == nil and err set.
type Continuation func(msg *wire.Message, err error) error

// Dispatcher holds broadcast subscribers.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[wire.Kind][]Handler
}

func New() *Dispatcher {
	return &Dispatcher{subs: make(map[wire.Kind][]Handler)}
}

// Subscribe registers h for every inbound message of kind.
func (d *Dispatcher) Subscribe(kind wire.Kind, h Handler) {
	d.mu.Lock()
	d.subs[kind] = append(d.subs[kind], h)
	d.mu.Unlock()
}

// Dispatch delivers msg to the broadcast handlers of its kind in
// registration order, then to the oldest pending continuation of that kind,
// if any. Handler errors are logged; a continuation error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *wire.Message, p *Pending) error {
	d.mu.RLock()
	handlers := d.subs[msg.Kind]
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			logx.Log.Warn().Err(err).Stringer("kind", msg.Kind).Msg("handler failed")
		}
	}

	if p == nil {
		return nil
	}
	if c := p.pop(msg.Kind); c != nil {
		return c(msg, nil)
	}
	return nil
}

type entry struct {
	c Continuation
}

// Pending is the FIFO of one-shot continuations for one connection.
type Pending struct {
	mu     sync.Mutex
	queues map[wire.Kind][]*entry
	err    error
}

func NewPending() *Pending {
	return &Pending{queues: make(map[wire.Kind][]*entry)}
}

// Expect queues c for the next message of kind. The returned withdraw func
// removes c if it has not run yet, for requests that never reached the
// wire; it reports whether it removed anything. Expect fails once the table
// was aborted.
func (p *Pending) Expect(kind wire.Kind, c Continuation) (withdraw func() bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	e := &entry{c: c}
	p.queues[kind] = append(p.queues[kind], e)
	return func() bool { return p.remove(kind, e) }, nil
}

// Len returns the number of continuations waiting on kind.
func (p *Pending) Len(kind wire.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[kind])
}

// Abort fails every queued continuation with err and refuses new ones.
func (p *Pending) Abort(err error) {
	if err == nil {
		err = ErrDisconnected
	}
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	queues := p.queues
	p.queues = nil
	p.mu.Unlock()

	for _, q := range queues {
		for _, e := range q {
			_ = e.c(nil, err)
		}
	}
}

func (p *Pending) pop(kind wire.Kind) Continuation {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[kind]
	if len(q) == 0 {
		return nil
	}
	e := q[0]
	q[0] = nil
	p.queues[kind] = q[1:]
	return e.c
}

func (p *Pending) remove(kind wire.Kind, e *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[kind]
	for i, x := range q {
		if x == e {
			p.queues[kind] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}
