// Package gatewaytest provides a programmable Gateway for tests.
package gatewaytest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// Announce returns an announce for a fully retrievable object without
// selection or projection support.
func Announce(object, key string, fields ...string) gateway.Announce {
	return gateway.Announce{
		Object:       object,
		Key:          key,
		Fields:       fields,
		Capabilities: gateway.Capabilities{Retrieve: true},
	}
}

// Gateway replays canned records for every invocation.
type Gateway struct {
	name      string
	announces []gateway.Announce

	mu       sync.Mutex
	records  []*record.Record
	failure  error
	delay    time.Duration
	panicMsg string
	blocking bool
	async    bool
	gate     <-chan struct{}
	queries  []*query.Query

	invocations atomic.Int32
	interrupts  atomic.Int32
	interrupted map[*gateway.Packet]chan struct{}
}

var (
	_ gateway.Gateway       = (*Gateway)(nil)
	_ gateway.Interruptible = (*Gateway)(nil)
)

func New(name string, announces ...gateway.Announce) *Gateway {
	return &Gateway{name: name, announces: announces, interrupted: map[*gateway.Packet]chan struct{}{}}
}

// WithRecords sets the records sent on every invocation.
func (g *Gateway) WithRecords(recs ...*record.Record) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = recs
	return g
}

// WithError makes every invocation fail after sending its records.
func (g *Gateway) WithError(err error) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failure = err
	return g
}

// WithDelay delays the first record of every invocation.
func (g *Gateway) WithDelay(d time.Duration) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
	return g
}

// WithPanic makes every invocation panic.
func (g *Gateway) WithPanic(msg string) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.panicMsg = msg
	return g
}

// WithGate makes invocations wait for gate to be closed before sending.
func (g *Gateway) WithGate(gate <-chan struct{}) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = gate
	return g
}

// Blocking makes invocations wait until their packet is interrupted before
// closing.
func (g *Gateway) Blocking() *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocking = true
	return g
}

// Async makes invocations return immediately and stream from a goroutine.
func (g *Gateway) Async() *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.async = true
	return g
}

// Invocations returns the number of gateway method calls.
func (g *Gateway) Invocations() int { return int(g.invocations.Load()) }

// Interrupts returns the number of Interrupt calls.
func (g *Gateway) Interrupts() int { return int(g.interrupts.Load()) }

// Queries returns the packet queries received, in order.
func (g *Gateway) Queries() []*query.Query {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*query.Query(nil), g.queries...)
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Collections() []gateway.Announce { return g.announces }

func (g *Gateway) Get(ctx context.Context, p *gateway.Packet)     { g.serve(ctx, p) }
func (g *Gateway) Create(ctx context.Context, p *gateway.Packet)  { g.serve(ctx, p) }
func (g *Gateway) Update(ctx context.Context, p *gateway.Packet)  { g.serve(ctx, p) }
func (g *Gateway) Delete(ctx context.Context, p *gateway.Packet)  { g.serve(ctx, p) }
func (g *Gateway) Execute(ctx context.Context, p *gateway.Packet) { g.serve(ctx, p) }

func (g *Gateway) Interrupt(p *gateway.Packet) error {
	g.interrupts.Add(1)
	ch := g.interruption(p)
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

// interruption returns the channel closed when p is interrupted.
func (g *Gateway) interruption(p *gateway.Packet) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.interrupted[p]
	if !ok {
		ch = make(chan struct{})
		g.interrupted[p] = ch
	}
	return ch
}

func (g *Gateway) serve(ctx context.Context, p *gateway.Packet) {
	g.invocations.Add(1)

	g.mu.Lock()
	g.queries = append(g.queries, p.Query())
	recs := make([]*record.Record, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r.Clone())
	}
	failure, delay, panicMsg, blocking, async, gate := g.failure, g.delay, g.panicMsg, g.blocking, g.async, g.gate
	g.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}

	run := func() {
		if blocking {
			<-g.interruption(p)
			p.Close()
			return
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				p.Fail(ctx.Err())
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				p.Fail(ctx.Err())
				return
			}
		}
		if failure != nil {
			for _, r := range recs {
				_ = p.Send(r)
			}
			p.Fail(failure)
			return
		}
		p.Records(recs)
	}

	if async {
		go run()
		return
	}
	run()
}
