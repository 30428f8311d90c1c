package router

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jzelinskie/stringz"
	"golang.org/x/sync/errgroup"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/internal/metadata"
	"github.com/onelab/manifold/internal/operators"
	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

const eventBuffer = 64

// event is one item delivered by a gateway to the first stage of its
// platform pipeline.
type event struct {
	stage record.Stream
	item  record.Item
}

// invocation is one gateway call planned by a dispatch.
type invocation struct {
	gw     gateway.Gateway
	packet *gateway.Packet
}

// dispatch runs a single query. Every stage of its pipeline is fed from one
// event loop, so stages never see concurrent deliveries.
type dispatch struct {
	router *Router
	q      *query.Query

	ran    atomic.Bool
	events chan event
	done   chan struct{}
	tail   record.Stream
	result *Result
	ended  bool
}

func newDispatch(r *Router, q *query.Query) *dispatch {
	return &dispatch{
		router: r,
		q:      q,
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
		result: &Result{},
	}
}

// Run dispatches the query and blocks until every platform ended its stream
// or ctx is done. A dispatch runs once.
func (d *dispatch) Run(ctx context.Context) (*Result, error) {
	if !d.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyDispatched
	}
	log := logging.Ctx(ctx)
	invocations, err := d.plan(ctx)
	if errors.Is(err, metadata.ErrUnknownObject) {
		log.Warn().Str("object", d.q.Object).Msg("no platform serves object, returning empty result")
		return d.result.finish(), nil
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, inv := range invocations {
		g.Go(func() error {
			gateway.Invoke(gctx, inv.gw, inv.packet)
			return nil
		})
	}
	defer func() {
		cancel()
		close(d.done)
		_ = g.Wait()
	}()

	for !d.ended {
		select {
		case ev := <-d.events:
			if err := ev.stage.Send(ev.item); err != nil {
				log.Warn().Err(err).Msg("error delivering record")
			}

		case <-ctx.Done():
			d.interrupt(ctx, invocations)
			d.abort(ctx)
			return d.result.finish(), ctx.Err()
		}
	}
	return d.result.finish(), nil
}

func (d *dispatch) interrupt(ctx context.Context, invocations []invocation) {
	for _, inv := range invocations {
		if inv.packet.IsLast() {
			continue
		}
		interruptible, ok := inv.gw.(gateway.Interruptible)
		if !ok {
			continue
		}
		if err := interruptible.Interrupt(inv.packet); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("platform", inv.gw.Name()).Msg("error interrupting gateway")
		}
	}
}

// abort ends the policy stage with an error so per-query policy state is
// released without being committed.
func (d *dispatch) abort(ctx context.Context) {
	aborted := gateway.NewError("router", ctx.Err())
	if err := d.tail.Send(record.Data(aborted.ToRecord())); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("error aborting dispatch")
	}
	_ = d.tail.Send(record.End())
}

// input returns the stream a gateway writes to. Items are handed to the
// event loop; once the dispatch is over they are dropped.
func (d *dispatch) input(stage record.Stream) record.Stream {
	return record.StreamFunc(func(item record.Item) error {
		select {
		case d.events <- event{stage: stage, item: item}:
		case <-d.done:
		}
		return nil
	})
}

// sink is the last stage: it collects the result and ends the loop.
func (d *dispatch) sink() record.Stream {
	return record.StreamFunc(func(item record.Item) error {
		if item.Last {
			d.ended = true
			return nil
		}
		d.result.add(item.Record)
		return nil
	})
}

// policyStage runs every item through the engine record hook.
func (d *dispatch) policyStage(ctx context.Context, next record.Stream) record.Stream {
	engine := d.router.engine
	if engine == nil {
		return next
	}
	return record.StreamFunc(func(item record.Item) error {
		decision, payload := engine.FilterRecord(ctx, d.q, item)
		if item.Last {
			return next.Send(item)
		}
		switch decision {
		case policy.Denied:
			return nil
		case policy.Error:
			return next.Send(record.Data(gateway.NewError("policy", payload.Err).ToRecord()))
		case policy.Records:
			for _, rec := range payload.Records {
				if err := next.Send(record.Data(rec)); err != nil {
					return err
				}
			}
			return nil
		default:
			return next.Send(record.Data(payload.Record))
		}
	})
}

// plan builds the pipeline of the query and returns the gateway calls
// feeding it:
//
//	gateway -> Rename -> [Selection] -> [Projection] -> Union
//	        -> Join with each join-only platform -> Selection -> Projection
//	        -> policy -> sink
//
// Writes skip the joins and the top selection and projection.
func (d *dispatch) plan(ctx context.Context) ([]invocation, error) {
	retrievers, joiners, err := d.router.catalog.Plan(d.q.Object)
	if err != nil {
		return nil, err
	}

	out := d.policyStage(ctx, d.sink())
	d.tail = out
	if d.q.Action != query.Get {
		routes := append(retrievers, joiners...)
		union := operators.NewUnion(len(routes), out)
		invocations := make([]invocation, 0, len(routes))
		for _, route := range routes {
			invocations = append(invocations, d.invocation(route, d.q, union))
		}
		return invocations, nil
	}

	key := d.router.catalog.Key(d.q.Object)
	out = operators.NewSelection(d.q.Filter, operators.NewProjection(d.q.Fields, out))

	var invocations []invocation
	keys := []string{key}
	for i := len(joiners) - 1; i >= 0; i-- {
		route := joiners[i]
		joinKey := stringz.DefaultEmpty(route.Announce.Key, key)
		join := operators.NewJoin(joinKey, out)
		invocations = append(invocations, d.invocation(route, d.platformQuery(route, joinKey), join.Right()))
		keys = append(keys, joinKey)
		out = join.Left()
	}

	union := operators.NewUnion(len(retrievers), out)
	for _, route := range retrievers {
		invocations = append(invocations, d.invocation(route, d.platformQuery(route, keys...), union))
	}
	return invocations, nil
}

// platformQuery narrows the query to what one platform can answer: the
// predicates and fields it announces, plus the keys used to join.
func (d *dispatch) platformQuery(route metadata.Route, keys ...string) *query.Query {
	a := route.Announce
	filter, fields := d.q.Filter, d.q.ReadFields()
	if len(a.Fields) > 0 {
		filter, _ = d.q.Filter.SplitFields(a.Fields)
		if !fields.IsStar() {
			var kept []string
			for _, name := range fields.List() {
				head, _ := record.SplitPath(name)
				if a.HasField(name) || a.HasField(head) {
					kept = append(kept, name)
				}
			}
			fields = query.NewFields(kept...)
		}
	}
	if !fields.IsStar() {
		for _, key := range keys {
			if key != "" {
				fields = fields.With(key)
			}
		}
	}
	return d.q.WithFilter(filter).WithFields(fields)
}

// invocation wires one platform into next and returns its gateway call.
// The packet query uses the platform field names.
func (d *dispatch) invocation(route metadata.Route, q *query.Query, next record.Stream) invocation {
	a := route.Announce
	caps := a.Capabilities

	stage := next
	if q.Action == query.Get {
		if !caps.Projection {
			stage = operators.NewProjection(q.Fields, stage)
		}
		if !caps.Selection {
			stage = operators.NewSelection(q.Filter, stage)
		}
	}
	if len(a.Aliases) > 0 {
		stage = operators.NewRename(a.CanonicalAliases(), stage)
	}

	native := q
	if aliases := a.NativeAliases(); len(aliases) > 0 {
		native = q.WithFilter(q.Filter.Rename(aliases)).WithFields(q.Fields.Rename(aliases))
		params := make(map[string]any, len(q.Params))
		for k, v := range q.Params {
			if renamed, ok := aliases[k]; ok {
				k = renamed
			}
			params[k] = v
		}
		native = native.WithParams(params)
	}

	return invocation{
		gw:     d.router.gateways[route.Platform],
		packet: gateway.NewPacket(route.Platform, native, d.input(stage)),
	}
}
