// Package router fans a query out to the platforms serving its object and
// assembles their record streams into one result.
package router

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jzelinskie/stringz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"resenje.org/singleflight"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/internal/metadata"
	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/pkg/closer"
	"github.com/onelab/manifold/pkg/query"
)

var tracer = otel.Tracer("manifold/internal/router")

var (
	queriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manifold",
		Subsystem: "router",
		Name:      "queries_total",
		Help:      "total number of queries answered, by action and result code",
	}, []string{"action", "code"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "manifold",
		Subsystem: "router",
		Name:      "query_duration_seconds",
		Help:      "A histogram of the time spent answering queries.",
	}, []string{"action"})

	singleFlightCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manifold",
		Subsystem: "router",
		Name:      "single_flight_total",
		Help:      "total number of get queries that were single flighted",
	}, []string{"shared"})
)

type options struct {
	gateways     []gateway.Gateway
	catalog      *metadata.Catalog
	engine       *policy.Engine
	singleflight bool
}

// Option configures a Router.
type Option func(*options)

// WithGateway adds gateways to the router. Their announces are registered
// in the catalog.
func WithGateway(gws ...gateway.Gateway) Option {
	return func(o *options) { o.gateways = append(o.gateways, gws...) }
}

// WithCatalog sets the catalog, for routes declared in configuration.
func WithCatalog(c *metadata.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithPolicy sets the policy engine run around every query.
func WithPolicy(e *policy.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithSingleflight collapses identical concurrent get queries into one
// dispatch.
func WithSingleflight(enabled bool) Option {
	return func(o *options) { o.singleflight = enabled }
}

// Router is long-lived: it owns the catalog, the gateway instances and the
// policy engine, and builds one dispatch per query.
type Router struct {
	catalog  *metadata.Catalog
	gateways map[string]gateway.Gateway
	engine   *policy.Engine

	collapse bool
	flights  singleflight.Group[string, *Result]
	closers  closer.Stack
}

func New(opts ...Option) (*Router, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = metadata.NewCatalog()
	}

	r := &Router{
		catalog:  o.catalog,
		gateways: make(map[string]gateway.Gateway, len(o.gateways)),
		engine:   o.engine,
		collapse: o.singleflight,
	}
	for _, gw := range o.gateways {
		if _, ok := r.gateways[gw.Name()]; ok {
			return nil, fmt.Errorf("duplicate platform %q", gw.Name())
		}
		r.gateways[gw.Name()] = gw
		if err := r.catalog.RegisterGateway(gw); err != nil {
			return nil, err
		}
		r.closers.AddIfCloser(gw)
	}

	for _, object := range r.catalog.Objects() {
		for _, route := range r.catalog.Routes(object) {
			if _, ok := r.gateways[route.Platform]; !ok {
				return nil, fmt.Errorf("object %q is routed to unknown platform %q", object, route.Platform)
			}
		}
	}
	return r, nil
}

// Catalog returns the router catalog.
func (r *Router) Catalog() *metadata.Catalog { return r.catalog }

// Platforms returns the names of the router gateways.
func (r *Router) Platforms() []string { return slices.Sorted(maps.Keys(r.gateways)) }

// Close releases the gateways holding resources.
func (r *Router) Close() error { return r.closers.Close() }

// Query validates q, runs it through the policy engine and dispatches it.
// A refused query returns a CodeError result along with the policy error.
func (r *Router) Query(ctx context.Context, q *query.Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.ID == "" {
		q = q.WithID()
	}

	ctx = logging.WithQueryID(ctx, q.ID)
	ctx, span := tracer.Start(ctx, "Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("action", string(q.Action)),
		attribute.String("object", q.Object),
	)

	start := time.Now()
	result, err := r.query(ctx, q)
	queryDuration.WithLabelValues(string(q.Action)).Observe(time.Since(start).Seconds())
	if result != nil {
		queriesCounter.WithLabelValues(string(q.Action), result.Code.String()).Inc()
		span.SetAttributes(attribute.String("code", result.Code.String()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (r *Router) query(ctx context.Context, q *query.Query) (*Result, error) {
	log := logging.Ctx(ctx)
	user := stringz.DefaultEmpty(q.Annotations.UserID(), "anonymous")
	log.Debug().Object("query", q).Str("user", user).Msg("routing query")

	if r.engine != nil {
		decision, payload := r.engine.FilterQuery(ctx, q)
		switch decision {
		case policy.Denied, policy.Error:
			log.Info().Err(payload.Err).Str("user", user).Stringer("decision", decision).Msg("query refused by policy")
			return &Result{Code: CodeError}, payload.Err
		case policy.Records:
			return resultOf(payload.Records), nil
		default:
			q = payload.Query
		}
	}

	if !r.collapse || q.Action != query.Get {
		return newDispatch(r, q).Run(ctx)
	}

	key := flightKey(q)
	result, shared, err := r.flights.Do(ctx, key, func(ctx context.Context) (*Result, error) {
		return newDispatch(r, q).Run(ctx)
	})
	singleFlightCount.WithLabelValues(strconv.FormatBool(shared)).Inc()
	if err != nil {
		return result, err
	}
	return result.clone(), nil
}

// flightKey identifies the get queries that would produce the same result.
// Every annotation takes part, in key order.
func flightKey(q *query.Query) string {
	hasher := xxhash.New()
	for _, part := range []string{
		q.Object,
		q.Fields.Freeze(),
		q.Filter.Freeze(),
	} {
		_, _ = hasher.WriteString(part)
		_, _ = hasher.WriteString(";")
	}
	for _, k := range slices.Sorted(maps.Keys(q.Annotations)) {
		_, _ = fmt.Fprintf(hasher, "%s=%v;", k, q.Annotations[k])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// ErrAlreadyDispatched is returned when running a dispatch twice.
var ErrAlreadyDispatched = errors.New("query already dispatched")
