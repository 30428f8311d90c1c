package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/gateway/gatewaytest"
	"github.com/onelab/manifold/internal/gateway/process"
	"github.com/onelab/manifold/internal/metadata"
	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/internal/policy/cache"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
	"github.com/onelab/manifold/pkg/testutil"
)

func newRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	r, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func TestPartialFailure(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)

	healthy := gatewaytest.New("a", gatewaytest.Announce("resource", "hrn", "hrn")).
		WithRecords(record.Of("hrn", "x"))
	failing := gatewaytest.New("b", gatewaytest.Announce("resource", "hrn", "hrn")).
		WithRecords(record.Of("hrn", "y")).
		WithError(errors.New("registry unreachable"))

	r := newRouter(t, WithGateway(healthy, failing))
	result, err := r.Query(context.Background(), query.New(query.Get, "resource").Select("hrn"))
	require.NoError(t, err)

	testutil.RequireRecords(t, []map[string]any{{"hrn": "x"}, {"hrn": "y"}}, result.Records)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "b", result.Errors[0].Platform)
	require.Equal(t, "registry unreachable", result.Errors[0].Description)
	require.Equal(t, CodeWarning, result.Code)
	require.True(t, result.Success())
}

func TestOnlyErrors(t *testing.T) {
	failing := gatewaytest.New("b", gatewaytest.Announce("resource", "hrn", "hrn")).WithError(errors.New("down"))
	panicking := gatewaytest.New("c", gatewaytest.Announce("resource", "hrn", "hrn")).WithPanic("nil map")

	r := newRouter(t, WithGateway(failing, panicking))
	result, err := r.Query(context.Background(), query.New(query.Get, "resource"))
	require.NoError(t, err)
	require.Empty(t, result.Records)
	require.Len(t, result.Errors, 2)
	require.Equal(t, CodeError, result.Code)
	require.False(t, result.Success())
}

func TestDeniedWriteInvokesNoGateway(t *testing.T) {
	gw := gatewaytest.New("registry", gatewaytest.Announce("slice", "hrn", "hrn", "password"))
	engine, err := policy.NewEngine([]policy.Rule{{
		Object: "slice",
		Fields: query.NewFields("password"),
		Access: policy.Write,
		Target: policy.TargetDrop,
	}}, policy.Builtins())
	require.NoError(t, err)

	r := newRouter(t, WithGateway(gw), WithPolicy(engine))
	update := query.New(query.Update, "slice").
		Where(predicate.MustNew("hrn", predicate.Eq, "onelab.slice")).
		Set("password", "secret")

	result, err := r.Query(context.Background(), update)
	require.True(t, policy.IsDenied(err))
	require.Equal(t, CodeError, result.Code)
	require.Equal(t, 0, gw.Invocations())

	result, err = r.Query(context.Background(), update.WithParams(map[string]any{"description": "x"}))
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, result.Code)
	require.Equal(t, 1, gw.Invocations())
}

func TestJoinOnlyPlatform(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)

	inventory := gatewaytest.New("inventory", gatewaytest.Announce("node", "ip", "ip", "name")).
		WithRecords(record.Of("ip", "1.1.1.1", "name", "n1"))
	geo := gatewaytest.New("geo", gateway.Announce{
		Object:       "node",
		Key:          "ip",
		Fields:       []string{"ip", "city"},
		Capabilities: gateway.Capabilities{Join: true},
	}).WithRecords(
		record.Of("ip", "1.1.1.1", "city", "Paris"),
		record.Of("ip", "2.2.2.2", "city", "Lyon"),
	).Async()

	r := newRouter(t, WithGateway(inventory, geo))
	result, err := r.Query(context.Background(), query.New(query.Get, "node"))
	require.NoError(t, err)
	testutil.RequireRecords(t, []map[string]any{{"ip": "1.1.1.1", "name": "n1", "city": "Paris"}}, result.Records)

	result, err = r.Query(context.Background(), query.New(query.Get, "node").
		Select("name").
		Where(predicate.MustNew("city", predicate.Eq, "Paris")))
	require.NoError(t, err)
	testutil.RequireRecords(t, []map[string]any{{"name": "n1"}}, result.Records)

	pushed := geo.Queries()[1]
	require.True(t, pushed.Filter.Has("city"))
	require.True(t, pushed.Fields.Has("ip"))
	require.False(t, inventory.Queries()[1].Filter.Has("city"))
}

func TestFanIn(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "platforms")

		expected := make([]map[string]any, 0, n)
		gws := make([]gateway.Gateway, 0, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("p%d", i)
			delay := time.Duration(rapid.IntRange(0, 500).Draw(t, "delay_"+name)) * time.Microsecond
			gw := gatewaytest.New(name, gatewaytest.Announce("resource", "hrn", "hrn", "origin")).
				WithRecords(record.Of("hrn", name+".a", "origin", name), record.Of("hrn", name+".b", "origin", name)).
				WithDelay(delay)
			if rapid.Bool().Draw(t, "async_"+name) {
				gw = gw.Async()
			}
			gws = append(gws, gw)
			expected = append(expected,
				map[string]any{"hrn": name + ".a", "origin": name},
				map[string]any{"hrn": name + ".b", "origin": name},
			)
		}

		r, err := New(WithGateway(gws...))
		require.NoError(t, err)

		result, err := r.Query(context.Background(), query.New(query.Get, "resource"))
		require.NoError(t, err)
		require.Equal(t, CodeSuccess, result.Code)
		require.ElementsMatch(t, expected, testutil.RecordMaps(result.Records))

		perPlatform := map[string][]string{}
		for _, rec := range result.Records {
			origin := rec.StringField("origin")
			perPlatform[origin] = append(perPlatform[origin], rec.StringField("hrn"))
		}
		for origin, hrns := range perPlatform {
			require.Equal(t, []string{origin + ".a", origin + ".b"}, hrns)
		}
	})
}

func TestDispatchRunsOnce(t *testing.T) {
	gw := gatewaytest.New("a", gatewaytest.Announce("resource", "hrn", "hrn")).WithRecords(record.Of("hrn", "x"))
	r := newRouter(t, WithGateway(gw))

	d := newDispatch(r, query.New(query.Get, "resource").WithID())
	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	_, err = d.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyDispatched)
	require.Equal(t, 1, gw.Invocations())
}

func TestUnknownObject(t *testing.T) {
	r := newRouter(t)
	result, err := r.Query(context.Background(), query.New(query.Get, "nothing"))
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, result.Code)
	require.Empty(t, result.Records)
}

func TestInvalidQuery(t *testing.T) {
	r := newRouter(t)
	_, err := r.Query(context.Background(), query.New(query.Get, ""))
	require.True(t, query.IsInvalidQuery(err))
}

func TestCancellationInterrupts(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)

	stuck := gatewaytest.New("stuck", gatewaytest.Announce("resource", "hrn", "hrn")).Blocking()
	quick := gatewaytest.New("quick", gatewaytest.Announce("resource", "hrn", "hrn")).WithRecords(record.Of("hrn", "x"))
	r := newRouter(t, WithGateway(stuck, quick))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := r.Query(ctx, query.New(query.Get, "resource"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, stuck.Interrupts())
	require.Equal(t, 0, quick.Interrupts())
	testutil.RequireRecords(t, []map[string]any{{"hrn": "x"}}, result.Records)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "router", result.Errors[0].Platform)
}

func TestCancellationSparesOtherQueries(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)

	announce := gatewaytest.Announce("resource", "hrn", "hrn")
	announce.Capabilities.Selection = true
	announce.Capabilities.Projection = true
	proc, err := process.New("proc", []gateway.Announce{announce}, process.Config{
		Command: []string{"sh", "-c", `sleep 0.5; echo '{"hrn":"x"}'`},
		Format:  process.FormatJSON,
	})
	require.NoError(t, err)
	r := newRouter(t, WithGateway(proc))

	type outcome struct {
		result *Result
		err    error
	}
	patient := make(chan outcome, 1)
	go func() {
		result, err := r.Query(context.Background(), query.New(query.Get, "resource"))
		patient <- outcome{result, err}
	}()
	require.Eventually(t, func() bool { return proc.Running() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Query(ctx, query.New(query.Get, "resource"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := <-patient
	require.NoError(t, got.err)
	require.Empty(t, got.result.Errors)
	require.Equal(t, CodeSuccess, got.result.Code)
	testutil.RequireRecords(t, []map[string]any{{"hrn": "x"}}, got.result.Records)
}

func TestAliases(t *testing.T) {
	announce := gatewaytest.Announce("resource", "hrn", "hrn", "hostname")
	announce.Aliases = map[string]string{"host": "hostname"}
	gw := gatewaytest.New("legacy", announce).WithRecords(
		record.Of("hrn", "x", "host", "h1"),
		record.Of("hrn", "y", "host", "h2"),
	)

	r := newRouter(t, WithGateway(gw))
	result, err := r.Query(context.Background(), query.New(query.Get, "resource").
		Select("hostname").
		Where(predicate.MustNew("hostname", predicate.Eq, "h1")))
	require.NoError(t, err)
	testutil.RequireRecords(t, []map[string]any{{"hostname": "h1"}}, result.Records)

	native := gw.Queries()[0]
	require.True(t, native.Filter.Has("host"))
	require.False(t, native.Filter.Has("hostname"))
	require.True(t, native.Fields.Has("host"))
}

func TestWritesReachEveryPlatform(t *testing.T) {
	a := gatewaytest.New("a", gatewaytest.Announce("resource", "hrn", "hrn")).WithRecords(record.Of("affected", 1))
	b := gatewaytest.New("b", gatewaytest.Announce("resource", "hrn", "hrn")).WithRecords(record.Of("affected", 2))

	r := newRouter(t, WithGateway(a, b))
	result, err := r.Query(context.Background(), query.New(query.Update, "resource").Set("hrn", "z"))
	require.NoError(t, err)
	testutil.RequireRecords(t, []map[string]any{{"affected": 1}, {"affected": 2}}, result.Records)
}

func TestCacheAnswersNarrowerQuery(t *testing.T) {
	gw := gatewaytest.New("registry", gatewaytest.Announce("resource", "hrn", "hrn", "hostname")).WithRecords(
		record.Of("hrn", "x", "hostname", "h1"),
		record.Of("hrn", "y", "hostname", "h2"),
	)

	targets := policy.Builtins()
	targets[policy.TargetCache] = cache.New()
	engine, err := policy.NewEngine([]policy.Rule{{
		Object: "resource",
		Fields: query.AllFields(),
		Access: policy.ReadWrite,
		Target: policy.TargetCache,
	}}, targets)
	require.NoError(t, err)

	r := newRouter(t, WithGateway(gw), WithPolicy(engine))
	ctx := context.Background()

	result, err := r.Query(ctx, query.New(query.Get, "resource").Select("hrn", "hostname"))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	require.Equal(t, 1, gw.Invocations())

	result, err = r.Query(ctx, query.New(query.Get, "resource").Select("hrn"))
	require.NoError(t, err)
	testutil.RequireRecords(t, []map[string]any{{"hrn": "x"}, {"hrn": "y"}}, result.Records)
	require.Equal(t, 1, gw.Invocations())

	_, err = r.Query(ctx, query.New(query.Delete, "resource").Where(predicate.MustNew("hrn", predicate.Eq, "x")))
	require.NoError(t, err)
	require.Equal(t, 2, gw.Invocations())

	_, err = r.Query(ctx, query.New(query.Get, "resource").Select("hrn"))
	require.NoError(t, err)
	require.Equal(t, 3, gw.Invocations())
}

// countingTarget counts the queries reaching the policy engine.
type countingTarget struct {
	queries atomic.Int32
}

func (c *countingTarget) ProcessQuery(context.Context, *query.Query, query.Annotations) (policy.Decision, policy.Payload) {
	c.queries.Add(1)
	return policy.Continue, policy.Payload{}
}

func (c *countingTarget) ProcessRecord(context.Context, *query.Query, record.Item, query.Annotations) (policy.Decision, policy.Payload) {
	return policy.Continue, policy.Payload{}
}

func TestSingleflight(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)

	gate := make(chan struct{})
	gw := gatewaytest.New("slow", gatewaytest.Announce("resource", "hrn", "hrn")).
		WithRecords(record.Of("hrn", "x")).
		WithGate(gate)

	counter := &countingTarget{}
	engine, err := policy.NewEngine([]policy.Rule{{
		Object: policy.AnyObject,
		Fields: query.AllFields(),
		Access: policy.Read,
		Target: "COUNT",
	}}, map[string]policy.Target{"COUNT": counter})
	require.NoError(t, err)
	r := newRouter(t, WithGateway(gw), WithPolicy(engine), WithSingleflight(true))

	results := make(chan *Result, 2)
	ask := func() {
		result, err := r.Query(context.Background(), query.New(query.Get, "resource"))
		if err != nil {
			result = nil
		}
		results <- result
	}

	go ask()
	require.Eventually(t, func() bool { return gw.Invocations() == 1 }, 5*time.Second, time.Millisecond)
	go ask()
	require.Eventually(t, func() bool { return counter.queries.Load() == 2 }, 5*time.Second, time.Millisecond)

	// The second caller only has the flight key left to compute before joining.
	time.Sleep(20 * time.Millisecond)
	close(gate)

	first, second := <-results, <-results
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.Equal(t, 1, gw.Invocations())
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, testutil.RecordMaps(first.Records), testutil.RecordMaps(second.Records))
	require.Len(t, first.Records, 1)
	require.NotSame(t, first.Records[0], second.Records[0])
}

func TestFlightKey(t *testing.T) {
	q := query.New(query.Get, "resource").Select("hrn")
	require.Equal(t, flightKey(q.WithID()), flightKey(q.WithID()))
	require.NotEqual(t, flightKey(q), flightKey(q.WithAnnotation(query.AnnotationUser, "alice")))
	require.NotEqual(t, flightKey(q), flightKey(q.Select("hostname")))

	exact := q.WithAnnotation(query.AnnotationCache, query.CacheExact)
	require.NotEqual(t, flightKey(q), flightKey(exact))
	require.NotEqual(t, flightKey(exact), flightKey(q.WithAnnotation(query.AnnotationDebug, true)))

	ab := q.WithAnnotation("a", 1).WithAnnotation("b", 2)
	ba := q.WithAnnotation("b", 2).WithAnnotation("a", 1)
	require.Equal(t, flightKey(ab), flightKey(ba))
	require.NotEqual(t, flightKey(ab), flightKey(q.WithAnnotation("a", 2).WithAnnotation("b", 1)))
}

func TestRoutesToUnknownPlatform(t *testing.T) {
	c := metadata.NewCatalog()
	require.NoError(t, c.Register("ghost", gatewaytest.Announce("resource", "hrn", "hrn")))
	_, err := New(WithCatalog(c))
	require.ErrorContains(t, err, "unknown platform")

	gw := gatewaytest.New("a")
	_, err = New(WithGateway(gw, gatewaytest.New("a")))
	require.ErrorContains(t, err, "duplicate platform")
}
