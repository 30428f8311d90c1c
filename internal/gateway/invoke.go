package gateway

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/query"
)

var tracer = otel.Tracer("manifold/internal/gateway")

var invocationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "manifold",
	Subsystem: "gateway",
	Name:      "invocation_duration_seconds",
	Help:      "A histogram of the time spent in gateway methods.",
}, []string{"platform", "action"})

var panicCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "manifold",
	Subsystem: "gateway",
	Name:      "panics_total",
	Help:      "total number of gateway invocations that panicked",
}, []string{"platform"})

// Invoke calls the gateway method for the packet's action. A panic in the
// gateway is converted into an error record followed by the sentinel.
func Invoke(ctx context.Context, gw Gateway, p *Packet) {
	action := p.Query().Action
	ctx, span := tracer.Start(ctx, "gateway."+string(action), trace.WithAttributes(
		attribute.String("platform", gw.Name()),
		attribute.String("object", p.Query().Object),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		invocationHistogram.WithLabelValues(gw.Name(), string(action)).Observe(time.Since(start).Seconds())

		r := recover()
		if r == nil {
			return
		}
		panicCounter.WithLabelValues(gw.Name()).Inc()
		wrapped := goerrors.Wrap(r, 2)
		logging.Ctx(ctx).Error().
			Str("platform", gw.Name()).
			Str("stack", wrapped.ErrorStack()).
			Msgf("gateway panicked: %v", r)
		span.RecordError(wrapped)

		if p.IsLast() {
			return
		}
		p.Fail(&Error{
			Platform:    gw.Name(),
			Origin:      gw.Name(),
			Description: fmt.Sprintf("gateway panicked: %v", r),
			Trace:       wrapped.ErrorStack(),
		})
	}()

	switch action {
	case query.Get:
		gw.Get(ctx, p)
	case query.Create:
		gw.Create(ctx, p)
	case query.Update:
		gw.Update(ctx, p)
	case query.Delete:
		gw.Delete(ctx, p)
	case query.Execute:
		gw.Execute(ctx, p)
	default:
		p.Fail(&Error{
			Platform:    gw.Name(),
			Origin:      gw.Name(),
			Description: fmt.Sprintf("unsupported action %q", action),
		})
	}
}

// Unsupported is a helper for gateways that do not implement an action.
func Unsupported(p *Packet) {
	p.Fail(&Error{
		Platform:    p.Platform(),
		Origin:      p.Platform(),
		Description: fmt.Sprintf("action %q is not supported on %q", p.Query().Action, p.Query().Object),
	})
}
