package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// MaxRewrites bounds the number of consecutive rewrites of one query or
// record.
const MaxRewrites = 5

var tracer = otel.Tracer("manifold/internal/policy")

var decisionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "manifold",
	Subsystem: "policy",
	Name:      "query_decisions_total",
	Help:      "total number of policy decisions taken on queries",
}, []string{"decision"})

// Engine evaluates rules in declaration order. Its rule set is immutable.
type Engine struct {
	rules   []Rule
	targets map[string]Target
}

// NewEngine validates the rules and binds them to their targets.
func NewEngine(rules []Rule, targets map[string]Target) (*Engine, error) {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule #%d: %w", i, err)
		}
		if _, ok := targets[r.Target]; !ok {
			return nil, fmt.Errorf("rule #%d uses unknown target %q (known: %v)", i, r.Target, slices.Sorted(maps.Keys(targets)))
		}
	}
	return &Engine{rules: slices.Clone(rules), targets: maps.Clone(targets)}, nil
}

// Rules returns the rules of the engine.
func (e *Engine) Rules() []Rule { return slices.Clone(e.rules) }

// FilterQuery runs the query through the rules. On Accept, the payload holds
// the query to dispatch, possibly rewritten.
func (e *Engine) FilterQuery(ctx context.Context, q *query.Query) (Decision, Payload) {
	ctx, span := tracer.Start(ctx, "FilterQuery")
	defer span.End()

	decision, payload := e.filterQuery(ctx, q)
	decisionsCounter.WithLabelValues(decision.String()).Inc()
	span.SetAttributes(attribute.String("decision", decision.String()))
	return decision, payload
}

func (e *Engine) filterQuery(ctx context.Context, q *query.Query) (Decision, Payload) {
	current := q
	for rewrites := 0; ; rewrites++ {
		decision, payload, ruleIndex := e.evaluateQuery(ctx, current)
		switch decision {
		case Rewrite:
			if rewrites >= MaxRewrites {
				return Error, Payload{Err: fmt.Errorf("%w on %q", ErrRewriteLoop, q.Object)}
			}
			if payload.Query == nil {
				return Error, Payload{Err: fmt.Errorf("rule #%d rewrote %q without a query", ruleIndex, q.Object)}
			}
			logging.Ctx(ctx).Debug().Int("rule", ruleIndex).Object("query", payload.Query).Msg("query rewritten")
			current = payload.Query

		case Denied:
			if payload.Err == nil {
				payload.Err = DeniedError{Object: current.Object, Target: e.rules[ruleIndex].Target, Rule: ruleIndex}
			}
			return Denied, payload

		case Error:
			if payload.Err == nil {
				payload.Err = fmt.Errorf("rule #%d failed on %q", ruleIndex, current.Object)
			}
			return Error, payload

		case Records:
			return Records, payload

		default:
			return Accept, Payload{Query: current}
		}
	}
}

func (e *Engine) evaluateQuery(ctx context.Context, q *query.Query) (Decision, Payload, int) {
	for i, r := range e.rules {
		if !r.Matches(q) {
			continue
		}
		decision, payload := e.targets[r.Target].ProcessQuery(ctx, q, q.Annotations)
		logging.Ctx(ctx).Trace().Int("rule", i).Object("rule_def", r).Stringer("decision", decision).Msg("rule evaluated")
		if decision != Continue {
			return decision, payload, i
		}
	}
	return Accept, Payload{}, -1
}

// FilterRecord runs one produced item through the rules matching q. On
// Accept, the payload holds the record to forward; on Denied the record is
// dropped. Sentinels are always accepted, after the targets saw them.
func (e *Engine) FilterRecord(ctx context.Context, q *query.Query, item record.Item) (Decision, Payload) {
	current := item
	for rewrites := 0; ; rewrites++ {
		decision, payload := e.evaluateRecord(ctx, q, current)
		if current.Last {
			return Accept, Payload{}
		}

		switch decision {
		case Rewrite:
			if rewrites >= MaxRewrites || payload.Record == nil {
				return Error, Payload{Err: fmt.Errorf("%w on a record of %q", ErrRewriteLoop, q.Object)}
			}
			current = record.Data(payload.Record)

		case Denied, Error, Records:
			return decision, payload

		default:
			return Accept, Payload{Record: current.Record}
		}
	}
}

func (e *Engine) evaluateRecord(ctx context.Context, q *query.Query, item record.Item) (Decision, Payload) {
	for _, r := range e.rules {
		if !r.Matches(q) {
			continue
		}
		decision, payload := e.targets[r.Target].ProcessRecord(ctx, q, item, q.Annotations)
		if decision != Continue {
			return decision, payload
		}
	}
	return Accept, Payload{}
}
