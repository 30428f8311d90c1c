package policy

import (
	"context"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// Names of the built-in targets.
const (
	TargetDrop  = "DROP"
	TargetLog   = "LOG"
	TargetCache = "CACHE"
)

// Builtins returns the stateless built-in targets, by name. The cache
// target is stateful and is added by whoever builds the router.
func Builtins() map[string]Target {
	return map[string]Target{
		TargetDrop: DropTarget{},
		TargetLog:  LogTarget{},
	}
}

// DropTarget refuses the queries and drops the records it matches.
type DropTarget struct{}

func (DropTarget) ProcessQuery(context.Context, *query.Query, query.Annotations) (Decision, Payload) {
	return Denied, Payload{}
}

func (DropTarget) ProcessRecord(context.Context, *query.Query, record.Item, query.Annotations) (Decision, Payload) {
	return Denied, Payload{}
}

// LogTarget logs the queries it matches and lets evaluation continue.
type LogTarget struct{}

func (LogTarget) ProcessQuery(ctx context.Context, q *query.Query, ann query.Annotations) (Decision, Payload) {
	logging.Ctx(ctx).Info().
		Object("query", q).
		Str("user", ann.UserID()).
		Msg("policy log")
	return Continue, Payload{}
}

func (LogTarget) ProcessRecord(ctx context.Context, q *query.Query, item record.Item, _ query.Annotations) (Decision, Payload) {
	if item.Last {
		logging.Ctx(ctx).Debug().Str("query_id", q.ID).Msg("policy log: end of records")
	}
	return Continue, Payload{}
}
