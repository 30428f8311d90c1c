// Package policy implements the rule engine intercepting queries before
// dispatch and records after production.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// Decision is the outcome of a target for one query or record.
type Decision int

const (
	// Accept stops evaluation and proceeds normally.
	Accept Decision = iota

	// Rewrite replaces the query or record with the payload and restarts
	// evaluation.
	Rewrite

	// Records short-circuits dispatch and returns the payload records.
	Records

	// Denied stops evaluation and refuses the query or drops the record.
	Denied

	// Error stops evaluation with the payload error.
	Error

	// Continue defers to the next rule.
	Continue
)

var decisionNames = map[Decision]string{
	Accept:   "ACCEPT",
	Rewrite:  "REWRITE",
	Records:  "RECORDS",
	Denied:   "DENIED",
	Error:    "ERROR",
	Continue: "CONTINUE",
}

func (d Decision) String() string {
	if name, ok := decisionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Payload carries the data attached to a decision.
type Payload struct {
	// Query replaces the query on Rewrite, and holds the final query on
	// Accept.
	Query *query.Query

	// Record replaces the record on Rewrite.
	Record *record.Record

	// Records is the result returned on Records.
	Records []*record.Record

	// Err is set on Denied and Error.
	Err error
}

// Target is the action a rule applies to the queries and records it
// matches.
type Target interface {
	// ProcessQuery is called before dispatch.
	ProcessQuery(ctx context.Context, q *query.Query, ann query.Annotations) (Decision, Payload)

	// ProcessRecord is called for every item produced for q, including the
	// sentinel.
	ProcessRecord(ctx context.Context, q *query.Query, item record.Item, ann query.Annotations) (Decision, Payload)
}

// ErrRewriteLoop is returned when targets keep rewriting a query.
var ErrRewriteLoop = errors.New("too many policy rewrites")

// DeniedError is returned when a rule refuses a query.
type DeniedError struct {
	Object string
	Target string
	Rule   int
}

func (err DeniedError) Error() string {
	return fmt.Sprintf("access to %q denied by rule #%d (%s)", err.Object, err.Rule, err.Target)
}

// IsDenied returns true if err wraps a DeniedError.
func IsDenied(err error) bool {
	var de DeniedError
	return errors.As(err, &de)
}
