// Package operators implements the push-based relational operators the
// router chains between gateways and the result sink. Every operator is a
// record.Stream forwarding into the next stream of the pipeline.
package operators

import (
	goerrors "github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

var droppedRecordsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "manifold",
	Subsystem: "operators",
	Name:      "dropped_records_total",
	Help:      "total number of records dropped after a fault in an operator",
}, []string{"operator"})

// process runs fn on one record. A panic drops the record and is logged;
// the stream goes on with the next record.
func process(operator string, rec *record.Record, fn func() *record.Record) (out *record.Record) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		droppedRecordsCounter.WithLabelValues(operator).Inc()
		logging.Error().
			Str("operator", operator).
			Str("stack", goerrors.Wrap(r, 2).ErrorStack()).
			Msgf("dropping record after fault: %v", r)
		out = nil
	}()
	return fn()
}

// forward sends item to next unless it is a data item without a record.
func forward(next record.Stream, item record.Item) error {
	if !item.Last && item.Record == nil {
		return nil
	}
	return next.Send(item)
}

// Selection forwards the records matching its filter.
type Selection struct {
	filter predicate.Filter
	next   record.Stream
}

func NewSelection(filter predicate.Filter, next record.Stream) *Selection {
	return &Selection{filter: filter, next: next}
}

func (s *Selection) Send(item record.Item) error {
	if item.Last || record.IsError(item.Record) || s.filter.IsEmpty() {
		return s.next.Send(item)
	}

	rec := process("selection", item.Record, func() *record.Record {
		if s.filter.Match(item.Record) {
			return item.Record
		}
		return nil
	})
	return forward(s.next, record.Data(rec))
}

// Projection keeps only the selected fields of each record. The wildcard
// passes records through unchanged.
type Projection struct {
	fields []string
	next   record.Stream
}

func NewProjection(fields query.Fields, next record.Stream) *Projection {
	p := &Projection{next: next}
	if !fields.IsStar() && !fields.IsEmpty() {
		p.fields = fields.List()
	}
	return p
}

func (p *Projection) Send(item record.Item) error {
	if item.Last || record.IsError(item.Record) || p.fields == nil {
		return p.next.Send(item)
	}

	rec := process("projection", item.Record, func() *record.Record {
		return record.Project(item.Record, p.fields)
	})
	return forward(p.next, record.Data(rec))
}

// Rename rewrites field names of each record using an alias map
// (old -> new). Records are renamed in place.
type Rename struct {
	aliases map[string]string
	next    record.Stream
}

func NewRename(aliases map[string]string, next record.Stream) *Rename {
	return &Rename{aliases: aliases, next: next}
}

func (r *Rename) Send(item record.Item) error {
	if item.Last || record.IsError(item.Record) || len(r.aliases) == 0 {
		return r.next.Send(item)
	}

	rec := process("rename", item.Record, func() *record.Record {
		return record.Rename(item.Record, r.aliases)
	})
	return forward(r.next, record.Data(rec))
}

// Func applies fn to every record. A nil result drops the record.
type Func struct {
	name string
	fn   func(*record.Record) *record.Record
	next record.Stream
}

func NewFunc(name string, fn func(*record.Record) *record.Record, next record.Stream) *Func {
	return &Func{name: name, fn: fn, next: next}
}

func (f *Func) Send(item record.Item) error {
	if item.Last || record.IsError(item.Record) {
		return f.next.Send(item)
	}

	rec := process(f.name, item.Record, func() *record.Record {
		return f.fn(item.Record)
	})
	return forward(f.next, record.Data(rec))
}
