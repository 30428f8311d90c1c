package router

import (
	"github.com/rs/zerolog"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/pkg/record"
)

// Code is the overall outcome of a query.
type Code int

const (
	// CodeSuccess means every platform answered without error.
	CodeSuccess Code = iota

	// CodeWarning means some platforms failed but records were produced.
	CodeWarning

	// CodeError means only errors were produced, or the query was refused.
	CodeError
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeWarning:
		return "warning"
	default:
		return "error"
	}
}

// Result is the outcome of one query: best-effort partial records and the
// failures of the platforms that did not answer.
type Result struct {
	Code    Code
	Records []*record.Record
	Errors  []*gateway.Error
}

// Success returns true unless the result holds only errors.
func (r *Result) Success() bool { return r.Code != CodeError }

func (r *Result) add(rec *record.Record) {
	if record.IsError(rec) {
		r.Errors = append(r.Errors, gateway.FromRecord(rec))
		return
	}
	r.Records = append(r.Records, rec)
}

func (r *Result) finish() *Result {
	switch {
	case len(r.Errors) == 0:
		r.Code = CodeSuccess
	case len(r.Records) > 0:
		r.Code = CodeWarning
	default:
		r.Code = CodeError
	}
	return r
}

func (r *Result) clone() *Result {
	cp := &Result{Code: r.Code, Errors: r.Errors}
	cp.Records = make([]*record.Record, 0, len(r.Records))
	for _, rec := range r.Records {
		cp.Records = append(cp.Records, rec.Clone())
	}
	return cp
}

func (r *Result) MarshalZerologObject(e *zerolog.Event) {
	e.Stringer("code", r.Code).
		Int("records", len(r.Records)).
		Int("errors", len(r.Errors))
}

func resultOf(recs []*record.Record) *Result {
	r := &Result{}
	for _, rec := range recs {
		r.add(rec)
	}
	return r.finish()
}
