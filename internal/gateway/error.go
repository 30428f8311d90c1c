package gateway

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/onelab/manifold/pkg/record"
)

// Error is the failure of one platform. It travels in-band as an error
// record and never aborts sibling platforms.
type Error struct {
	Platform    string `json:"platform"`
	Origin      string `json:"origin"`
	Description string `json:"description"`
	Retryable   bool   `json:"retryable"`
	Trace       string `json:"trace,omitempty"`
}

func (e *Error) Error() string {
	if e.Origin != "" && e.Origin != e.Platform {
		return fmt.Sprintf("%s (%s): %s", e.Platform, e.Origin, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Description)
}

// Retryable is implemented by errors that know whether a retry may
// succeed.
type Retryable interface {
	Retryable() bool
}

// NewError converts err into an Error attributed to platform.
func NewError(platform string, err error) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		cp := *gwErr
		if cp.Platform == "" {
			cp.Platform = platform
		}
		return &cp
	}

	var retryable Retryable
	return &Error{
		Platform:    platform,
		Origin:      platform,
		Description: err.Error(),
		Retryable:   errors.As(err, &retryable) && retryable.Retryable(),
	}
}

// ToRecord encodes the error as an in-band error record.
func (e *Error) ToRecord() *record.Record {
	rec := record.NewError(e.Origin, e.Description, e.Retryable)
	if e.Platform != "" {
		rec.Set("platform", e.Platform)
	}
	if e.Trace != "" {
		rec.Set(record.FieldTrace, e.Trace)
	}
	return rec
}

// FromRecord decodes an error record.
func FromRecord(rec *record.Record) *Error {
	e := &Error{
		Platform:    rec.StringField("platform"),
		Origin:      rec.StringField(record.FieldOrigin),
		Description: rec.StringField(record.FieldDescription),
		Trace:       rec.StringField(record.FieldTrace),
	}
	if v, ok := rec.Get(record.FieldRetryable); ok {
		e.Retryable, _ = v.Scalar().(bool)
	}
	if e.Platform == "" {
		e.Platform = e.Origin
	}
	return e
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (e *Error) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("platform", e.Platform).
		Str("origin", e.Origin).
		Str("description", e.Description).
		Bool("retryable", e.Retryable)
}
