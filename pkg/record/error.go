package record

// Field names of the in-band error record.
const (
	FieldKind        = "kind"
	FieldOrigin      = "origin"
	FieldDescription = "description"
	FieldRetryable   = "retryable"
	FieldTrace       = "trace"

	// KindError is the value of FieldKind on error records.
	KindError = "ERROR"
)

// NewError builds an error record. Gateways emit one before their sentinel
// instead of failing the stream.
func NewError(origin, description string, retryable bool) *Record {
	return Of(
		FieldKind, KindError,
		FieldOrigin, origin,
		FieldDescription, description,
		FieldRetryable, retryable,
	)
}

// IsError returns true if the record is an in-band error record.
func IsError(r *Record) bool {
	v, ok := r.Get(FieldKind)
	if !ok {
		return false
	}
	kind, ok := v.Scalar().(string)
	return ok && kind == KindError
}

// StringField returns a top-level scalar string field, or "".
func (r *Record) StringField(key string) string {
	v, ok := r.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.Scalar().(string)
	return s
}
