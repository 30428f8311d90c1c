package manifolderrors

import (
	"errors"
	"maps"
)

// HasMetadata indicates that the error has metadata defined.
type HasMetadata interface {
	// DetailsMetadata returns the metadata for details for this error.
	DetailsMetadata() map[string]string
}

// WithAdditionalDetailsError is an error that includes additional details.
type WithAdditionalDetailsError struct {
	error

	// AdditionalDetails is a map of additional details for the error.
	AdditionalDetails map[string]string
}

func NewWithAdditionalDetailsError(err error) *WithAdditionalDetailsError {
	return &WithAdditionalDetailsError{err, nil}
}

// Unwrap returns the inner, wrapped error.
func (err *WithAdditionalDetailsError) Unwrap() error {
	return err.error
}

func (err *WithAdditionalDetailsError) WithAdditionalDetails(key string, value string) *WithAdditionalDetailsError {
	if err.AdditionalDetails == nil {
		err.AdditionalDetails = make(map[string]string)
	}
	err.AdditionalDetails[key] = value
	return err
}

// DetailsMetadata returns the additional details.
func (err *WithAdditionalDetailsError) DetailsMetadata() map[string]string {
	return maps.Clone(err.AdditionalDetails)
}

// DetailsOf returns the metadata attached anywhere in err's chain, merged
// outermost last.
func DetailsOf(err error) map[string]string {
	details := map[string]string{}
	var chain []HasMetadata
	for e := err; e != nil; e = errors.Unwrap(e) {
		if hm, ok := e.(HasMetadata); ok {
			chain = append(chain, hm)
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(details, chain[i].DetailsMetadata())
	}
	return details
}
