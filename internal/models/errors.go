package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the classified failure category carried on job results and
// export summaries. Every terminal failure maps to exactly one kind.
type ErrorKind string

const (
	ErrAssetExpired    ErrorKind = "asset_expired"    // upstream input no longer resolvable — regenerate it
	ErrProviderGeneric ErrorKind = "provider_generic" // transient or parameter-shape failure
	ErrMalformed       ErrorKind = "malformed_response"
	ErrEncoding        ErrorKind = "encoding_failure"
	ErrConcatenation   ErrorKind = "concatenation_failure"
)

// AssetExpiredError means the upstream reported a referenced input asset
// (typically an image) as gone. Switching backends cannot fix this — the
// caller has to regenerate the input asset.
type AssetExpiredError struct {
	Ref string
}

func (e *AssetExpiredError) Error() string {
	return fmt.Sprintf("input asset expired upstream: %s", e.Ref)
}

// MalformedResponseError carries an excerpt of the raw payload the core could
// not parse, for diagnosis. Never silently coerced.
type MalformedResponseError struct {
	Excerpt string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed provider response: %v (payload: %s)", e.Err, e.Excerpt)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// EncodingError means the encoding backend failed for one segment: exec
// returned non-zero or the requested output came back empty.
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding failed during %s: %v", e.Op, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// ConcatenationError means an intermediate clip was missing at concatenation
// time. This indicates an invariant violation upstream and aborts the export.
type ConcatenationError struct {
	Clip string
	Err  error
}

func (e *ConcatenationError) Error() string {
	return fmt.Sprintf("concatenation failed (clip %s): %v", e.Clip, e.Err)
}

func (e *ConcatenationError) Unwrap() error { return e.Err }

// Classify maps an error to its taxonomy kind. Anything unrecognized is a
// generic provider failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var expired *AssetExpiredError
	if errors.As(err, &expired) {
		return ErrAssetExpired
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return ErrMalformed
	}
	var encoding *EncodingError
	if errors.As(err, &encoding) {
		return ErrEncoding
	}
	var concat *ConcatenationError
	if errors.As(err, &concat) {
		return ErrConcatenation
	}
	return ErrProviderGeneric
}
