package apperrors

import (
	"errors"
	"fmt"
)

// UpstreamKind classifies an upstream failure.
type UpstreamKind int

const (
	KindTransient UpstreamKind = iota
	KindAuth
	KindPermanent
)

// String returns the label used in logs and metrics.
func (k UpstreamKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// UpstreamError is a classified failure returned by the upstream client.
// Code and Subcode carry the vendor error code when the response had one.
type UpstreamError struct {
	Kind       UpstreamKind
	Operation  string
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	TraceID    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s upstream error in %s (status %d, code %d/%d): %s", e.Kind, e.Operation, e.StatusCode, e.Code, e.Subcode, msg)
	}
	return fmt.Sprintf("%s upstream error in %s (status %d): %s", e.Kind, e.Operation, e.StatusCode, msg)
}

// Unwrap returns the underlying transport error, if any.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrTransientUpstream:
		return e.Kind == KindTransient
	case ErrAuthFailure:
		return e.Kind == KindAuth
	case ErrPermanentUpstream:
		return e.Kind == KindPermanent
	}
	return false
}

// IsSearchMiss reports whether a permanent error means the queried object does
// not exist upstream (invalid parameter / unknown object), as opposed to a
// policy or permission denial.
func (e *UpstreamError) IsSearchMiss() bool {
	if e.Kind != KindPermanent {
		return false
	}
	return e.StatusCode == 404 || e.Code == 100 || e.Code == 803 || e.Subcode == 33
}

// AsUpstream extracts an *UpstreamError from err.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// AuthFailure aborts an enrichment batch after the upstream rejected the
// access token. Only the token fingerprint is kept.
type AuthFailure struct {
	Provider    string
	Fingerprint string
	Code        int
	Subcode     int
	Err         error
}

// Error implements the error interface.
func (e *AuthFailure) Error() string {
	return fmt.Sprintf("auth failure for %s token %s (vendor code %d/%d): %v", e.Provider, e.Fingerprint, e.Code, e.Subcode, e.Err)
}

// Unwrap returns the upstream error that triggered the abort.
func (e *AuthFailure) Unwrap() error {
	return e.Err
}

// Is matches ErrAuthFailure.
func (e *AuthFailure) Is(target error) bool {
	return target == ErrAuthFailure
}

// NewAuthFailure builds an AuthFailure from the triggering error, copying the
// vendor codes when err is an UpstreamError.
func NewAuthFailure(provider, fingerprint string, err error) *AuthFailure {
	af := &AuthFailure{Provider: provider, Fingerprint: fingerprint, Err: err}
	if ue, ok := AsUpstream(err); ok {
		af.Code = ue.Code
		af.Subcode = ue.Subcode
	}
	return af
}
