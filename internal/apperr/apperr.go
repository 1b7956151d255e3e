// Package apperr classifies billing errors so transports can map them without
// knowing every domain sentinel.
package apperr

import "errors"

type Kind string

const (
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindAuthenticity        Kind = "authenticity"
	KindNotFound            Kind = "not_found"
)

// Error is a sentinel carrying a kind and a stable snake_case code.
type Error struct {
	Kind Kind
	Code string
}

func (e *Error) Error() string { return e.Code }

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind, true
	}
	return "", false
}

// CodeOf returns the code of the first classified error in the chain.
func CodeOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
