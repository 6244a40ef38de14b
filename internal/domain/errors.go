package domain

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with fmt.Errorf("...: %w")
// and classify with errors.Is.
var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrInvalidToken         = errors.New("invalid token")
	ErrAlreadyAuthenticated = errors.New("connection already authenticated as another user")
	ErrValidation           = errors.New("validation failed")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrUpstream             = errors.New("upstream failure")
	ErrPersistence          = errors.New("persistence failure")
	ErrRateLimited          = errors.New("rate limited")
)

// Wire error codes.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidToken    = "invalid_token"
	CodeValidation      = "validation_error"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeUpstream        = "upstream_failure"
	CodePersistence     = "persistence_failure"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAlreadyAuthenticated):
		return CodeInvalidToken
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUpstream):
		return CodeUpstream
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}
