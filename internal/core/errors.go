package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies one entry of the hub's error taxonomy. Codes are
// stable API surface: satellites branch on them.
type ErrorCode string

const (
	// Input
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeUnknownAction ErrorCode = "UNKNOWN_ACTION"
	CodeUnknownPack   ErrorCode = "UNKNOWN_PACK"

	// Authentication
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeExpiredToken      ErrorCode = "EXPIRED_TOKEN"
	CodeInsufficientScope ErrorCode = "INSUFFICIENT_SCOPE"

	// Rate limiting
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	CodeBlocked     ErrorCode = "BLOCKED"

	// Business
	CodeInsufficientEnergy ErrorCode = "INSUFFICIENT_ENERGY"
	CodeAlreadyRefunded    ErrorCode = "ALREADY_REFUNDED"
	CodeRefundNotEligible  ErrorCode = "REFUND_NOT_ELIGIBLE"
	CodePurchaseForbidden  ErrorCode = "PURCHASE_FORBIDDEN"

	// Concurrency
	CodeConcurrencyExhausted ErrorCode = "CONCURRENCY_EXHAUSTED"

	// Upstream
	CodeEventStoreUnavailable ErrorCode = "EVENT_STORE_UNAVAILABLE"
	CodeCacheUnavailable      ErrorCode = "CACHE_UNAVAILABLE"
	CodePaymentProviderError  ErrorCode = "PAYMENT_PROVIDER_ERROR"
	CodeLLMUnavailable        ErrorCode = "LLM_UNAVAILABLE"
	CodeUpstreamUnavailable   ErrorCode = "UPSTREAM_UNAVAILABLE"

	// Internal
	CodeInternal ErrorCode = "INTERNAL"
)

// Category groups codes for the HTTP envelope's "type" field.
type Category string

const (
	CategoryInput       Category = "input"
	CategoryAuth        Category = "authentication"
	CategoryRateLimit   Category = "rate_limit"
	CategoryBusiness    Category = "business"
	CategoryConcurrency Category = "concurrency"
	CategoryUpstream    Category = "upstream"
	CategoryInternal    Category = "internal"
)

// HubError is the sum-typed result carried from domain code to the HTTP
// layer, where it maps onto the structured error envelope.
type HubError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Details  map[string]interface{}
	cause    error
}

func (e *HubError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HubError) Unwrap() error { return e.cause }

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *HubError) WithDetail(key string, value interface{}) *HubError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error.
func (e *HubError) WithCause(err error) *HubError {
	e.cause = err
	return e
}

// NewError builds a HubError with an inferred category.
func NewError(code ErrorCode, msg string) *HubError {
	return &HubError{Code: code, Category: categoryOf(code), Message: msg}
}

func NewErrorf(code ErrorCode, format string, args ...interface{}) *HubError {
	return NewError(code, fmt.Sprintf(format, args...))
}

func categoryOf(code ErrorCode) Category {
	switch code {
	case CodeInvalidInput, CodeUnknownAction, CodeUnknownPack:
		return CategoryInput
	case CodeUnauthenticated, CodeInvalidToken, CodeExpiredToken, CodeInsufficientScope:
		return CategoryAuth
	case CodeRateLimited, CodeBlocked:
		return CategoryRateLimit
	case CodeInsufficientEnergy, CodeAlreadyRefunded, CodeRefundNotEligible, CodePurchaseForbidden:
		return CategoryBusiness
	case CodeConcurrencyExhausted:
		return CategoryConcurrency
	case CodeEventStoreUnavailable, CodeCacheUnavailable, CodePaymentProviderError,
		CodeLLMUnavailable, CodeUpstreamUnavailable:
		return CategoryUpstream
	default:
		return CategoryInternal
	}
}

// CodeOf extracts the taxonomy code from any error chain; unknown errors
// collapse to INTERNAL.
func CodeOf(err error) ErrorCode {
	var he *HubError
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ErrInsufficientEnergy builds the business error carrying the data the
// client needs to act (deficit, suggested pack).
func ErrInsufficientEnergy(required, current float64, suggestedPack string) *HubError {
	deficit := required - current
	if deficit < 0 {
		deficit = 0
	}
	e := NewErrorf(CodeInsufficientEnergy, "insufficient energy: need %.0f, have %.0f", required, current)
	e.WithDetail("required", required)
	e.WithDetail("current", current)
	e.WithDetail("deficit", deficit)
	if suggestedPack != "" {
		e.WithDetail("suggested_pack", suggestedPack)
	}
	return e
}

// ErrUnknownAction is returned when an action name is not in the catalog.
func ErrUnknownAction(action string) *HubError {
	return NewErrorf(CodeUnknownAction, "unknown action %q", action).WithDetail("action", action)
}

// ErrConcurrencyExhausted is surfaced after optimistic-update retries run out.
func ErrConcurrencyExhausted(userID string) *HubError {
	return NewErrorf(CodeConcurrencyExhausted, "conditional update on user %s kept conflicting", userID)
}
