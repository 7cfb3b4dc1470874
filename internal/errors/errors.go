// Package errors defines the relay's error taxonomy and its HTTP mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/purchase-relay/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents bad or malformed input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryEligibility represents policy rejections: already purchased,
	// rate limited, invalid referral (4xx)
	CategoryEligibility ErrorCategory = "eligibility"
	// CategoryPaymentVerification represents gateway signature or amount failures;
	// the webhook surface answers these with a literal "fail" body
	CategoryPaymentVerification ErrorCategory = "payment_verification"
	// CategoryChainSubmission represents extrinsic dispatch errors and node rejections (5xx)
	CategoryChainSubmission ErrorCategory = "chain_submission"
	// CategoryInsufficientGas represents an under-funded maker account; the relay
	// refuses to submit but the order stays retryable
	CategoryInsufficientGas ErrorCategory = "insufficient_gas"
	// CategoryStore represents store I/O failures (5xx)
	CategoryStore ErrorCategory = "store"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
		Message:    message,
	}
}

// NewEligibilityError creates an eligibility error with a reason code,
// e.g. "already purchased" or "rate limited"
func NewEligibilityError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusForbidden,
		Code:       "ELIGIBILITY_ERROR",
		Message:    reason,
	}
}

// NewPaymentVerificationError creates a payment verification error
func NewPaymentVerificationError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPaymentVerification,
		StatusCode: http.StatusBadRequest,
		Code:       "PAYMENT_VERIFICATION_ERROR",
		Message:    message,
	}
}

// NewChainSubmissionError creates a chain submission error. moduleError carries
// the decoded dispatch error when the node reported one.
func NewChainSubmissionError(message string, moduleError string, cause error) *CategorizedError {
	details := map[string]interface{}{}
	if moduleError != "" {
		details["moduleError"] = moduleError
	}
	return &CategorizedError{
		Category:   CategoryChainSubmission,
		StatusCode: http.StatusInternalServerError,
		Code:       "CHAIN_SUBMISSION_ERROR",
		Message:    message,
		Details:    details,
		Cause:      cause,
	}
}

// NewInsufficientGasError creates an insufficient gas error
func NewInsufficientGasError(balance, required uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInsufficientGas,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "INSUFFICIENT_GAS",
		Message:    "maker balance below fee reserve",
		Details: map[string]interface{}{
			"balance":  balance,
			"required": required,
		},
	}
}

// NewStoreError creates a store I/O error
func NewStoreError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStore,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORE_ERROR",
		Message:    fmt.Sprintf("store error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return &CategorizedError{
		Category:   CategoryStore,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "unexpected error",
		Cause:      err,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, category ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == category
}

// IsRetryable determines if an error is retryable. Validation, eligibility and
// payment-verification failures never retry; store, chain-submission and
// insufficient-gas failures may succeed on a later attempt.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryStore, CategoryChainSubmission, CategoryInsufficientGas:
		return true
	default:
		return false
	}
}
