package iap

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// CodeInitFailed means the backend rejected initialization. Fatal until
	// the connection is initialized again.
	CodeInitFailed ErrorCode = "INIT_FAILED"
	// CodeDisconnected means the backend dropped or refused the connection.
	// Recoverable through the bounded retry.
	CodeDisconnected ErrorCode = "DISCONNECTED"
	// CodeRetriesExhausted means automatic reconnection gave up. The host
	// must call Connect again.
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	// CodeClosed means the connection was closed by the host and is terminal.
	CodeClosed ErrorCode = "CLOSED"
	// CodeNotInitialized means Connect was called before Initialize.
	CodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// CodeAlreadyAcknowledged is not a failure: the purchase was handled
	// before and is skipped.
	CodeAlreadyAcknowledged ErrorCode = "ALREADY_ACKNOWLEDGED"
	// CodeRejectedByValidator means the host validator returned Invalidated.
	CodeRejectedByValidator ErrorCode = "REJECTED_BY_VALIDATOR"
	// CodeNullValidator means no validator is registered. Orders fail closed.
	CodeNullValidator ErrorCode = "NULL_VALIDATOR"
	// CodeValidatorError means the validator could not reach a verdict.
	CodeValidatorError ErrorCode = "VALIDATOR_ERROR"

	// CodeCompletionFailed means the backend rejected consume or acknowledge.
	CodeCompletionFailed ErrorCode = "COMPLETION_FAILED"
	// CodeProductNotFound means a sku is not in the inventory.
	CodeProductNotFound ErrorCode = "PRODUCT_NOT_FOUND"
	// CodePurchaseFlowFailed means the backend could not run a purchase flow.
	CodePurchaseFlowFailed ErrorCode = "PURCHASE_FLOW_FAILED"
	// CodeUserCancelled means the user backed out of the purchase flow.
	CodeUserCancelled ErrorCode = "USER_CANCELLED"
	// CodePurchaseInProgress means a purchase flow for the sku is still open.
	CodePurchaseInProgress ErrorCode = "PURCHASE_IN_PROGRESS"
)

var (
	// ErrUnknownProductType is wrapped when a product type cannot be mapped.
	// Products of unknown type are kept in the aggregate bucket.
	ErrUnknownProductType = errors.New("unknown product type")

	// ErrMalformedPurchaseState is reported to the host for purchases whose
	// state is Unspecified.
	ErrMalformedPurchaseState = errors.New("malformed purchase state")
)

// ConnectionError reports a failure of the connection to the backend.
type ConnectionError struct {
	Code ErrorCode
	// Attempts is the number of automatic reconnects made, for RetriesExhausted.
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	msg := string(e.Code)
	if e.Code == CodeRetriesExhausted {
		msg = fmt.Sprintf("%s after %d attempts", e.Code, e.Attempts)
	}
	if e.Err != nil {
		return fmt.Sprintf("connection: %s: %v", msg, e.Err)
	}
	return "connection: " + msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError reports why an order did not pass validation.
type ValidationError struct {
	Code  ErrorCode
	Token string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s (token=%s): %v", e.Code, e.Token, e.Err)
	}
	return fmt.Sprintf("validation: %s (token=%s)", e.Code, e.Token)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CompletionError reports a backend failure to consume or acknowledge. The
// purchase stays retryable; the next reconciliation pass picks it up again.
type CompletionError struct {
	// Op is "consume" or "acknowledge".
	Op    string
	Token string
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion: %s failed (token=%s): %v", e.Op, e.Token, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// OrderError reports a failure that is not tied to validation or
// completion, such as a purchase flow that could not start.
type OrderError struct {
	Code ErrorCode
	SKU  string
	Err  error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order: %s (sku=%s): %v", e.Code, e.SKU, e.Err)
	}
	return fmt.Sprintf("order: %s (sku=%s)", e.Code, e.SKU)
}

func (e *OrderError) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from err. Uses errors.As to handle wrapped
// errors. Returns "" when err carries no code.
func CodeOf(err error) ErrorCode {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	var cpe *CompletionError
	if errors.As(err, &cpe) {
		return CodeCompletionFailed
	}
	return ""
}

// IsRetriesExhausted reports whether err is a RetriesExhausted connection error.
func IsRetriesExhausted(err error) bool {
	return CodeOf(err) == CodeRetriesExhausted
}

// IsAlreadyAcknowledged reports whether err marks a purchase that was
// handled before.
func IsAlreadyAcknowledged(err error) bool {
	return CodeOf(err) == CodeAlreadyAcknowledged
}

// IsRetryable reports whether the platform will redeliver the purchase on
// the next reconciliation pass. Completion failures and validator errors
// are retryable; explicit rejections and malformed states are not.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeCompletionFailed, CodeValidatorError, CodeNullValidator, CodeDisconnected:
		return true
	}
	return false
}
