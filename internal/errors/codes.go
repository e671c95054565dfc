package errors

// ErrorCode represents a machine-readable error identifier for API error handling.
type ErrorCode string

// Outbound transport errors (Instagram and gateway HTTP calls)
const (
	// Connection-level failures (DNS, refused, reset)
	ErrCodeConnection ErrorCode = "connection_error"
	ErrCodeTimeout    ErrorCode = "timeout"

	// Upstream response classes
	ErrCodeRateLimited ErrorCode = "rate_limited"
	ErrCodeServerError ErrorCode = "server_error"
	ErrCodeClientError ErrorCode = "client_error"

	// Circuit breaker is open; stop calling until it half-opens
	ErrCodeCircuitOpen ErrorCode = "circuit_open"

	// All hedged siblings were cancelled by the caller
	ErrCodeCancelled ErrorCode = "cancelled"
)

// Scrape pipeline errors
const (
	ErrCodeProfileNotFound  ErrorCode = "profile_not_found"
	ErrCodePrivateProfile   ErrorCode = "private_profile"
	ErrCodeEmptyCookiePool  ErrorCode = "empty_cookie_pool"
	ErrCodeTaskNotFound     ErrorCode = "task_not_found"
	ErrCodeUnexpectedShape  ErrorCode = "unexpected_response_shape"
	ErrCodeBlobStoreFailure ErrorCode = "blob_store_failure"
)

// Validation errors (request input validation)
const (
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidUsername ErrorCode = "invalid_username"
	ErrCodeValidation      ErrorCode = "validation_error"
)

// Billing errors
const (
	ErrCodeTariffNotFound       ErrorCode = "tariff_not_found"
	ErrCodeUserNotFound         ErrorCode = "user_not_found"
	ErrCodeSubscriptionNotFound ErrorCode = "subscription_not_found"
	ErrCodeSubscriptionState    ErrorCode = "invalid_subscription_state"
	ErrCodeGatewayError         ErrorCode = "gateway_error"
	// A declined charge is a business outcome, not a transport failure;
	// it drives failed_attempts and the downgrade cascade.
	ErrCodeGatewayDeclined ErrorCode = "gateway_declined"
	ErrCodeInvalidWebhook  ErrorCode = "invalid_webhook"
	ErrCodeBadSignature    ErrorCode = "bad_signature"
)

// Internal/System errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation
// failures or business outcomes.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeConnection,
		ErrCodeTimeout,
		ErrCodeRateLimited,
		ErrCodeServerError,
		ErrCodeGatewayError:
		return true

	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidUsername,
		ErrCodeValidation,
		ErrCodeInvalidWebhook,
		ErrCodeSubscriptionState:
		return 400

	// 401 Unauthorized - webhook signature mismatch
	case ErrCodeBadSignature:
		return 401

	// 402 Payment Required - declined charges
	case ErrCodeGatewayDeclined:
		return 402

	// 404 Not Found
	case ErrCodeProfileNotFound,
		ErrCodeTaskNotFound,
		ErrCodeTariffNotFound,
		ErrCodeUserNotFound,
		ErrCodeSubscriptionNotFound:
		return 404

	// 422 Unprocessable - upstream said no in a way we cannot work around
	case ErrCodePrivateProfile,
		ErrCodeClientError:
		return 422

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - upstream failures
	case ErrCodeConnection,
		ErrCodeServerError,
		ErrCodeGatewayError,
		ErrCodeUnexpectedShape:
		return 502

	// 503 Service Unavailable - breaker open or pool exhausted
	case ErrCodeCircuitOpen,
		ErrCodeEmptyCookiePool:
		return 503

	// 504 Gateway Timeout
	case ErrCodeTimeout:
		return 504

	// 500 Internal Server Error - system/internal errors
	default:
		return 500
	}
}

// APIError pairs an ErrorCode with a message and optional cause so services
// can classify failures without string matching.
type APIError struct {
	Code    ErrorCode
	Message string
	Status  int // Upstream HTTP status, when the error came from a response
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *APIError) Unwrap() error { return e.Err }

// New builds an APIError with the given code and message.
func New(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, message string, err error) *APIError {
	return &APIError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternalError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrCodeInternalError
}
