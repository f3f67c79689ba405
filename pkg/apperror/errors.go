package apperror

import (
	"fmt"
)

// AppError is a structured SDK error. Title and Message are safe to render to the
// user as a dismissible alert; Err carries the internal cause for logging only.
type AppError struct {
	Code        string `json:"error_code"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Recoverable bool   `json:"-"` // true when the flow recovers without user action
	Err         error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// UserFacing returns the alert title and message for the UI layer.
func (e *AppError) UserFacing() (title, message string) {
	return e.Title, e.Message
}

// New creates a new AppError.
func New(code, title, message string) *AppError {
	return &AppError{Code: code, Title: title, Message: message}
}

// Wrap attaches an internal cause to a new AppError.
func Wrap(code, title, message string, err error) *AppError {
	return &AppError{Code: code, Title: title, Message: message, Err: err}
}

// ---- Authentication (AUTH) ----

func ErrUnauthorized(err error) *AppError {
	return Wrap("AUTH_001", "Session expired", "Please sign in again to continue.", err)
}

func ErrTokenRefreshFailed(err error) *AppError {
	return Wrap("AUTH_002", "Connection problem", "We could not refresh your credentials.", err)
}

// ---- Commerce session (SESSION) ----

func ErrSessionNotFound(id string) *AppError {
	return New("SESSION_001", "Payment unavailable", fmt.Sprintf("Commerce session %s was not found.", id))
}

func ErrSessionCreateFailed(err error) *AppError {
	return Wrap("SESSION_002", "Payment unavailable", "We could not start this payment. Please try again.", err)
}

func ErrSessionCloseFailed(err error) *AppError {
	return Wrap("SESSION_003", "Something went wrong", "We could not cancel this payment.", err)
}

// ErrAssetNotEligible is recovered locally via asset fallback; it is logged, never
// rendered as a blocking alert.
func ErrAssetNotEligible(assetID string, err error) *AppError {
	e := Wrap("SESSION_004", "Asset unavailable", fmt.Sprintf("Asset %s cannot fund this payment.", assetID), err)
	e.Recoverable = true
	return e
}

func ErrApprovalFailed(err error) *AppError {
	return Wrap("SESSION_005", "Payment failed", "The payment could not be authorized.", err)
}

// ---- Signing (SIGN) ----

func ErrSigningFailed(err error) *AppError {
	return Wrap("SIGN_001", "Transaction failed", "Your wallet could not sign the transaction.", err)
}

// ---- Stream (STREAM) ----

func ErrStreamClosed(err error) *AppError {
	e := Wrap("STREAM_001", "Connection lost", "Reconnecting to the payment service.", err)
	e.Recoverable = true
	return e
}

// ---- System (SYS) ----

func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Something went wrong", "An unexpected error occurred.", err)
}

func ErrStorageFailure(err error) *AppError {
	return Wrap("SYS_002", "Something went wrong", "Saved payment state could not be read.", err)
}
