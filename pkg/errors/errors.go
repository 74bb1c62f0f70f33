// Package errors provides standardized error types for the SQL gateway.
package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error codes for the guarded execution pipeline.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeParseFailed       = "PARSE_FAILED"
	CodePolicyRejected    = "POLICY_REJECTED"
	CodeExecutionFailed   = "EXECUTION_FAILED"
	CodeAcquisitionFailed = "ACQUISITION_FAILED"
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

// Caller-facing messages. Root causes never leave the process.
const (
	MsgReadOnlyPolicy   = "Only SELECT, SHOW, or DESCRIBE statements are allowed."
	MsgQueryError       = "query execution error"
	MsgExecutionError   = "error executing query"
	MsgToolExecuteError = "Error executing query"
)

// GatewayError represents a gateway error with code, message, and optional details.
type GatewayError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches on the error code.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *GatewayError) WithDetail(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrEmptyQuery     = &GatewayError{Code: CodeParseFailed, Message: "no statement found in query text"}
	ErrPolicyRejected = &GatewayError{Code: CodePolicyRejected, Message: MsgReadOnlyPolicy}
	ErrPoolClosed     = &GatewayError{Code: CodeUnavailable, Message: "connection pool is closed"}
	ErrNoTransaction  = &GatewayError{Code: CodeInternal, Message: "no transaction in progress"}
)

// New creates a new GatewayError with the given code and message.
func New(code, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a GatewayError.
func Wrap(err error, code, message string) *GatewayError {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *GatewayError {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsParseError reports whether err is a classification parse failure.
func IsParseError(err error) bool {
	return GetCode(err) == CodeParseFailed
}

// IsPolicyRejection reports whether err is a read-only policy rejection.
func IsPolicyRejection(err error) bool {
	return GetCode(err) == CodePolicyRejected
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	return err.Error()
}

// ToStatus converts err into a gRPC status safe to hand to an untrusted caller.
// Only policy rejections and invalid requests keep their message.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch GetCode(err) {
	case CodePolicyRejected:
		return status.Error(codes.PermissionDenied, MsgReadOnlyPolicy)
	case CodeInvalidRequest:
		return status.Error(codes.InvalidArgument, GetMessage(err))
	case CodeUnavailable, CodeAcquisitionFailed:
		return status.Error(codes.Unavailable, MsgToolExecuteError)
	default:
		return status.Error(codes.Internal, MsgToolExecuteError)
	}
}
