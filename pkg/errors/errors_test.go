package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGatewayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		expected string
	}{
		{
			name:     "error without cause",
			err:      &GatewayError{Code: CodeParseFailed, Message: "bad sql"},
			expected: "PARSE_FAILED: bad sql",
		},
		{
			name: "error with cause",
			err: &GatewayError{
				Code:    CodeExecutionFailed,
				Message: "query failed",
				Cause:   fmt.Errorf("table missing"),
			},
			expected: "EXECUTION_FAILED: query failed (caused by: table missing)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestGatewayError_UnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("syntax error at position 6")
	err := Wrap(cause, CodeParseFailed, "parse failed")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, &GatewayError{Code: CodeParseFailed}))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrPolicyRejected))
}

func TestGatewayError_WithDetail(t *testing.T) {
	err := New(CodeInvalidRequest, "bad request").
		WithDetail("field", "sql").
		WithDetail("length", 0)

	assert.Equal(t, "sql", err.Details["field"])
	assert.Equal(t, 0, err.Details["length"])
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := Wrapf(cause, CodeAcquisitionFailed, "acquire after %d ms", 30)

	assert.Equal(t, CodeAcquisitionFailed, err.Code)
	assert.Equal(t, "acquire after 30 ms", err.Message)
	assert.Nil(t, Wrap(nil, CodeInternal, "nothing"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "nothing %d", 1))
}

func TestCodeHelpers(t *testing.T) {
	parseErr := Wrap(fmt.Errorf("eof"), CodeParseFailed, "parse failed")
	wrapped := fmt.Errorf("classify: %w", parseErr)

	assert.True(t, IsParseError(wrapped))
	assert.False(t, IsPolicyRejection(wrapped))
	assert.True(t, IsPolicyRejection(ErrPolicyRejected))
	assert.Equal(t, CodeInternal, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, "plain", GetMessage(fmt.Errorf("plain")))
	assert.Equal(t, "parse failed", GetMessage(wrapped))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    codes.Code
		message string
	}{
		{"policy rejection", ErrPolicyRejected, codes.PermissionDenied, MsgReadOnlyPolicy},
		{"invalid request", New(CodeInvalidRequest, "sql is required"), codes.InvalidArgument, "sql is required"},
		{"acquisition", New(CodeAcquisitionFailed, "pool exhausted"), codes.Unavailable, MsgToolExecuteError},
		{"execution hides cause", Wrap(fmt.Errorf("Table 'secret.users' doesn't exist"), CodeExecutionFailed, "boom"), codes.Internal, MsgToolExecuteError},
		{"plain error", fmt.Errorf("anything"), codes.Internal, MsgToolExecuteError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(ToStatus(tt.err))
			assert.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
			assert.Equal(t, tt.message, st.Message())
		})
	}

	assert.Nil(t, ToStatus(nil))
}
