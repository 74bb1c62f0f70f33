package models

import (
	"context"

	json "github.com/goccy/go-json"
)

// ToolContent is one content block of a tool response.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResponse is the payload returned for an execute_query call.
type ToolResponse struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError"`
}

// NewTextResponse builds a single-block text response.
func NewTextResponse(text string, isError bool) *ToolResponse {
	return &ToolResponse{
		Content: []ToolContent{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// Text returns the first text block, or "".
func (r *ToolResponse) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

// Marshal encodes the response as JSON.
func (r *ToolResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request ID to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
