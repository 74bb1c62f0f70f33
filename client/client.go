// Package client is a Go client for the sqlgate Flight SQL service.
package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/TFMV/sqlgate/pkg/models"
)

// ExecuteQueryAction is the DoAction type served by sqlgate.
const ExecuteQueryAction = "execute_query"

// requestIDHeader must match the server's logging middleware.
const requestIDHeader = "x-request-id"

// Client talks to one sqlgate server.
type Client struct {
	conn *flightsql.Client
}

// New dials addr. Without options the connection is plaintext.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := flightsql.NewClient(addr, nil, []flight.ClientMiddleware{requestIDMiddleware()}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// requestIDMiddleware forwards a request ID stored with
// models.ContextWithRequestID as gRPC metadata.
func requestIDMiddleware() flight.ClientMiddleware {
	withID := func(ctx context.Context) context.Context {
		if id, ok := models.RequestIDFromContext(ctx); ok {
			return metadata.AppendToOutgoingContext(ctx, requestIDHeader, id)
		}
		return ctx
	}
	return flight.ClientMiddleware{
		Stream: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(withID(ctx), desc, cc, method, opts...)
		},
		Unary: func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(withID(ctx), method, req, reply, cc, opts...)
		},
	}
}

// ExecuteQuery runs sql through the execute_query action. Policy rejections
// and execution failures come back as a response with IsError set, not as an
// error.
func (c *Client) ExecuteQuery(ctx context.Context, sql string) (*models.ToolResponse, error) {
	stream, err := c.conn.Client.DoAction(ctx, &flight.Action{Type: ExecuteQueryAction, Body: []byte(sql)})
	if err != nil {
		return nil, err
	}

	res, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	// Drain so the stream completes.
	for {
		if _, err := stream.Recv(); err != nil {
			if err != io.EOF {
				return nil, err
			}
			break
		}
	}

	var resp models.ToolResponse
	if err := json.Unmarshal(res.GetBody(), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode tool response: %w", err)
	}
	return &resp, nil
}

// Result holds the record batches of one Flight SQL query.
type Result struct {
	Schema  *arrow.Schema
	Records []arrow.Record
}

// NumRows returns the total row count.
func (r *Result) NumRows() int64 {
	var n int64
	for _, rec := range r.Records {
		n += rec.NumRows()
	}
	return n
}

// Release releases every record.
func (r *Result) Release() {
	for _, rec := range r.Records {
		rec.Release()
	}
	r.Records = nil
}

// Query runs sql as a Flight SQL statement and collects its batches.
// Rejections surface as PermissionDenied errors.
func (c *Client) Query(ctx context.Context, sql string) (*Result, error) {
	info, err := c.conn.Execute(ctx, sql)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, endpoint := range info.Endpoint {
		if err := c.collect(ctx, endpoint.GetTicket(), result); err != nil {
			result.Release()
			return nil, err
		}
	}
	return result, nil
}

func (c *Client) collect(ctx context.Context, ticket *flight.Ticket, result *Result) error {
	reader, err := c.conn.DoGet(ctx, ticket)
	if err != nil {
		return err
	}
	defer reader.Release()

	if result.Schema == nil {
		result.Schema = reader.Schema()
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		result.Records = append(result.Records, rec)
	}
	return reader.Err()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Render writes result as an aligned text table.
func Render(w io.Writer, result *Result) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	if result.Schema != nil {
		names := make([]string, result.Schema.NumFields())
		for i, f := range result.Schema.Fields() {
			names[i] = f.Name
		}
		fmt.Fprintln(tw, strings.Join(names, "\t"))
	}

	for _, rec := range result.Records {
		cells := make([]string, rec.NumCols())
		for row := 0; row < int(rec.NumRows()); row++ {
			for col := 0; col < int(rec.NumCols()); col++ {
				cells[col] = renderText(rec.Column(col), row)
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
	}
	return tw.Flush()
}

func renderText(column arrow.Array, row int) string {
	if column.IsNull(row) {
		return "NULL"
	}
	return column.ValueStr(row)
}
