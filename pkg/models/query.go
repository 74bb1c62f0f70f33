package models

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"
)

// ExecutionStatus is the terminal state of one guarded request.
type ExecutionStatus string

const (
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusRejected  ExecutionStatus = "rejected"
	StatusFailed    ExecutionStatus = "failed"
)

// Column describes one result column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Row is one result row. Values line up with the owning ResultSet's columns.
type Row struct {
	columns []string
	values  []interface{}
}

// NewRow builds a row from parallel column names and values.
func NewRow(columns []string, values []interface{}) Row {
	return Row{columns: columns, values: values}
}

// Values returns the row values in column order.
func (r Row) Values() []interface{} {
	return r.values
}

// Get returns the value of the named column. A repeated name resolves to
// its last occurrence.
func (r Row) Get(column string) (interface{}, bool) {
	for i := len(r.columns) - 1; i >= 0; i-- {
		if r.columns[i] == column && i < len(r.values) {
			return r.values[i], true
		}
	}
	return nil, false
}

// MarshalJSON renders the row as an object whose keys follow column order.
// A repeated column name is written once, at its first position, with the
// value of its last occurrence.
func (r Row) MarshalJSON() ([]byte, error) {
	last := make(map[string]int, len(r.columns))
	for i, c := range r.columns {
		last[c] = i
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	written := 0
	for _, c := range r.columns {
		j, ok := last[c]
		if !ok {
			continue
		}
		delete(last, c)

		if written > 0 {
			buf.WriteByte(',')
		}
		written++
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var v interface{}
		if j < len(r.values) {
			v = r.values[j]
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ResultSet holds the materialized rows of one query.
type ResultSet struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// ColumnNames returns the column names in order.
func (rs *ResultSet) ColumnNames() []string {
	names := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		names[i] = c.Name
	}
	return names
}

// ExecutionResult is the outcome of one guarded request. Exactly one of
// Rows, Reason or Detail is meaningful, selected by Status.
type ExecutionResult struct {
	RequestID     string          `json:"request_id"`
	Status        ExecutionStatus `json:"status"`
	Kinds         []StatementKind `json:"kinds,omitempty"`
	Rows          *ResultSet      `json:"rows,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
}

// Succeeded builds a Rows result.
func Succeeded(rows *ResultSet) *ExecutionResult {
	if rows == nil {
		rows = &ResultSet{}
	}
	return &ExecutionResult{Status: StatusSucceeded, Rows: rows}
}

// Rejected builds a policy rejection.
func Rejected(reason string) *ExecutionResult {
	return &ExecutionResult{Status: StatusRejected, Reason: reason}
}

// Failed builds a failure carrying only a caller-safe detail.
func Failed(detail string) *ExecutionResult {
	return &ExecutionResult{Status: StatusFailed, Detail: detail}
}

// IsError reports whether the result should be flagged as an error to the caller.
func (r *ExecutionResult) IsError() bool {
	return r.Status != StatusSucceeded
}

// RowsJSON serializes the rows as an indented JSON array of row objects.
func (r *ExecutionResult) RowsJSON() ([]byte, error) {
	rows := []Row{}
	if r.Rows != nil && r.Rows.Rows != nil {
		rows = r.Rows.Rows
	}
	return json.MarshalIndent(rows, "", "  ")
}
