package converter

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/sqlgate/pkg/models"
)

const defaultBatchSize = 1024

// MetadataDatabaseType is the field metadata key carrying the driver's type name.
const MetadataDatabaseType = "sqlgate.db_type"

// SchemaFor derives the Arrow schema of a result set. Every field is nullable.
func SchemaFor(rs *models.ResultSet) *arrow.Schema {
	fields := make([]arrow.Field, len(rs.Columns))
	for i, col := range rs.Columns {
		fields[i] = arrow.Field{
			Name:     col.Name,
			Type:     ArrowType(col.Type, firstNonNil(rs, i)),
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{MetadataDatabaseType}, []string{col.Type}),
		}
	}
	return arrow.NewSchema(fields, nil)
}

func firstNonNil(rs *models.ResultSet, col int) interface{} {
	for _, row := range rs.Rows {
		if v := row.Values()[col]; v != nil {
			return v
		}
	}
	return nil
}

// BatchReader turns a materialized result set into Arrow record batches.
type BatchReader struct {
	refCount  atomic.Int64
	schema    *arrow.Schema
	rs        *models.ResultSet
	builder   *array.RecordBuilder
	record    arrow.Record
	offset    int
	batchSize int
	err       error
}

// NewBatchReader creates a batch reader over rs.
func NewBatchReader(allocator memory.Allocator, rs *models.ResultSet) *BatchReader {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	schema := SchemaFor(rs)
	r := &BatchReader{
		schema:    schema,
		rs:        rs,
		builder:   array.NewRecordBuilder(allocator, schema),
		batchSize: defaultBatchSize,
	}
	r.refCount.Store(1)
	return r
}

// SetBatchSize sets the number of rows per batch.
func (r *BatchReader) SetBatchSize(size int) {
	if size > 0 {
		r.batchSize = size
	}
}

// Schema returns the Arrow schema.
func (r *BatchReader) Schema() *arrow.Schema {
	return r.schema
}

// Retain increases the reference count.
func (r *BatchReader) Retain() {
	r.refCount.Add(1)
}

// Release decreases the reference count and cleans up when it reaches 0.
func (r *BatchReader) Release() {
	if r.refCount.Add(-1) == 0 {
		if r.record != nil {
			r.record.Release()
			r.record = nil
		}
		if r.builder != nil {
			r.builder.Release()
			r.builder = nil
		}
	}
}

// Record returns the current batch. It is valid until the next call to Next.
func (r *BatchReader) Record() arrow.Record {
	return r.record
}

// Err returns any error that occurred during reading.
func (r *BatchReader) Err() error {
	return r.err
}

// Next builds the next batch.
func (r *BatchReader) Next() bool {
	if r.record != nil {
		r.record.Release()
		r.record = nil
	}

	end := r.offset + r.batchSize
	if end > len(r.rs.Rows) {
		end = len(r.rs.Rows)
	}
	if r.offset >= end {
		return false
	}

	for _, row := range r.rs.Rows[r.offset:end] {
		for i, v := range row.Values() {
			appendValue(r.builder.Field(i), v)
		}
	}
	r.offset = end
	r.record = r.builder.NewRecord()
	return true
}

// appendValue appends v, appending null when v does not fit the builder.
func appendValue(fb array.Builder, v interface{}) {
	if v == nil {
		fb.AppendNull()
		return
	}

	switch b := fb.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			b.Append(n)
		case uint64:
			b.Append(int64(n))
		case bool:
			if n {
				b.Append(1)
			} else {
				b.Append(0)
			}
		default:
			b.AppendNull()
		}
	case *array.Uint64Builder:
		switch n := v.(type) {
		case uint64:
			b.Append(n)
		case int64:
			b.Append(uint64(n))
		default:
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			b.Append(n)
		case int64:
			b.Append(float64(n))
		case uint64:
			b.Append(float64(n))
		default:
			b.AppendNull()
		}
	case *array.BooleanBuilder:
		switch n := v.(type) {
		case bool:
			b.Append(n)
		case int64:
			b.Append(n != 0)
		default:
			b.AppendNull()
		}
	case *array.BinaryBuilder:
		switch n := v.(type) {
		case []byte:
			b.Append(n)
		default:
			b.Append([]byte(FormatValue(v)))
		}
	case *array.StringBuilder:
		b.Append(FormatValue(v))
	default:
		fb.AppendNull()
	}
}
