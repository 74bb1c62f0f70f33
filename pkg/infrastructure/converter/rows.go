package converter

import (
	"database/sql"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// ScanResultSet drains rows into a ResultSet. It does not close rows.
func ScanResultSet(rows *sql.Rows) (*models.ResultSet, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeExecutionFailed, "failed to get column types")
	}

	columns := make([]models.Column, len(colTypes))
	names := make([]string, len(colTypes))
	for i, ct := range colTypes {
		nullable, ok := ct.Nullable()
		if !ok {
			nullable = true
		}
		columns[i] = models.Column{
			Name:     ct.Name(),
			Type:     ct.DatabaseTypeName(),
			Nullable: nullable,
		}
		names[i] = ct.Name()
	}

	rs := &models.ResultSet{Columns: columns, Rows: []models.Row{}}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, errors.CodeExecutionFailed, "failed to scan row")
		}

		for i := range values {
			values[i] = NormalizeValue(columns[i].Type, values[i])
		}
		rs.Rows = append(rs.Rows, models.NewRow(names, values))
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeExecutionFailed, "rows iteration error")
	}

	return rs, nil
}
