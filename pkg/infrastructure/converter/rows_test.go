package converter

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestScanResultSet(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE items (id INTEGER, name TEXT, price REAL, payload BLOB)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO items VALUES (1, 'apple', 1.25, x'0102'), (2, NULL, 3.5, NULL)`)
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, `SELECT id, name, price, payload FROM items ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	rs, err := ScanResultSet(rows)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "price", "payload"}, rs.ColumnNames())
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, []interface{}{int64(1), "apple", 1.25, []byte{0x01, 0x02}}, rs.Rows[0].Values())
	assert.Equal(t, []interface{}{int64(2), nil, 3.5, nil}, rs.Rows[1].Values())

	data, err := json.Marshal(rs.Rows)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1,"name":"apple","price":1.25,"payload":"AQI="},{"id":2,"name":null,"price":3.5,"payload":null}]`, string(data))
}

func TestScanResultSet_Empty(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.QueryContext(context.Background(), `SELECT 1 AS one WHERE 1 = 0`)
	require.NoError(t, err)
	defer rows.Close()

	rs, err := ScanResultSet(rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, rs.ColumnNames())
	assert.NotNil(t, rs.Rows)
	assert.Empty(t, rs.Rows)
}
