package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresTable implements Table against a PostgreSQL catalog table.
type PostgresTable struct {
	pool   *pgxpool.Pool
	kind   Kind
	table  string
	logger *zap.Logger
}

// catalogColumns is the fixed column set of a catalog table, in schema order.
var catalogColumns = []string{
	ColRegionInfo,
	ColServerLocation,
	ColStartCode,
	ColSplitA,
	ColSplitB,
}

// Kind returns which catalog this table represents.
func (t *PostgresTable) Kind() Kind {
	return t.kind
}

// NewPostgresTable creates a table handle backed by the given pool and
// ensures the backing schema exists.
func NewPostgresTable(ctx context.Context, pool *pgxpool.Pool, kind Kind, logger *zap.Logger) (*PostgresTable, error) {
	t := &PostgresTable{
		pool:   pool,
		kind:   kind,
		table:  kind.SQLTable(),
		logger: logger,
	}

	if err := t.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema for %s: %w", t.table, err)
	}

	return t, nil
}

// ensureSchema creates the catalog table if it does not exist yet.
func (t *PostgresTable) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			row_key         TEXT PRIMARY KEY,
			region_info     BYTEA,
			server_location BYTEA,
			start_code      BYTEA,
			split_a         BYTEA,
			split_b         BYTEA,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, t.table)

	_, err := t.pool.Exec(ctx, ddl)
	return err
}

// Put upserts a single row, writing only the columns named by the
// mutation. The statement is atomic for the row.
func (t *PostgresTable) Put(ctx context.Context, put *Put) error {
	cols := put.Columns()
	if len(cols) == 0 {
		return fmt.Errorf("put for row %s has no columns", put.RowKey())
	}

	names := make([]string, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols)+1)
	updates := make([]string, 0, len(cols)+1)
	args := make([]interface{}, 0, len(cols)+1)

	names = append(names, "row_key")
	placeholders = append(placeholders, "$1")
	args = append(args, put.RowKey())

	for i, col := range cols {
		value, _ := put.Value(col)
		names = append(names, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		args = append(args, value)
	}
	updates = append(updates, "updated_at = now()")

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (row_key) DO UPDATE SET %s",
		t.table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)

	if _, err := t.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put row %s into %s: %w", put.RowKey(), t.table, err)
	}

	t.logger.Debug("Catalog row written",
		zap.String("catalog_table", t.table),
		zap.String("row_key", put.RowKey()),
		zap.Strings("columns", cols))

	return nil
}

// Get reads back one row. Absent columns are omitted from the column map.
func (t *PostgresTable) Get(ctx context.Context, rowKey string) (*Row, error) {
	query := fmt.Sprintf(
		"SELECT region_info, server_location, start_code, split_a, split_b FROM %s WHERE row_key = $1",
		t.table,
	)

	values := make([][]byte, len(catalogColumns))
	dest := make([]interface{}, len(catalogColumns))
	for i := range values {
		dest[i] = &values[i]
	}

	if err := t.pool.QueryRow(ctx, query, rowKey).Scan(dest...); err != nil {
		if isNoRows(err) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("failed to get row %s from %s: %w", rowKey, t.table, err)
	}

	return rowFromValues(rowKey, values), nil
}

// Scan reads every row in the table, ordered by row key. Used by the
// catalog scanner to find regions needing fixup or assignment.
func (t *PostgresTable) Scan(ctx context.Context) ([]*Row, error) {
	query := fmt.Sprintf(
		"SELECT row_key, region_info, server_location, start_code, split_a, split_b FROM %s ORDER BY row_key",
		t.table,
	)

	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", t.table, err)
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		var rowKey string
		values := make([][]byte, len(catalogColumns))
		dest := make([]interface{}, 0, len(catalogColumns)+1)
		dest = append(dest, &rowKey)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", t.table, err)
		}
		result = append(result, rowFromValues(rowKey, values))
	}

	return result, rows.Err()
}

// Close is a no-op; the pool is shared across catalog tables and owned by
// the Access that created it.
func (t *PostgresTable) Close() {}

// isNoRows reports whether a query error means the row is absent, even
// when the driver error arrives wrapped.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func rowFromValues(rowKey string, values [][]byte) *Row {
	row := &Row{
		RowKey:  rowKey,
		Columns: make(map[string][]byte, len(catalogColumns)),
	}
	for i, col := range catalogColumns {
		if values[i] != nil {
			row.Columns[col] = values[i]
		}
	}
	return row
}
