package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryTable is an in-process Table used in tests and in the standalone
// catalog backend. Semantics match PostgresTable: Put is atomic per row
// and only overwrites the columns it names.
type MemoryTable struct {
	mu   sync.RWMutex
	kind Kind
	rows map[string]map[string][]byte
	puts int
}

// NewMemoryTable creates an empty in-memory catalog table.
func NewMemoryTable(kind Kind) *MemoryTable {
	return &MemoryTable{
		kind: kind,
		rows: make(map[string]map[string][]byte),
	}
}

// Kind returns which catalog this table represents.
func (t *MemoryTable) Kind() Kind {
	return t.kind
}

// Put applies the mutation to the row, creating it if needed.
func (t *MemoryTable) Put(_ context.Context, put *Put) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[put.RowKey()]
	if !ok {
		row = make(map[string][]byte)
		t.rows[put.RowKey()] = row
	}
	for _, col := range put.Columns() {
		value, _ := put.Value(col)
		row[col] = cloneBytes(value)
	}
	t.puts++
	return nil
}

// Get returns a copy of the row, or ErrRowNotFound.
func (t *MemoryTable) Get(_ context.Context, rowKey string) (*Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[rowKey]
	if !ok {
		return nil, ErrRowNotFound
	}
	return copyRow(rowKey, row), nil
}

// Scan returns copies of all rows ordered by row key.
func (t *MemoryTable) Scan(_ context.Context) ([]*Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*Row, 0, len(keys))
	for _, k := range keys {
		result = append(result, copyRow(k, t.rows[k]))
	}
	return result, nil
}

// PutCount returns the number of Put calls applied; used by tests to
// verify exactly how many row mutations a protocol issued.
func (t *MemoryTable) PutCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.puts
}

// Close is a no-op.
func (t *MemoryTable) Close() {}

func copyRow(rowKey string, columns map[string][]byte) *Row {
	row := &Row{
		RowKey:  rowKey,
		Columns: make(map[string][]byte, len(columns)),
	}
	for col, value := range columns {
		row.Columns[col] = cloneBytes(value)
	}
	return row
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
