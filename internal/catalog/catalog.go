package catalog

import (
	"context"
	"errors"
)

// Catalog column names. Every catalog row describes one region: its
// serialized descriptor, the server currently assigned to it, and — once
// the region has split — the serialized descriptors of its two daughters.
const (
	ColRegionInfo     = "region_info"
	ColServerLocation = "server_location"
	ColStartCode      = "start_code"
	ColSplitA         = "split_a"
	ColSplitB         = "split_b"
)

// EmptyMarker is written into server_location and start_code when a region
// becomes unassigned. The background catalog scanner treats a present but
// empty value as "needs assignment", which is distinct from an absent one.
var EmptyMarker = []byte{}

// ErrRowNotFound is returned by Get when no row exists for a key.
var ErrRowNotFound = errors.New("catalog row not found")

// Kind selects which catalog of record a table handle points at.
type Kind int

const (
	// KindRoot is the top-level catalog describing the meta catalog's own
	// regions.
	KindRoot Kind = iota
	// KindMeta describes the regions of every user table.
	KindMeta
)

func (k Kind) String() string {
	if k == KindRoot {
		return "root"
	}
	return "meta"
}

// SQLTable returns the backing SQL table name for this catalog kind.
func (k Kind) SQLTable() string {
	if k == KindRoot {
		return "catalog_root"
	}
	return "catalog_meta"
}

// Row is one catalog row as read back from a table.
type Row struct {
	RowKey  string
	Columns map[string][]byte
}

// Put is a single-row mutation: a row key plus the set of columns to
// create or overwrite. Columns not named are left untouched.
type Put struct {
	rowKey  string
	columns map[string][]byte
	order   []string
}

// NewPut starts a mutation for the given row key.
func NewPut(rowKey string) *Put {
	return &Put{
		rowKey:  rowKey,
		columns: make(map[string][]byte),
	}
}

// Add sets a column value on the mutation. Passing EmptyMarker records a
// present-but-empty value. Re-adding a column overwrites the pending value.
func (p *Put) Add(column string, value []byte) *Put {
	if _, exists := p.columns[column]; !exists {
		p.order = append(p.order, column)
	}
	p.columns[column] = value
	return p
}

// RowKey returns the target row key.
func (p *Put) RowKey() string {
	return p.rowKey
}

// Columns returns the pending column set in insertion order.
func (p *Put) Columns() []string {
	return p.order
}

// Value returns the pending value for a column and whether it is set.
func (p *Put) Value(column string) ([]byte, bool) {
	v, ok := p.columns[column]
	return v, ok
}

// Table is a client handle to one catalog table. Implementations must make
// each Put atomic for its row; there is no cross-row transaction — the
// split protocol relies on that being true and delegates partial-split
// reconciliation to the external catalog scanner.
type Table interface {
	Kind() Kind
	Put(ctx context.Context, put *Put) error
	Get(ctx context.Context, rowKey string) (*Row, error)
	Scan(ctx context.Context) ([]*Row, error)
	Close()
}
