// Package cdc models row-level change data capture events decoded from
// wal2json replication payloads.
package cdc

import "fmt"

// Kind represents the type of row mutation that occurred.
type Kind string

const (
	KindInsert   Kind = "insert"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindTruncate Kind = "truncate"
	KindMessage  Kind = "message"
)

// OldKeys carries the replica-identity columns of the pre-image for
// UPDATE and DELETE changes.
type OldKeys struct {
	KeyNames  []string `json:"keynames"`
	KeyTypes  []string `json:"keytypes"`
	KeyValues []any    `json:"keyvalues"`
}

// Change is one decoded row-level mutation extracted from a replication
// batch. Column data is kept in wal2json's parallel-array layout; use
// Columns for a name-keyed view.
type Change struct {
	Kind         Kind     `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames,omitempty"`
	ColumnTypes  []string `json:"columntypes,omitempty"`
	ColumnValues []any    `json:"columnvalues,omitempty"`
	OldKeys      *OldKeys `json:"oldkeys,omitempty"`

	// Ordinal is the change's position within its parent batch,
	// assigned in encounter order. Diagnostic only.
	Ordinal int `json:"-"`
}

// Relation returns the schema-qualified table identifier.
func (c *Change) Relation() string {
	if c.Schema == "" {
		return c.Table
	}
	return fmt.Sprintf("%s.%s", c.Schema, c.Table)
}

// Columns returns the new-image column values keyed by column name.
// Returns nil when the change carries no column data (eg truncate).
func (c *Change) Columns() map[string]any {
	if len(c.ColumnNames) == 0 {
		return nil
	}
	cols := make(map[string]any, len(c.ColumnNames))
	for i, name := range c.ColumnNames {
		if i < len(c.ColumnValues) {
			cols[name] = c.ColumnValues[i]
		}
	}
	return cols
}
