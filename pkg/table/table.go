// Package table holds the in-memory descriptors the rest of the replicator
// passes around: the shape of a table as seen on one side of the
// replication, its primary key, and the programmable-object descriptors
// used by the module synchronizer.
package table

import (
	"fmt"
	"strings"
)

// Column describes one column of a table, as read by the schema
// introspector (pkg/schema).
type Column struct {
	Name       string
	SQLType    string // the raw SQL Server type token, e.g. "varchar(50)", "int"
	Nullable   bool
	IsIdentity bool
}

// Descriptor is the fully-qualified, in-memory shape of a table, derived
// fresh by every discovery pass. A per-table worker keeps its copy between
// ticks and replaces it with a fresh read each time it passes through
// Starting, which is where schema evolution is picked up (SPEC_FULL.md §3).
type Descriptor struct {
	Schema  string
	Name    string
	Columns []Column
	// PrimaryKey lists the primary-key columns in ordinal order. It is empty
	// if the table has no primary key.
	PrimaryKey []string
	// CTEnabled reports whether SQL Server Change Tracking is enabled for
	// this table on the Primary. Meaningless for a Replica-side descriptor.
	CTEnabled bool
}

// QuotedName returns the descriptor's name quoted per SQL Server bracket
// identifier rules, e.g. [dbo].[Orders].
func (d *Descriptor) QuotedName() string {
	return QuoteIdentifier(d.Schema) + "." + QuoteIdentifier(d.Name)
}

// FullName returns the unquoted "schema.table" form used as the lookup key
// in sync state and worker maps.
func (d *Descriptor) FullName() string {
	return d.Schema + "." + d.Name
}

// Column looks up a column by name, or returns false.
func (d *Descriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the descriptor has a column with the given
// name (case-insensitive, matching SQL Server's default collation
// behavior for identifiers).
func (d *Descriptor) HasColumn(name string) bool {
	_, ok := d.Column(name)
	return ok
}

// KeysetCursorColumn returns the column the full-load engine should page
// on: the first primary-key column if one exists, else the descriptor's
// first column (SPEC_FULL.md §4.5 step 3).
func (d *Descriptor) KeysetCursorColumn() (string, error) {
	if len(d.PrimaryKey) > 0 {
		return d.PrimaryKey[0], nil
	}
	if len(d.Columns) > 0 {
		return d.Columns[0].Name, nil
	}
	return "", fmt.Errorf("table %s has no columns", d.FullName())
}

// HasPrimaryKey reports whether the table can run in incremental mode.
func (d *Descriptor) HasPrimaryKey() bool {
	return len(d.PrimaryKey) > 0
}

// ModuleKind enumerates the programmable-object kinds the module
// synchronizer reconciles. Triggers are deliberately excluded (spec.md
// §4.4, §1 non-goals).
type ModuleKind string

const (
	ModuleView          ModuleKind = "view"
	ModuleProcedure     ModuleKind = "procedure"
	ModuleScalarFn      ModuleKind = "scalar_fn"
	ModuleTableValuedFn ModuleKind = "table_valued_fn"
	ModuleInlineTableFn ModuleKind = "inline_table_fn"
)

// AllModuleKinds lists every kind the synchronizer iterates, in a fixed
// order so reconciliation runs are deterministic.
var AllModuleKinds = []ModuleKind{
	ModuleView, ModuleProcedure, ModuleScalarFn, ModuleTableValuedFn, ModuleInlineTableFn,
}

// Module describes one programmable object: its kind, fully-qualified
// name, and canonical (verbatim, unparsed) definition text.
type Module struct {
	Kind       ModuleKind
	Schema     string
	Name       string
	Definition string
}

// FullName returns "schema.name", the map key the synchronizer diffs on.
func (m *Module) FullName() string {
	return m.Schema + "." + m.Name
}

// QuoteIdentifier quotes a single SQL Server identifier part using bracket
// quoting, escaping any literal "]" by doubling it, e.g. "My]Table" ->
// "[My]]Table]". Callers are responsible for resolving/validating object
// existence; this package only handles the quoting half of SPEC_FULL.md §4.2.
func QuoteIdentifier(part string) string {
	return "[" + strings.ReplaceAll(part, "]", "]]") + "]"
}

// QuoteColumns quotes and comma-joins a list of column names.
func QuoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}
