package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/mssql-replicator/pkg/table"
	"github.com/siddontang/loggers"
)

// Cloner makes the Replica's columns a superset of the Primary's,
// additively (spec.md §4.3). It never drops a column and never widens or
// alters a mismatched type; both are explicitly out of scope so that a
// misread DDL event can never cause data loss. Column removal is driven
// exclusively by the DDL Event Applier.
type Cloner struct {
	replica *sql.DB
	log     loggers.Advanced
}

// NewCloner wraps the Replica connection the cloner will issue DDL against.
func NewCloner(replica *sql.DB, log loggers.Advanced) *Cloner {
	return &Cloner{replica: replica, log: log}
}

// Clone reconciles the Replica table toward primary's column set. replica
// may be nil, meaning the table does not yet exist there. Clone is
// idempotent: it recomputes the diff on every call and only ever applies
// additive statements.
func (c *Cloner) Clone(ctx context.Context, primary table.Descriptor, replica *table.Descriptor) error {
	if replica == nil {
		return c.createTable(ctx, primary)
	}
	return c.addMissingColumns(ctx, primary, *replica)
}

func (c *Cloner) createTable(ctx context.Context, primary table.Descriptor) error {
	var cols []string
	for _, col := range primary.Columns {
		cols = append(cols, columnDefSQL(col))
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (\n\t%s", primary.QuotedName(), joinComma(cols))
	if len(primary.PrimaryKey) > 0 {
		stmt += fmt.Sprintf(",\n\tCONSTRAINT %s PRIMARY KEY (%s)",
			table.QuoteIdentifier(fmt.Sprintf("PK_%s_%s", primary.Schema, primary.Name)),
			table.QuoteColumns(primary.PrimaryKey))
	}
	stmt += "\n)"

	c.log.Infof("cloner: creating table %s on replica", primary.FullName())
	if _, err := c.replica.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", primary.FullName(), err)
	}
	return nil
}

func (c *Cloner) addMissingColumns(ctx context.Context, primary, replica table.Descriptor) error {
	for _, col := range primary.Columns {
		if replica.HasColumn(col.Name) {
			c.checkTypeMismatch(col, replica)
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD %s", primary.QuotedName(), columnDefSQL(col))
		c.log.Infof("cloner: adding column %s.%s on replica", primary.FullName(), col.Name)
		if _, err := c.replica.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", primary.FullName(), col.Name, err)
		}
	}
	// Replica-only columns are left untouched (soft-drop safety, spec.md §4.3);
	// they are removed only by the DDL Event Applier.
	return nil
}

// checkTypeMismatch implements the Open Question resolution: on a type
// mismatch, leave the Replica column as-is and log one warning per run;
// never attempt ALTER COLUMN.
func (c *Cloner) checkTypeMismatch(primaryCol table.Column, replica table.Descriptor) {
	replicaCol, ok := replica.Column(primaryCol.Name)
	if !ok {
		return
	}
	if replicaCol.SQLType != primaryCol.SQLType || replicaCol.Nullable != primaryCol.Nullable {
		c.log.Warnf("cloner: %s.%s type/nullability mismatch (primary=%s nullable=%t, replica=%s nullable=%t); leaving replica column as-is",
			replica.FullName(), primaryCol.Name, primaryCol.SQLType, primaryCol.Nullable, replicaCol.SQLType, replicaCol.Nullable)
	}
}

func columnDefSQL(col table.Column) string {
	def := fmt.Sprintf("%s %s", table.QuoteIdentifier(col.Name), col.SQLType)
	if col.IsIdentity {
		def += " IDENTITY(1,1)"
	}
	if !col.Nullable {
		def += " NOT NULL"
	} else {
		def += " NULL"
	}
	return def
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ",\n\t"
		}
		out += p
	}
	return out
}
