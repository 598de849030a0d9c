// Package schema implements the Schema Introspector (C2) and Schema Cloner
// (C3). Introspection is grounded in the T-SQL system-catalog queries of
// sqldef's mssql adapter (sys.columns/sys.types/sys.identity_columns for
// column metadata, sys.indexes/sys.index_columns for primary keys,
// sys.objects+sys.sql_modules for programmable-object text), adapted from
// one-shot dump queries into polling introspection calls against a live
// Change-Tracking-enabled database.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/mssql-replicator/pkg/table"
	"github.com/siddontang/loggers"
)

// Side distinguishes which database connection an introspection call runs
// against; both Primary and Replica are SQL Server instances using the same
// queries, so a single Introspector handles either by holding two pools.
type Side int

const (
	Primary Side = iota
	Replica
)

// Introspector reads table, column, primary-key, view, procedure and
// function metadata from either side (spec.md §4.2). It never mutates.
type Introspector struct {
	primary *sql.DB
	replica *sql.DB
	log     loggers.Advanced
}

// NewIntrospector wraps the two side connections.
func NewIntrospector(primary, replica *sql.DB, log loggers.Advanced) *Introspector {
	return &Introspector{primary: primary, replica: replica, log: log}
}

func (i *Introspector) db(side Side) *sql.DB {
	if side == Replica {
		return i.replica
	}
	return i.primary
}

// ListTrackedTables returns every user table on the Primary that has Change
// Tracking enabled (spec.md §4.2 list_tracked_tables).
func (i *Introspector) ListTrackedTables(ctx context.Context) ([]table.Descriptor, error) {
	const q = `
SELECT schema_name(t.schema_id) AS table_schema, t.name AS table_name
FROM sys.change_tracking_tables ct
JOIN sys.tables t ON t.object_id = ct.object_id
ORDER BY table_schema, table_name`

	rows, err := i.primary.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tracked tables: %w", err)
	}
	defer rows.Close()

	var names [][2]string
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, fmt.Errorf("list tracked tables: scan: %w", err)
		}
		names = append(names, [2]string{schema, name})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracked tables: %w", err)
	}

	descs := make([]table.Descriptor, 0, len(names))
	for _, sn := range names {
		d, err := i.DescribeTable(ctx, Primary, sn[0], sn[1])
		if err != nil {
			return nil, fmt.Errorf("describe %s.%s: %w", sn[0], sn[1], err)
		}
		if d == nil {
			// Dropped between the two queries; skip it, the next
			// discovery cycle will settle.
			continue
		}
		d.CTEnabled = true
		descs = append(descs, *d)
	}
	return descs, nil
}

// DescribeTable resolves a table's column and primary-key metadata on the
// given side. It returns (nil, nil) when the table does not exist, per the
// "tolerate missing objects" contract of spec.md §4.2.
func (i *Introspector) DescribeTable(ctx context.Context, side Side, schemaName, tableName string) (*table.Descriptor, error) {
	objID, ok, err := i.objectID(ctx, side, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	cols, err := i.columns(ctx, side, objID)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}

	pk, err := i.primaryKeyColumns(ctx, side, objID)
	if err != nil {
		return nil, err
	}

	return &table.Descriptor{
		Schema:     schemaName,
		Name:       tableName,
		Columns:    cols,
		PrimaryKey: pk,
	}, nil
}

func (i *Introspector) objectID(ctx context.Context, side Side, schemaName, tableName string) (string, bool, error) {
	const q = `SELECT CAST(OBJECT_ID(QUOTENAME(@p1) + '.' + QUOTENAME(@p2), 'U') AS VARCHAR(20))`
	var objID sql.NullString
	if err := i.db(side).QueryRowContext(ctx, q, schemaName, tableName).Scan(&objID); err != nil {
		return "", false, fmt.Errorf("resolve object id for %s.%s: %w", schemaName, tableName, err)
	}
	if !objID.Valid || objID.String == "" {
		return "", false, nil
	}
	return objID.String, true, nil
}

// columns is grounded in the mssql adapter's getColumns query: sys.columns
// joined to sys.types for the SQL type name and sys.identity_columns for
// identity metadata.
func (i *Introspector) columns(ctx context.Context, side Side, objID string) ([]table.Column, error) {
	const q = `
SELECT
	c.name,
	tp.name AS type_name,
	c.is_nullable,
	c.is_identity
FROM sys.columns c WITH (NOLOCK)
JOIN sys.types tp WITH (NOLOCK) ON c.user_type_id = tp.user_type_id
WHERE c.object_id = OBJECT_ID(@p1)
ORDER BY c.column_id`

	rows, err := i.db(side).QueryContext(ctx, q, objID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []table.Column
	for rows.Next() {
		var c table.Column
		if err := rows.Scan(&c.Name, &c.SQLType, &c.Nullable, &c.IsIdentity); err != nil {
			return nil, fmt.Errorf("list columns: scan: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// primaryKeyColumns is grounded in the mssql adapter's getIndexDefs query,
// narrowed to the clustered/nonclustered primary-key constraint.
func (i *Introspector) primaryKeyColumns(ctx context.Context, side Side, objID string) ([]string, error) {
	const q = `
SELECT c.name
FROM sys.indexes ind
JOIN sys.index_columns ic ON ind.object_id = ic.object_id AND ind.index_id = ic.index_id
JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
WHERE ind.object_id = OBJECT_ID(@p1) AND ind.is_primary_key = 1
ORDER BY ic.key_ordinal`

	rows, err := i.db(side).QueryContext(ctx, q, objID)
	if err != nil {
		return nil, fmt.Errorf("list primary key columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("list primary key columns: scan: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// moduleKindFilter maps a table.ModuleKind to its sys.objects "type" code,
// which listModulesOfKind uses to filter its sys.sql_modules join (grounded
// in the mssql adapter's Views() query shape).
func moduleKindFilter(kind table.ModuleKind) (string, error) {
	switch kind {
	case table.ModuleView:
		return "V", nil
	case table.ModuleProcedure:
		return "P", nil
	case table.ModuleScalarFn:
		return "FN", nil
	case table.ModuleTableValuedFn:
		return "TF", nil
	case table.ModuleInlineTableFn:
		return "IF", nil
	default:
		return "", fmt.Errorf("unknown module kind %v", kind)
	}
}

// ListModules fetches every view/procedure/function definition on the given
// side (spec.md §4.2 list_modules), excluding triggers (spec.md §4.4).
func (i *Introspector) ListModules(ctx context.Context, side Side) ([]table.Module, error) {
	var out []table.Module
	for _, kind := range table.AllModuleKinds {
		typeCode, err := moduleKindFilter(kind)
		if err != nil {
			return nil, err
		}
		mods, err := i.listModulesOfKind(ctx, side, kind, typeCode)
		if err != nil {
			return nil, fmt.Errorf("list modules (%v): %w", kind, err)
		}
		out = append(out, mods...)
	}
	return out, nil
}

func (i *Introspector) listModulesOfKind(ctx context.Context, side Side, kind table.ModuleKind, typeCode string) ([]table.Module, error) {
	const q = `
SELECT schema_name(o.schema_id) AS schema_name, o.name, m.definition
FROM sys.objects o WITH (NOLOCK)
JOIN sys.sql_modules m WITH (NOLOCK) ON m.object_id = o.object_id
WHERE o.type = @p1 AND o.is_ms_shipped = 0`

	rows, err := i.db(side).QueryContext(ctx, q, typeCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods []table.Module
	for rows.Next() {
		var m table.Module
		m.Kind = kind
		if err := rows.Scan(&m.Schema, &m.Name, &m.Definition); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// CTCurrentVersion returns the latest Change Tracking version known to the
// Primary (spec.md §4.2 ct_current_version, §GLOSSARY).
func (i *Introspector) CTCurrentVersion(ctx context.Context) (int64, error) {
	const q = `SELECT CHANGE_TRACKING_CURRENT_VERSION()`
	var v sql.NullInt64
	if err := i.primary.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, fmt.Errorf("ct_current_version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Int64, nil
}

// CTMinValidVersion returns the oldest CT version still queryable for a
// table; versions below it have been cleaned up by SQL Server's CT cleanup
// job (spec.md §4.2 ct_min_valid_version, §GLOSSARY).
func (i *Introspector) CTMinValidVersion(ctx context.Context, desc *table.Descriptor) (int64, error) {
	const q = `SELECT CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID(@p1))`
	var v sql.NullInt64
	objName := desc.Schema + "." + desc.Name
	if err := i.primary.QueryRowContext(ctx, q, objName).Scan(&v); err != nil {
		return 0, fmt.Errorf("ct_min_valid_version(%s): %w", objName, err)
	}
	if !v.Valid {
		return 0, fmt.Errorf("ct_min_valid_version(%s): table is not change-tracking enabled", objName)
	}
	return v.Int64, nil
}
