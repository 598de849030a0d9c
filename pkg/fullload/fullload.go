// Package fullload implements the Full-Load Engine (C5): a keyset-paginated,
// chunk-per-transaction copy of every row from the Primary to the Replica,
// followed by the two-phase durable commit of the resulting CT version.
package fullload

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/block/mssql-replicator/pkg/dbconn"
	"github.com/block/mssql-replicator/pkg/errs"
	"github.com/block/mssql-replicator/pkg/schema"
	"github.com/block/mssql-replicator/pkg/statestore"
	"github.com/block/mssql-replicator/pkg/table"
	"github.com/siddontang/loggers"
)

// Engine runs a full load for one table at a time. It holds no per-table
// state between calls to Run: every invocation re-truncates and restarts,
// matching the failure policy of spec.md §4.5 step 6.
type Engine struct {
	primary  *sql.DB
	replica  *sql.DB
	intro    *schema.Introspector
	store    *statestore.Store
	dbconf   *dbconn.DBConfig
	pageSize int
	log      loggers.Advanced
}

// NewEngine builds a full-load engine with the default page size
// (table.DefaultPageSize, spec.md §6). Use SetPageSize to override it.
func NewEngine(primary, replica *sql.DB, intro *schema.Introspector, store *statestore.Store, dbconf *dbconn.DBConfig, log loggers.Advanced) *Engine {
	return &Engine{primary: primary, replica: replica, intro: intro, store: store, dbconf: dbconf, pageSize: table.DefaultPageSize, log: log}
}

// SetPageSize overrides the full-load chunk size (spec.md §6 "full-load
// chunk size"). A value <= 0 leaves the default in place.
func (e *Engine) SetPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// Run executes the six-step algorithm of spec.md §4.5 for desc. On success
// it durably records the CT version that was snapshotted at the start and
// clears force_full_load, in that order. On any failure it returns the
// error and leaves force_full_load set, so the next run restarts cleanly.
func (e *Engine) Run(ctx context.Context, desc table.Descriptor) error {
	v, err := e.intro.CTCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("fullload(%s): snapshot ct version: %w", desc.FullName(), err)
	}

	if err := e.truncate(ctx, desc); err != nil {
		return fmt.Errorf("fullload(%s): truncate: %w", desc.FullName(), err)
	}

	chunk, err := table.NewChunker(&desc, e.pageSize)
	if err != nil {
		return fmt.Errorf("fullload(%s): %w", desc.FullName(), err)
	}

	total, err := e.rowEstimate(ctx, desc)
	if err != nil {
		return fmt.Errorf("fullload(%s): estimate row count: %w", desc.FullName(), err)
	}

	var synced int64
	for {
		rows, lastSeen, n, err := e.readPage(ctx, desc, chunk)
		if err != nil {
			return fmt.Errorf("fullload(%s): read page: %w", desc.FullName(), err)
		}
		if n > 0 {
			if err := e.insertPage(ctx, desc, rows); err != nil {
				return fmt.Errorf("fullload(%s): insert page: %w", desc.FullName(), err)
			}
			synced += int64(n)
			if err := e.store.SetProgress(ctx, desc.FullName(), statestore.Progress{Synced: synced, Total: total}); err != nil {
				return fmt.Errorf("fullload(%s): set progress: %w", desc.FullName(), err)
			}
		}
		if n < chunk.PageSize {
			break
		}
		chunk = chunk.Next(lastSeen)
	}

	e.log.Infof("fullload(%s): copied %d rows, snapshot version=%d", desc.FullName(), synced, v)

	// Two-phase commit: version durable first, then clear the force flag
	// (spec.md §4.5 step 5, SPEC_FULL.md invariant 4).
	if err := e.store.SetVersion(ctx, desc.FullName(), v); err != nil {
		return fmt.Errorf("fullload(%s): set version: %w", desc.FullName(), err)
	}
	if err := e.store.SetForceFullLoad(ctx, desc.FullName(), false); err != nil {
		return fmt.Errorf("fullload(%s): clear force_full_load: %w", desc.FullName(), err)
	}
	return nil
}

// truncate empties the Replica table inside its own transaction. It is not
// combined with the insert transactions below: spec.md §4.5 step 2 scopes
// TRUNCATE to its own transactional step, distinct from the per-page insert
// transactions of step 4.
func (e *Engine) truncate(ctx context.Context, desc table.Descriptor) error {
	return dbconn.RetryableTransaction(ctx, e.replica, e.dbconf,
		dbconn.NewStmt(fmt.Sprintf("TRUNCATE TABLE %s", desc.QuotedName())))
}

// rowEstimate returns sys.dm_db_partition_stats' row count for desc, used
// only to populate the UI-only Progress.Total field (spec.md §3); it is
// never authoritative and a stale estimate never blocks replication.
func (e *Engine) rowEstimate(ctx context.Context, desc table.Descriptor) (int64, error) {
	const q = `
SELECT SUM(p.row_count)
FROM sys.dm_db_partition_stats p
WHERE p.object_id = OBJECT_ID(@p1) AND p.index_id IN (0, 1)`
	ctx, cancel := dbconn.WithStatementTimeout(ctx, e.dbconf)
	defer cancel()
	var n sql.NullInt64
	if err := e.primary.QueryRowContext(ctx, q, desc.Schema+"."+desc.Name).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return n.Int64, nil
}

// readPage pulls up to chunk.PageSize rows from the Primary in cursor
// order, returning the raw column values per row and the last-seen cursor
// value for resuming.
func (e *Engine) readPage(ctx context.Context, desc table.Descriptor, chunk *table.Chunk) ([][]any, any, int, error) {
	colNames := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		colNames[i] = c.Name
	}
	quotedCols := table.QuoteColumns(colNames)
	quotedCursor := table.QuoteIdentifier(chunk.CursorColumn)

	query := fmt.Sprintf(
		"SELECT TOP (%d) %s FROM %s WHERE %s > @p1 ORDER BY %s ASC",
		chunk.PageSize, quotedCols, desc.QuotedName(), quotedCursor, quotedCursor,
	)
	if chunk.LowerBound == nil {
		query = fmt.Sprintf(
			"SELECT TOP (%d) %s FROM %s ORDER BY %s ASC",
			chunk.PageSize, quotedCols, desc.QuotedName(), quotedCursor,
		)
	}

	ctx, cancel := dbconn.WithStatementTimeout(ctx, e.dbconf)
	defer cancel()

	var rows *sql.Rows
	var err error
	if chunk.LowerBound == nil {
		rows, err = e.primary.QueryContext(ctx, query)
	} else {
		rows, err = e.primary.QueryContext(ctx, query, chunk.LowerBound)
	}
	if err != nil {
		return nil, nil, 0, err
	}
	defer rows.Close()

	cursorIdx := -1
	for i, c := range colNames {
		if strings.EqualFold(c, chunk.CursorColumn) {
			cursorIdx = i
		}
	}

	var out [][]any
	var lastSeen any
	for rows.Next() {
		vals := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, 0, err
		}
		out = append(out, vals)
		if cursorIdx >= 0 {
			lastSeen = vals[cursorIdx]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, 0, err
	}
	return out, lastSeen, len(out), nil
}

// insertPage writes one page of rows to the Replica inside a single
// transaction, toggling IDENTITY_INSERT around the insert if the table has
// an identity column (spec.md §4.5 step 2 and step 4).
func (e *Engine) insertPage(ctx context.Context, desc table.Descriptor, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	colNames := make([]string, len(desc.Columns))
	hasIdentity := false
	for i, c := range desc.Columns {
		colNames[i] = c.Name
		if c.IsIdentity {
			hasIdentity = true
		}
	}
	quotedCols := table.QuoteColumns(colNames)

	var stmts []dbconn.Stmt
	if hasIdentity {
		stmts = append(stmts, dbconn.NewStmt(fmt.Sprintf("SET IDENTITY_INSERT %s ON", desc.QuotedName())))
	}
	stmts = append(stmts, multiRowInsert(desc.QuotedName(), quotedCols, colNames, rows)...)
	if hasIdentity {
		stmts = append(stmts, dbconn.NewStmt(fmt.Sprintf("SET IDENTITY_INSERT %s OFF", desc.QuotedName())))
	}

	if err := dbconn.RetryableTransaction(ctx, e.replica, e.dbconf, stmts...); err != nil {
		if dbconn.IsSchemaMismatchError(err) {
			return &errs.SchemaMismatch{Table: desc.FullName(), Err: err}
		}
		return err
	}
	return nil
}

// multiRowInsert batches rows into parameterized multi-row INSERT
// statements, bounded at 1000 rows each (SQL Server's VALUES-list limit),
// matching the teacher's batched-statement pattern in
// pkg/repl/subscription.go's flushDeltaMap.
func multiRowInsert(quotedTable, quotedCols string, colNames []string, rows [][]any) []dbconn.Stmt {
	const maxRowsPerStmt = 1000
	var stmts []dbconn.Stmt
	for start := 0; start < len(rows); start += maxRowsPerStmt {
		end := start + maxRowsPerStmt
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		var sb strings.Builder
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", quotedTable, quotedCols)
		var args []any
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j := range colNames {
				if j > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "@p%d", len(args)+1)
				args = append(args, row[j])
			}
			sb.WriteString(")")
		}
		stmts = append(stmts, dbconn.NewStmt(sb.String(), args...))
	}
	return stmts
}
