// Package dbconn contains database-connection and transaction utilities
// shared by every component that talks to either the Primary or the
// Replica SQL Server instance.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/block/mssql-replicator/pkg/errs"
	mssql "github.com/denisenkom/go-mssqldb"
)

const (
	maxConnLifetime = time.Minute * 3
	maxIdleConns    = 10
)

// DBConfig holds the small set of session-level settings every connection
// this package opens is standardized to.
type DBConfig struct {
	// StatementTimeout bounds the connection ping in Open and every call
	// that derives its context through WithStatementTimeout: the full-load
	// row estimate and page reads and the incremental change query. The
	// pkg/schema introspection queries and the statements run through
	// RetryableTransaction (including the full-load page inserts) are not
	// bounded by it.
	StatementTimeout time.Duration
	MaxRetries       int
	MaxOpenConns     int
}

// NewDBConfig returns the documented defaults.
func NewDBConfig() *DBConfig {
	return &DBConfig{
		StatementTimeout: 60 * time.Second,
		MaxRetries:       5,
		MaxOpenConns:     10,
	}
}

// Open opens a connection to a SQL Server instance identified by dsn
// (a "sqlserver://" URL) and verifies it with a ping.
func Open(dsn string, config *DBConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql server connection: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetConnMaxLifetime(maxConnLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	ctx, cancel := context.WithTimeout(context.Background(), config.StatementTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return db, nil
}

// canRetryError inspects a go-mssqldb error and decides if it is worth
// retrying the enclosing transaction. This mirrors the teacher's
// canRetryError for MySQL error numbers, re-grounded in the SQL Server
// error-number space (sys.messages).
func canRetryError(err error) bool {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case 1205, // deadlock victim
			233,   // no process on the other end of the pipe (conn reset)
			64,    // connection closed by remote host
			4060,  // cannot open database (failover window)
			40613, // database unavailable (Azure SQL failover)
			40501: // service busy, throttled
			return true
		default:
			return false
		}
	}
	// Without an error number, only a closed connection or an expired
	// deadline is treated as retryable; any other plain error is not.
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
}

// IsSchemaMismatchError reports whether err is a SQL Server type-conversion
// or type-clash error (spec.md §7's SchemaMismatch), as opposed to a
// transient or otherwise retryable condition.
func IsSchemaMismatchError(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	switch mssqlErr.Number {
	case 245, // conversion failed when converting value
		8114, // error converting data type
		206:  // operand type clash
		return true
	default:
		return false
	}
}

// Stmt pairs a parameterized statement with its arguments so that
// RetryableTransaction can execute a list of mixed statements uniformly.
type Stmt struct {
	Query string
	Args  []any
}

// NewStmt constructs a Stmt.
func NewStmt(query string, args ...any) Stmt {
	return Stmt{Query: query, Args: args}
}

// RetryableTransaction runs stmts inside a transaction, re-running the whole
// transaction when a statement fails with a retryable error, for at most
// config.MaxRetries attempts in total. Once every attempt has failed
// retryably it returns the last error wrapped in errs.Transient.
func RetryableTransaction(ctx context.Context, db *sql.DB, config *DBConfig, stmts ...Stmt) error {
	var err error
	var retryableFailure bool
RETRYLOOP:
	for i := 0; i < config.MaxRetries; i++ {
		var trx *sql.Tx
		trx, err = db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			retryableFailure = true
			backoff(i)
			continue RETRYLOOP
		}
		for _, st := range stmts {
			if st.Query == "" {
				continue
			}
			if _, err = trx.ExecContext(ctx, st.Query, st.Args...); err != nil {
				_ = trx.Rollback()
				if canRetryError(err) {
					retryableFailure = true
					backoff(i)
					continue RETRYLOOP
				}
				return fmt.Errorf("statement failed: %s: %w", st.Query, err)
			}
		}
		if err = trx.Commit(); err != nil {
			retryableFailure = true
			_ = trx.Rollback()
			backoff(i)
			continue RETRYLOOP
		}
		return nil
	}
	if retryableFailure && err != nil {
		return &errs.Transient{Op: "transaction", Err: err}
	}
	return err
}

// backoff sleeps a small, jittered amount of time before a retry, the same
// shape as the teacher's backoff in pkg/dbconn/dbconn.go.
func backoff(attempt int) {
	randFactor := attempt * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// WithStatementTimeout derives a child context bounded by config's
// StatementTimeout, for the read queries of pkg/fullload and
// pkg/incremental that must not block indefinitely (SPEC_FULL.md §5).
func WithStatementTimeout(ctx context.Context, config *DBConfig) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.StatementTimeout)
}
