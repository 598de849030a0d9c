// Package errs defines the small taxonomy of error kinds that per-table
// workers and the coordinator dispatch on. Every kind is recoverable unless
// documented otherwise; callers use errors.As to inspect, never string
// matching.
package errs

import "fmt"

// Transient wraps a database error that is expected to clear up on its own
// (connection reset, deadlock, statement timeout). The caller should retry
// on the next tick with backoff.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient db error during %s: %v", e.Op, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// StoreUnavailable wraps a state-store transport error. The caller should
// retry and keep any in-memory cursor it already had.
type StoreUnavailable struct {
	Op  string
	Err error
}

func (e *StoreUnavailable) Error() string {
	return fmt.Sprintf("state store unavailable during %s: %v", e.Op, e.Err)
}
func (e *StoreUnavailable) Unwrap() error { return e.Err }

// CTHistoryLost means the requested CT version fell below
// ct_min_valid_version on the Primary: the tail is gone and a full load is
// required.
type CTHistoryLost struct {
	Table    string
	FromVer  int64
	MinValid int64
}

func (e *CTHistoryLost) Error() string {
	return fmt.Sprintf("change tracking history lost for %s: requested version %d below minimum valid version %d",
		e.Table, e.FromVer, e.MinValid)
}

// SchemaMismatch means a row could not be applied because of a type
// incompatibility between Primary and Replica. This is NOT automatically
// recoverable: the table is paused and needs operator intervention.
type SchemaMismatch struct {
	Table  string
	Column string
	Err    error
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch on %s.%s: %v", e.Table, e.Column, e.Err)
}
func (e *SchemaMismatch) Unwrap() error { return e.Err }

// NoPrimaryKey means incremental mode was attempted on a table without a
// primary key. The caller should downgrade to a full load.
type NoPrimaryKey struct {
	Table string
}

func (e *NoPrimaryKey) Error() string {
	return fmt.Sprintf("table %s has no primary key, cannot run incrementally", e.Table)
}

// FatalConfig means the process cannot start at all (missing connection
// string, cannot reach either database or the state store at startup).
// Callers of the coordinator's startup sequence should exit non-zero.
type FatalConfig struct {
	Reason string
}

func (e *FatalConfig) Error() string { return fmt.Sprintf("fatal configuration error: %s", e.Reason) }
