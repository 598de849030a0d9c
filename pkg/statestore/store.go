// Package statestore is the typed wrapper (C1 in SPEC_FULL.md) over the
// external key/value store that holds durable per-table sync state and the
// operator control surface. It exposes get/set/delete/get_many over the
// documented key namespace (spec.md §6); no cross-key atomicity is assumed
// or required — every higher invariant is maintained by idempotent replay
// in the callers, not by compound transactions here (spec.md §4.1, §9).
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/block/mssql-replicator/pkg/errs"
)

// KV is the minimal transport this package is built on. Backends (etcd,
// an in-memory fake for tests) implement it; everything domain-specific
// (key namespace, JSON encoding, defaults) lives in this package, not the
// backend.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
}

// Progress is the UI-only progress snapshot for a table (spec.md §3). It is
// never authoritative for replication decisions.
type Progress struct {
	Synced    int64 `json:"synced"`
	Total     int64 `json:"total"`
	StartedAt int64 `json:"started_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// SyncState is the durable per-table record (spec.md §3).
type SyncState struct {
	Enabled       bool
	ForceFullLoad bool
	Version       int64
	Progress      *Progress
}

// Store wraps a KV backend with the mssql_sync key namespace and default
// values for tables that have never been written (spec.md §3: "Sync state
// is created with defaults... and is never auto-deleted").
type Store struct {
	kv KV
}

// New wraps kv with the documented key namespace.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// wrap turns a transport error into errs.StoreUnavailable so callers can
// apply the documented retry policy (spec.md §7) uniformly.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &errs.StoreUnavailable{Op: op, Err: err}
}

// GetSyncState reads the full sync-state record for table, applying the
// documented defaults (enabled=false, version=0, force_full_load=false) for
// any key that has never been written (spec.md §3 "Lifecycles").
func (s *Store) GetSyncState(ctx context.Context, table string) (SyncState, error) {
	keys := []string{enabledKey(table), forceFullLoadKey(table), versionKey(table), progressKey(table)}
	values, err := s.kv.GetMany(ctx, keys)
	if err != nil {
		return SyncState{}, wrap("get_sync_state", err)
	}
	st := SyncState{}
	st.Enabled = values[enabledKey(table)] == "true"
	st.ForceFullLoad = values[forceFullLoadKey(table)] == "true"
	if v, ok := values[versionKey(table)]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return SyncState{}, fmt.Errorf("corrupt version value for %s: %q: %w", table, v, err)
		}
		st.Version = n
	}
	if v, ok := values[progressKey(table)]; ok && v != "" {
		var p Progress
		if err := json.Unmarshal([]byte(v), &p); err == nil {
			st.Progress = &p
		}
	}
	return st, nil
}

// EnsureDefaults creates a sync-state record with the documented defaults
// if and only if the enabled key has never been set (spec.md §3: a
// descriptor's sync state "is created with defaults" on first discovery).
func (s *Store) EnsureDefaults(ctx context.Context, table string) error {
	_, exists, err := s.kv.Get(ctx, enabledKey(table))
	if err != nil {
		return wrap("ensure_defaults", err)
	}
	if exists {
		return nil
	}
	if err := s.kv.Set(ctx, enabledKey(table), "false"); err != nil {
		return wrap("ensure_defaults", err)
	}
	if err := s.kv.Set(ctx, forceFullLoadKey(table), "false"); err != nil {
		return wrap("ensure_defaults", err)
	}
	if err := s.kv.Set(ctx, versionKey(table), "0"); err != nil {
		return wrap("ensure_defaults", err)
	}
	return nil
}

// SetEnabled is an operator/coordinator write to the enabled toggle.
func (s *Store) SetEnabled(ctx context.Context, table string, enabled bool) error {
	return wrap("set_enabled", s.kv.Set(ctx, enabledKey(table), boolStr(enabled)))
}

// SetForceFullLoad is an operator/worker write to the force_full_load flag.
// Ordering of this call relative to SetVersion is load-bearing: see
// pkg/fullload for the two-phase commit this protects (spec.md §4.5 step 5).
func (s *Store) SetForceFullLoad(ctx context.Context, table string, force bool) error {
	return wrap("set_force_full_load", s.kv.Set(ctx, forceFullLoadKey(table), boolStr(force)))
}

// SetVersion durably records the last CT version fully applied for table.
// Callers must only call this strictly after the corresponding data commit
// (spec.md §5 "version[T] is updated strictly after commit").
func (s *Store) SetVersion(ctx context.Context, table string, version int64) error {
	return wrap("set_version", s.kv.Set(ctx, versionKey(table), strconv.FormatInt(version, 10)))
}

// SetProgress records the UI-only progress snapshot for table.
func (s *Store) SetProgress(ctx context.Context, table string, p Progress) error {
	p.UpdatedAt = nowMillis()
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return wrap("set_progress", s.kv.Set(ctx, progressKey(table), string(b)))
}

// PublishConnectionInfo writes the process-wide connection-info
// advertisement (spec.md §3, §6), called once at coordinator startup.
func (s *Store) PublishConnectionInfo(ctx context.Context, primaryURL, replicaURL string) error {
	if err := s.kv.Set(ctx, configPrimaryURLKey, primaryURL); err != nil {
		return wrap("publish_connection_info", err)
	}
	return wrap("publish_connection_info", s.kv.Set(ctx, configReplicaURLKey, replicaURL))
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// nowMillis is a seam so tests can avoid asserting on wall-clock time; it is
// not itself under test.
var nowMillis = func() int64 { return timeNowUnixMilli() }
