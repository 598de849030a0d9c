// Package modsync implements the Module Synchronizer (C4): it reconciles
// views, procedures, scalar functions, table-valued functions, and inline
// table-valued functions by definition-text comparison. Triggers are
// deliberately excluded (spec.md §4.4, §1 non-goals). Definitions are
// treated as opaque scripts; nothing in this package parses T-SQL.
package modsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/block/mssql-replicator/pkg/schema"
	"github.com/block/mssql-replicator/pkg/table"
	"github.com/siddontang/loggers"
)

// dropVerb maps a module kind to the DROP statement verb SQL Server
// requires for it (each kind has its own DROP grammar).
var dropVerb = map[table.ModuleKind]string{
	table.ModuleView:          "VIEW",
	table.ModuleProcedure:     "PROCEDURE",
	table.ModuleScalarFn:      "FUNCTION",
	table.ModuleTableValuedFn: "FUNCTION",
	table.ModuleInlineTableFn: "FUNCTION",
}

// Synchronizer runs the reconciliation loop of spec.md §4.4.
type Synchronizer struct {
	intro   *schema.Introspector
	replica sqlExecer
	log     loggers.Advanced
}

// sqlExecer is the minimal replica-side SQL surface the synchronizer
// needs, matching *sql.DB's ExecContext signature so tests can swap in a
// sqlmock-backed *sql.DB.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSynchronizer builds a module synchronizer. replica is the connection
// the DROP/CREATE statements are issued against.
func NewSynchronizer(intro *schema.Introspector, replica sqlExecer, log loggers.Advanced) *Synchronizer {
	return &Synchronizer{intro: intro, replica: replica, log: log}
}

// Sync runs one full reconciliation pass across every module kind (spec.md
// §4.4 steps 1-4).
func (s *Synchronizer) Sync(ctx context.Context) error {
	primaryMods, err := s.intro.ListModules(ctx, schema.Primary)
	if err != nil {
		return fmt.Errorf("modsync: list primary modules: %w", err)
	}
	replicaMods, err := s.intro.ListModules(ctx, schema.Replica)
	if err != nil {
		return fmt.Errorf("modsync: list replica modules: %w", err)
	}

	primaryByName := indexModules(primaryMods)
	replicaByName := indexModules(replicaMods)

	for name, pm := range primaryByName {
		rm, onReplica := replicaByName[name]
		switch {
		case !onReplica:
			if err := s.create(ctx, pm); err != nil {
				return err
			}
		case normalize(pm.Definition) != normalize(rm.Definition):
			if err := s.drop(ctx, rm); err != nil {
				return err
			}
			if err := s.create(ctx, pm); err != nil {
				return err
			}
		}
	}

	for name, rm := range replicaByName {
		if _, onPrimary := primaryByName[name]; !onPrimary {
			if err := s.drop(ctx, rm); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Synchronizer) create(ctx context.Context, m table.Module) error {
	s.log.Infof("modsync: creating %s %s on replica", m.Kind, m.FullName())
	if _, err := s.replica.ExecContext(ctx, m.Definition); err != nil {
		return fmt.Errorf("modsync: create %s %s: %w", m.Kind, m.FullName(), err)
	}
	return nil
}

func (s *Synchronizer) drop(ctx context.Context, m table.Module) error {
	verb, ok := dropVerb[m.Kind]
	if !ok {
		return fmt.Errorf("modsync: unknown module kind %v", m.Kind)
	}
	stmt := fmt.Sprintf("DROP %s IF EXISTS %s", verb, table.QuoteIdentifier(m.Schema)+"."+table.QuoteIdentifier(m.Name))
	s.log.Infof("modsync: dropping %s %s on replica", m.Kind, m.FullName())
	if _, err := s.replica.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("modsync: drop %s %s: %w", m.Kind, m.FullName(), err)
	}
	return nil
}

func indexModules(mods []table.Module) map[string]table.Module {
	out := make(map[string]table.Module, len(mods))
	for _, m := range mods {
		out[m.FullName()] = m
	}
	return out
}

// normalize implements the Open Question resolution in SPEC_FULL.md: trim
// trailing whitespace from every line and the trailing newline, then
// compare byte-for-byte.
func normalize(def string) string {
	lines := strings.Split(def, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
