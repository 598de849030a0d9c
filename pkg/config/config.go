// Package config holds the replicator's startup configuration, sourced
// from flags or environment variables via the same github.com/alecthomas/kong
// struct-tag idiom the teacher's cmd/lint entrypoint uses (kong:"cmd"
// embedding, `help` tags); `env` tags are added here since, unlike the
// lint CLI, this process is meant to run unattended under an orchestrator
// that injects configuration as environment variables.
package config

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/block/mssql-replicator/pkg/coordinator"
	"github.com/block/mssql-replicator/pkg/dbconn"
	"github.com/block/mssql-replicator/pkg/statestore"
	"github.com/sirupsen/logrus"
)

// Run is the kong command for the replicator daemon (spec.md §6
// "Environment / configuration").
type Run struct {
	PrimaryDSN string `help:"Primary SQL Server connection string (sqlserver://...)." env:"MSSQL_REPLICATOR_PRIMARY_DSN" required:""`
	ReplicaDSN string `help:"Replica SQL Server connection string (sqlserver://...)." env:"MSSQL_REPLICATOR_REPLICA_DSN" required:""`

	EtcdEndpoints []string `help:"etcd endpoints backing the state store." env:"MSSQL_REPLICATOR_ETCD_ENDPOINTS" default:"localhost:2379"`

	PollInterval       time.Duration `help:"Per-table worker poll interval." env:"MSSQL_REPLICATOR_POLL_INTERVAL" default:"5s"`
	DiscoveryInterval  time.Duration `help:"Coordinator discovery loop interval." env:"MSSQL_REPLICATOR_DISCOVERY_INTERVAL" default:"5s"`
	ChunkSize          int           `help:"Full-load page size." env:"MSSQL_REPLICATOR_CHUNK_SIZE" default:"5000"`
	ModuleSyncInterval time.Duration `help:"How often the module synchronizer runs." env:"MSSQL_REPLICATOR_MODULE_SYNC_INTERVAL" default:"30s"`
	ConcurrencyCap     int           `help:"Maximum number of tables in their busy phase at once." env:"MSSQL_REPLICATOR_CONCURRENCY_CAP"`

	StatementTimeout time.Duration `help:"Per-statement timeout for full-load and change-tracking read queries." env:"MSSQL_REPLICATOR_STATEMENT_TIMEOUT" default:"60s"`
	MaxRetries       int           `help:"Max retries for a retryable transaction." env:"MSSQL_REPLICATOR_MAX_RETRIES" default:"5"`
	MaxOpenConns     int           `help:"Max open connections per side." env:"MSSQL_REPLICATOR_MAX_OPEN_CONNS" default:"10"`
}

// DBConfig derives a dbconn.DBConfig from the flags (spec.md §5
// "per-statement timeout").
func (r *Run) DBConfig() *dbconn.DBConfig {
	return &dbconn.DBConfig{
		StatementTimeout: r.StatementTimeout,
		MaxRetries:       r.MaxRetries,
		MaxOpenConns:     r.MaxOpenConns,
	}
}

// concurrencyCap resolves the default of spec.md §5: "number of CPU cores x
// 2" when the operator did not pin one explicitly.
func (r *Run) concurrencyCap() int {
	if r.ConcurrencyCap > 0 {
		return r.ConcurrencyCap
	}
	return runtime.NumCPU() * 2
}

// moduleSyncEveryN converts the configured wall-clock module-sync interval
// into a tick count relative to the discovery interval, since the
// coordinator's loop only has one ticker (spec.md §4.9 step 5: "every N
// ticks (configurable)").
func (r *Run) moduleSyncEveryN() int {
	if r.DiscoveryInterval <= 0 || r.ModuleSyncInterval <= 0 {
		return 1
	}
	n := int(r.ModuleSyncInterval / r.DiscoveryInterval)
	if n < 1 {
		return 1
	}
	return n
}

// CoordinatorConfig builds the coordinator.Config this Run describes.
func (r *Run) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		PrimaryDSN:         r.PrimaryDSN,
		ReplicaDSN:         r.ReplicaDSN,
		DBConfig:           r.DBConfig(),
		DiscoveryInterval:  r.DiscoveryInterval,
		WorkerPollInterval: r.PollInterval,
		ModuleSyncEveryN:   r.moduleSyncEveryN(),
		ConcurrencyCap:     r.concurrencyCap(),
		ChunkSize:          r.ChunkSize,
	}
}

// Run dials the state store, builds the coordinator, and runs it until a
// shutdown signal arrives. kong invokes this directly on the parsed command,
// matching cmd/lint's (l *Lint) Run() idiom.
func (r *Run) Run() error {
	log := logrus.New()

	kv, err := statestore.NewEtcdKV(statestore.EtcdConfig{Endpoints: r.EtcdEndpoints})
	if err != nil {
		log.Errorf("mssql-replicator: %v", err)
		return err
	}
	defer kv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordCfg := r.CoordinatorConfig()
	coordCfg.KV = kv
	coordCfg.Logger = log

	coord, err := coordinator.New(ctx, coordCfg)
	if err != nil {
		log.Errorf("mssql-replicator: %v", err)
		return err
	}
	defer coord.Close()

	log.Infof("mssql-replicator: starting")
	if err := coord.Run(ctx); err != nil {
		log.Errorf("mssql-replicator: %v", err)
		return err
	}
	log.Infof("mssql-replicator: shut down cleanly")
	return nil
}
