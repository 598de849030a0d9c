// Package coordinator implements the Global Coordinator (C9): the
// top-level discovery loop that spawns and retires per-table workers, runs
// the module synchronizer on a slower cadence, and owns process startup and
// graceful shutdown.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/block/mssql-replicator/pkg/ddlapply"
	"github.com/block/mssql-replicator/pkg/dbconn"
	"github.com/block/mssql-replicator/pkg/errs"
	"github.com/block/mssql-replicator/pkg/fullload"
	"github.com/block/mssql-replicator/pkg/incremental"
	"github.com/block/mssql-replicator/pkg/modsync"
	"github.com/block/mssql-replicator/pkg/schema"
	"github.com/block/mssql-replicator/pkg/statestore"
	"github.com/block/mssql-replicator/pkg/table"
	"github.com/block/mssql-replicator/pkg/worker"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds everything the coordinator needs to reach both databases and
// the state store, plus the tunables of spec.md §6.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	DBConfig           *dbconn.DBConfig
	KV                 statestore.KV
	DiscoveryInterval  time.Duration // default 5s
	WorkerPollInterval time.Duration // default 5s, per-table worker tick cadence
	ModuleSyncEveryN   int           // run modsync every N discovery ticks, default 6 (~30s at 5s interval)
	ConcurrencyCap     int           // New falls back to 4 when <= 0; pkg/config passes NumCPU*2 unless pinned
	ChunkSize          int           // full-load page size, default table.DefaultPageSize
	Logger             loggers.Advanced
}

// Coordinator owns the discovery loop, the live worker set, and the shared
// concurrency semaphore every worker's busy phase acquires from.
type Coordinator struct {
	primary *sql.DB
	replica *sql.DB

	intro    *schema.Introspector
	cloner   *schema.Cloner
	sync     *modsync.Synchronizer
	fullLoad *fullload.Engine
	incr     *incremental.Engine
	ddl      *ddlapply.Applier
	store    *statestore.Store

	sem                *semaphore.Weighted
	discoveryInterval  time.Duration
	workerPollInterval time.Duration
	moduleSyncEveryN   int
	dbconf             *dbconn.DBConfig
	log                loggers.Advanced

	mu      sync.Mutex
	workers map[string]*liveWorker
	// missedTicks counts consecutive discovery ticks a live worker's table was
	// absent from ListTrackedTables. A worker is only cancelled once this
	// reaches missedTicksBeforeRetire (spec.md §3: "retires a descriptor only
	// after two consecutive discovery ticks" absent), so one transient
	// metadata blip doesn't tear down and re-clone a table still being used.
	missedTicks map[string]int
}

// missedTicksBeforeRetire is the number of consecutive absent discovery
// ticks required before a worker is cancelled.
const missedTicksBeforeRetire = 2

type liveWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New opens both database connections, wires every component, and returns a
// ready-to-run Coordinator. It does not yet talk to the state store or run
// any discovery; call Run for that.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	dbconf := cfg.DBConfig
	if dbconf == nil {
		dbconf = dbconn.NewDBConfig()
	}

	primary, err := dbconn.Open(cfg.PrimaryDSN, dbconf)
	if err != nil {
		return nil, &errs.FatalConfig{Reason: fmt.Sprintf("open primary: %v", err)}
	}
	replica, err := dbconn.Open(cfg.ReplicaDSN, dbconf)
	if err != nil {
		_ = primary.Close()
		return nil, &errs.FatalConfig{Reason: fmt.Sprintf("open replica: %v", err)}
	}

	discoveryInterval := cfg.DiscoveryInterval
	if discoveryInterval == 0 {
		discoveryInterval = 5 * time.Second
	}
	workerPollInterval := cfg.WorkerPollInterval
	if workerPollInterval == 0 {
		workerPollInterval = 5 * time.Second
	}
	moduleSyncEveryN := cfg.ModuleSyncEveryN
	if moduleSyncEveryN == 0 {
		moduleSyncEveryN = 6
	}
	concurrencyCap := cfg.ConcurrencyCap
	if concurrencyCap <= 0 {
		concurrencyCap = 4
	}

	store := statestore.New(cfg.KV)

	intro := schema.NewIntrospector(primary, replica, log)
	cloner := schema.NewCloner(replica, log)
	fl := fullload.NewEngine(primary, replica, intro, store, dbconf, log)
	fl.SetPageSize(cfg.ChunkSize)

	return &Coordinator{
		primary:            primary,
		replica:            replica,
		intro:              intro,
		cloner:             cloner,
		sync:               modsync.NewSynchronizer(intro, replica, log),
		fullLoad:           fl,
		incr:               incremental.NewEngine(primary, replica, intro, store, dbconf, log),
		ddl:                ddlapply.NewApplier(primary, replica, dbconf, log),
		store:              store,
		sem:                semaphore.NewWeighted(int64(concurrencyCap)),
		discoveryInterval:  discoveryInterval,
		workerPollInterval: workerPollInterval,
		moduleSyncEveryN:   moduleSyncEveryN,
		dbconf:             dbconf,
		log:                log,
		workers:            make(map[string]*liveWorker),
		missedTicks:        make(map[string]int),
	}, nil
}

// Close releases both database connections. Callers invoke it after Run
// returns.
func (c *Coordinator) Close() error {
	err1 := c.primary.Close()
	err2 := c.replica.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Run executes the startup sequence (spec.md §4.9) and then the discovery
// loop until ctx is cancelled, at which point every live worker is asked to
// cancel and Run waits for them to exit before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.startup(ctx); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error { return c.ddl.Run(ctx) })

	tick := 0
	ticker := time.NewTicker(c.discoveryInterval)
	defer ticker.Stop()
	for {
		if err := c.discover(ctx); err != nil {
			c.log.Warnf("coordinator: discovery tick failed: %v", err)
		}
		tick++
		if tick%c.moduleSyncEveryN == 0 {
			if err := c.sync.Sync(ctx); err != nil {
				c.log.Warnf("coordinator: module sync failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			c.stopAllWorkers()
			return g.Wait()
		case <-ticker.C:
		}
	}
}

// startup publishes the connection-info advertisement and runs one
// schema-clone and module-sync pass before any worker is spawned (spec.md
// §4.9 first paragraph).
func (c *Coordinator) startup(ctx context.Context) error {
	if err := c.store.PublishConnectionInfo(ctx, c.redactedDSN(schema.Primary), c.redactedDSN(schema.Replica)); err != nil {
		return &errs.FatalConfig{Reason: fmt.Sprintf("publish connection info: %v", err)}
	}

	descs, err := c.intro.ListTrackedTables(ctx)
	if err != nil {
		return &errs.FatalConfig{Reason: fmt.Sprintf("initial list_tracked_tables: %v", err)}
	}
	for _, d := range descs {
		replicaDesc, err := c.intro.DescribeTable(ctx, schema.Replica, d.Schema, d.Name)
		if err != nil {
			c.log.Warnf("coordinator: startup clone describe %s: %v", d.FullName(), err)
			continue
		}
		if err := c.cloner.Clone(ctx, d, replicaDesc); err != nil {
			c.log.Warnf("coordinator: startup clone %s: %v", d.FullName(), err)
		}
	}
	if err := c.sync.Sync(ctx); err != nil {
		c.log.Warnf("coordinator: startup module sync: %v", err)
	}
	return nil
}

// redactedDSN is a placeholder; the DSNs themselves are not retained on the
// Coordinator (only the opened *sql.DB), so startup publishes a static
// marker rather than echoing a connection string with embedded credentials.
func (c *Coordinator) redactedDSN(side schema.Side) string {
	if side == schema.Replica {
		return "replica"
	}
	return "primary"
}

// discover runs one iteration of spec.md §4.9 steps 1-4: list tracked
// tables, ensure sync-state defaults for newly-discovered ones, cancel
// workers for tables that disappeared, and spawn workers for new ones.
func (c *Coordinator) discover(ctx context.Context) error {
	descs, err := c.intro.ListTrackedTables(ctx)
	if err != nil {
		return fmt.Errorf("list_tracked_tables: %w", err)
	}

	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		name := d.FullName()
		seen[name] = true
		if err := c.store.EnsureDefaults(ctx, name); err != nil {
			c.log.Warnf("coordinator: ensure_defaults(%s): %v", name, err)
			continue
		}
		c.spawnIfAbsent(ctx, d)
	}

	c.mu.Lock()
	var stale []string
	for name := range c.workers {
		if seen[name] {
			delete(c.missedTicks, name)
			continue
		}
		c.missedTicks[name]++
		if c.missedTicks[name] >= missedTicksBeforeRetire {
			stale = append(stale, name)
			delete(c.missedTicks, name)
		}
	}
	c.mu.Unlock()
	for _, name := range stale {
		c.cancelWorker(name)
	}
	return nil
}

func (c *Coordinator) spawnIfAbsent(ctx context.Context, desc table.Descriptor) {
	name := desc.FullName()
	c.mu.Lock()
	if _, ok := c.workers[name]; ok {
		c.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	lw := &liveWorker{cancel: cancel, done: make(chan struct{})}
	c.workers[name] = lw
	c.mu.Unlock()

	w := worker.New(desc, worker.Config{
		Cloner:       c.cloner,
		Introspector: c.intro,
		FullLoader:   c.fullLoad,
		Incremental:  c.incr,
		Store:        c.store,
		Semaphore:    c.sem,
		PollInterval: c.workerPollInterval,
		Logger:       c.log,
	})

	go func() {
		defer close(lw.done)
		if err := w.Run(wctx); err != nil {
			c.log.Errorf("coordinator: worker(%s) exited with error: %v", name, err)
		}
	}()
}

func (c *Coordinator) cancelWorker(name string) {
	c.mu.Lock()
	lw, ok := c.workers[name]
	if ok {
		delete(c.workers, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	lw.cancel()
	<-lw.done
}

func (c *Coordinator) stopAllWorkers() {
	c.mu.Lock()
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.cancelWorker(name)
	}
}
