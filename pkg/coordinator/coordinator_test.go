package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/block/mssql-replicator/pkg/dbconn"
	"github.com/block/mssql-replicator/pkg/ddlapply"
	"github.com/block/mssql-replicator/pkg/fullload"
	"github.com/block/mssql-replicator/pkg/incremental"
	"github.com/block/mssql-replicator/pkg/modsync"
	"github.com/block/mssql-replicator/pkg/schema"
	"github.com/block/mssql-replicator/pkg/statestore"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

// newTestCoordinator wires a Coordinator directly (bypassing New, which
// opens real network connections) against sqlmock-backed databases, so
// discover/startup can be exercised without dbconn.Open's ping.
func newTestCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock, sqlmock.Sqlmock, *statestore.MemoryKV) {
	t.Helper()
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { primaryDB.Close() })

	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { replicaDB.Close() })

	log := logrus.New()
	dbconf := dbconn.NewDBConfig()
	intro := schema.NewIntrospector(primaryDB, replicaDB, log)
	cloner := schema.NewCloner(replicaDB, log)
	kv := statestore.NewMemoryKV()
	store := statestore.New(kv)

	c := &Coordinator{
		primary:           primaryDB,
		replica:           replicaDB,
		intro:             intro,
		cloner:            cloner,
		sync:              modsync.NewSynchronizer(intro, replicaDB, log),
		fullLoad:          fullload.NewEngine(primaryDB, replicaDB, intro, store, dbconf, log),
		incr:              incremental.NewEngine(primaryDB, replicaDB, intro, store, dbconf, log),
		ddl:               ddlapply.NewApplier(primaryDB, replicaDB, dbconf, log),
		store:             store,
		sem:               semaphore.NewWeighted(4),
		discoveryInterval: 5 * time.Second,
		moduleSyncEveryN:  6,
		dbconf:            dbconf,
		log:               log,
		workers:           make(map[string]*liveWorker),
		missedTicks:       make(map[string]int),
	}
	return c, primaryMock, replicaMock, kv
}

// expectEmptyListTrackedTables wires the single query ListTrackedTables
// issues against the primary, returning no rows.
func expectEmptyListTrackedTables(primaryMock sqlmock.Sqlmock) {
	primaryMock.ExpectQuery(`FROM sys.change_tracking_tables`).
		WillReturnRows(sqlmock.NewRows([]string{"table_schema", "table_name"}))
}

func expectEmptyListModules(mock sqlmock.Sqlmock) {
	for range []string{"V", "P", "FN", "TF", "IF"} {
		mock.ExpectQuery(`FROM sys.objects o`).
			WillReturnRows(sqlmock.NewRows([]string{"schema_name", "name", "definition"}))
	}
}

func TestDiscoverSpawnsWorkerForNewTable(t *testing.T) {
	c, primaryMock, _, kv := newTestCoordinator(t)
	store := statestore.New(kv)
	ctx := t.Context()

	primaryMock.ExpectQuery(`FROM sys.change_tracking_tables`).
		WillReturnRows(sqlmock.NewRows([]string{"table_schema", "table_name"}).AddRow("dbo", "Orders"))
	primaryMock.ExpectQuery(`SELECT CAST\(OBJECT_ID`).
		WithArgs("dbo", "Orders").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow("101"))
	primaryMock.ExpectQuery(`FROM sys.columns c WITH \(NOLOCK\)`).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type_name", "is_nullable", "is_identity"}).
			AddRow("Id", "int", false, true))
	primaryMock.ExpectQuery(`FROM sys.indexes ind`).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Id"))

	require.NoError(t, c.discover(ctx))

	c.mu.Lock()
	_, ok := c.workers["dbo.Orders"]
	c.mu.Unlock()
	require.True(t, ok)

	st, err := store.GetSyncState(ctx, "dbo.Orders")
	require.NoError(t, err)
	require.False(t, st.Enabled) // defaults: disabled until an operator opts in

	c.cancelWorker("dbo.Orders")
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestDiscoverKeepsWorkerAliveAfterOneMissedTick(t *testing.T) {
	c, primaryMock, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	_, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.workers["dbo.Gone"] = &liveWorker{cancel: cancel, done: done}

	expectEmptyListTrackedTables(primaryMock)

	require.NoError(t, c.discover(ctx))

	// A table absent from a single discovery tick is not retired yet
	// (spec.md §3: two consecutive ticks are required).
	c.mu.Lock()
	_, ok := c.workers["dbo.Gone"]
	missed := c.missedTicks["dbo.Gone"]
	c.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, 1, missed)
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestDiscoverCancelsWorkerAfterTwoConsecutiveMissedTicks(t *testing.T) {
	c, primaryMock, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	_, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	close(done) // already-finished worker, cancel is the only thing discover should call
	c.workers["dbo.Gone"] = &liveWorker{cancel: cancel, done: done}

	expectEmptyListTrackedTables(primaryMock)
	expectEmptyListTrackedTables(primaryMock)

	require.NoError(t, c.discover(ctx))
	c.mu.Lock()
	_, ok := c.workers["dbo.Gone"]
	c.mu.Unlock()
	require.True(t, ok) // still alive after the first miss

	require.NoError(t, c.discover(ctx))
	c.mu.Lock()
	_, ok = c.workers["dbo.Gone"]
	_, stillCounted := c.missedTicks["dbo.Gone"]
	c.mu.Unlock()
	require.False(t, ok)
	require.False(t, stillCounted)
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestDiscoverResetsMissedTickCountWhenTableReappears(t *testing.T) {
	c, primaryMock, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	done := make(chan struct{})
	c.workers["dbo.Orders"] = &liveWorker{cancel: func() {}, done: done}

	expectEmptyListTrackedTables(primaryMock)
	require.NoError(t, c.discover(ctx))
	c.mu.Lock()
	missed := c.missedTicks["dbo.Orders"]
	c.mu.Unlock()
	require.Equal(t, 1, missed)

	primaryMock.ExpectQuery(`FROM sys.change_tracking_tables`).
		WillReturnRows(sqlmock.NewRows([]string{"table_schema", "table_name"}).AddRow("dbo", "Orders"))
	primaryMock.ExpectQuery(`SELECT CAST\(OBJECT_ID`).
		WithArgs("dbo", "Orders").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow("101"))
	primaryMock.ExpectQuery(`FROM sys.columns c WITH \(NOLOCK\)`).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type_name", "is_nullable", "is_identity"}).
			AddRow("Id", "int", false, true))
	primaryMock.ExpectQuery(`FROM sys.indexes ind`).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Id"))

	require.NoError(t, c.discover(ctx))
	c.mu.Lock()
	_, stillCounted := c.missedTicks["dbo.Orders"]
	c.mu.Unlock()
	require.False(t, stillCounted)
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestDiscoverIsIdempotentForExistingWorker(t *testing.T) {
	c, primaryMock, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	done := make(chan struct{})
	c.workers["dbo.Orders"] = &liveWorker{cancel: func() {}, done: done}

	primaryMock.ExpectQuery(`FROM sys.change_tracking_tables`).
		WillReturnRows(sqlmock.NewRows([]string{"table_schema", "table_name"}).AddRow("dbo", "Orders"))
	primaryMock.ExpectQuery(`SELECT CAST\(OBJECT_ID`).
		WithArgs("dbo", "Orders").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow("101"))
	primaryMock.ExpectQuery(`FROM sys.columns c WITH \(NOLOCK\)`).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type_name", "is_nullable", "is_identity"}).
			AddRow("Id", "int", false, true))
	primaryMock.ExpectQuery(`FROM sys.indexes ind`).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Id"))

	require.NoError(t, c.discover(ctx))

	c.mu.Lock()
	lw := c.workers["dbo.Orders"]
	c.mu.Unlock()
	require.Same(t, done, lw.done) // no new worker spawned over the existing one
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestStartupPublishesConnectionInfoAndRunsModuleSync(t *testing.T) {
	c, primaryMock, replicaMock, kv := newTestCoordinator(t)
	ctx := t.Context()

	expectEmptyListTrackedTables(primaryMock)
	expectEmptyListModules(primaryMock)
	expectEmptyListModules(replicaMock)

	require.NoError(t, c.startup(ctx))

	snap := kv.Snapshot()
	require.Equal(t, "primary", snap["mssql_sync:config:primary_url"])
	require.Equal(t, "replica", snap["mssql_sync:config:replica_url"])
	require.NoError(t, primaryMock.ExpectationsWereMet())
	require.NoError(t, replicaMock.ExpectationsWereMet())
}
